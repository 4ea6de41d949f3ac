package tp

import (
	"errors"
	"fmt"
)

// ProcessRx 处理接收到的单个CAN报文。流控帧会直接推进发送状态机。
func (t *Transport) ProcessRx(msg CanMessage, txChan chan<- CanMessage) {
	if !t.address.IsForMe(&msg) {
		return
	}

	frame, err := ParseFrame(&msg)
	if err != nil {
		t.fireError(fmt.Errorf("isotp: %w", err))
		return
	}

	switch f := frame.(type) {
	case *FlowControlFrame:
		t.handleTxFlowControl(f)
	case *SingleFrame:
		t.handleRxSingleFrame(f)
	case *FirstFrame:
		t.handleRxFirstFrame(f, txChan)
	case *ConsecutiveFrame:
		t.handleRxConsecutiveFrame(f, txChan)
	}
}

func (t *Transport) handleRxSingleFrame(f *SingleFrame) {
	if t.rxState != StateIdle {
		t.fireError(errors.New("isotp: reception interrupted by a new single frame"))
	}
	t.stopReceiving()
	t.deliver(append([]byte(nil), f.Data...))
}

func (t *Transport) handleRxFirstFrame(f *FirstFrame, txChan chan<- CanMessage) {
	if t.rxState != StateIdle {
		t.fireError(errors.New("isotp: reception interrupted by a new first frame"))
	}
	t.stopReceiving()

	t.rxFrameLen = f.TotalSize
	t.rxBuffer = make([]byte, 0, f.TotalSize)
	t.rxBuffer = append(t.rxBuffer, f.Data...)

	if len(t.rxBuffer) >= t.rxFrameLen {
		t.deliver(t.rxBuffer[:t.rxFrameLen])
		t.stopReceiving()
		return
	}

	t.rxState = StateWaitCF
	t.rxSeqNum = 1
	t.sendFlowControl(FlowStatusContinueToSend, txChan)
	resetTimer(t.timerRxCF, t.config.TimeoutN_Cr)
}

func (t *Transport) handleRxConsecutiveFrame(f *ConsecutiveFrame, txChan chan<- CanMessage) {
	if t.rxState != StateWaitCF {
		return
	}
	if f.SequenceNumber != t.rxSeqNum {
		t.fireError(fmt.Errorf("%w: want %d, got %d", ErrSequence, t.rxSeqNum, f.SequenceNumber))
		t.stopReceiving()
		return
	}

	resetTimer(t.timerRxCF, t.config.TimeoutN_Cr)
	t.rxSeqNum = (t.rxSeqNum + 1) % 16

	remaining := t.rxFrameLen - len(t.rxBuffer)
	data := f.Data
	if len(data) > remaining {
		data = data[:remaining]
	}
	t.rxBuffer = append(t.rxBuffer, data...)

	if len(t.rxBuffer) >= t.rxFrameLen {
		t.deliver(t.rxBuffer)
		t.stopReceiving()
		return
	}

	t.rxBlockCounter++
	if t.config.BlockSize > 0 && t.rxBlockCounter >= t.config.BlockSize {
		t.rxBlockCounter = 0
		t.sendFlowControl(FlowStatusContinueToSend, txChan)
	}
}

func (t *Transport) deliver(data []byte) {
	select {
	case t.rxDataChan <- data:
	default:
		t.fireError(errors.New("isotp: receive buffer full, payload dropped"))
	}
}

func (t *Transport) sendFlowControl(status FlowStatus, txChan chan<- CanMessage) {
	if !t.emit(createFlowControlPayload(status, t.config.BlockSize, t.config.StMin), txChan) {
		t.fireError(ErrTxBusFull)
	}
}
