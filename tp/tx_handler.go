package tp

import "fmt"

// initiateTx starts a new transmission. Called only while the transmitter is idle.
func (t *Transport) initiateTx(req *txRequest, txChan chan<- CanMessage) {
	t.txReq = req
	payload := req.data

	sfPciSize := 1
	if len(payload) > 7 {
		sfPciSize = 2
	}

	// 单帧
	if len(payload)+sfPciSize <= t.maxDataLength {
		data, err := createSingleFramePayload(payload, t.maxDataLength)
		if err != nil {
			t.finishTx(err)
			return
		}
		if !t.emit(data, txChan) {
			t.finishTx(ErrTxBusFull)
			return
		}
		t.finishTx(nil)
		return
	}

	// 多帧，先发送首帧
	chunkSize := t.maxDataLength - firstFrameHeaderLen(len(payload))
	data, err := createFirstFramePayload(payload[:chunkSize], len(payload), t.maxDataLength)
	if err != nil {
		t.finishTx(err)
		return
	}
	if !t.emit(data, txChan) {
		t.finishTx(ErrTxBusFull)
		return
	}

	t.txBuffer = payload[chunkSize:]
	t.txSeqNum = 1
	t.txState = StateWaitFC
	resetTimer(t.timerRxFC, t.config.TimeoutN_Bs)
}

func (t *Transport) handleTxFlowControl(fc *FlowControlFrame) {
	if t.txState != StateWaitFC {
		return
	}
	stopTimer(t.timerRxFC)

	switch fc.FlowStatus {
	case FlowStatusContinueToSend:
		t.wftCounter = 0
		t.remoteBlocksize = fc.BlockSize
		t.remoteStmin = fc.STmin
		t.txBlockCounter = 0
		t.txState = StateTransmit
		resetTimer(t.timerTxSTmin, fc.STmin)

	case FlowStatusWait:
		t.wftCounter++
		if t.wftCounter > t.config.MaxWaitFrame {
			t.finishTx(ErrWaitFrameLimit)
			return
		}
		resetTimer(t.timerRxFC, t.config.TimeoutN_Bs)

	case FlowStatusOverflow:
		t.finishTx(ErrOverflow)

	default:
		t.finishTx(fmt.Errorf("isotp: invalid flow status 0x%X", byte(fc.FlowStatus)))
	}
}

// handleTxTransmit sends the next consecutive frame once STmin has elapsed.
func (t *Transport) handleTxTransmit(txChan chan<- CanMessage) {
	chunkSize := t.maxDataLength - 1
	chunk := t.txBuffer
	if len(chunk) > chunkSize {
		chunk = chunk[:chunkSize]
	}

	data, err := createConsecutiveFramePayload(chunk, t.txSeqNum)
	if err != nil {
		t.finishTx(err)
		return
	}
	if !t.emit(data, txChan) {
		t.finishTx(ErrTxBusFull)
		return
	}

	t.txBuffer = t.txBuffer[len(chunk):]
	t.txSeqNum = (t.txSeqNum + 1) % 16
	t.txBlockCounter++

	if len(t.txBuffer) == 0 {
		t.finishTx(nil)
		return
	}

	if t.remoteBlocksize > 0 && t.txBlockCounter >= t.remoteBlocksize {
		t.txState = StateWaitFC
		resetTimer(t.timerRxFC, t.config.TimeoutN_Bs)
		return
	}
	resetTimer(t.timerTxSTmin, t.remoteStmin)
}
