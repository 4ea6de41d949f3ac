package tp

import (
	"context"
	"time"
)

const (
	classicMaxDataLength = 8
)

type txRequest struct {
	ctx  context.Context
	data []byte
	done chan error
}

// Transport 是ISOTP协议栈的核心结构。所有状态只在 Run 的 goroutine 中修改，
// 外部通过 Send/Recv 与之交互。
type Transport struct {
	address       *Address
	config        Config
	maxDataLength int

	rxState        State
	rxBuffer       []byte
	rxFrameLen     int
	rxSeqNum       int
	rxBlockCounter int

	txState         State
	txReq           *txRequest
	txBuffer        []byte
	txSeqNum        int
	txBlockCounter  int
	remoteBlocksize int
	remoteStmin     time.Duration
	wftCounter      int

	txReqChan  chan *txRequest
	rxDataChan chan []byte
	stopped    chan struct{}

	timerRxCF    *time.Timer
	timerRxFC    *time.Timer
	timerTxSTmin *time.Timer

	ErrorChan chan error
}

func NewTransport(address *Address, cfg Config) *Transport {
	t := &Transport{
		address:       address,
		config:        cfg,
		maxDataLength: classicMaxDataLength,
		txReqChan:     make(chan *txRequest, 1),
		rxDataChan:    make(chan []byte, 10),
		stopped:       make(chan struct{}),
		timerRxCF:     time.NewTimer(time.Hour),
		timerRxFC:     time.NewTimer(time.Hour),
		timerTxSTmin:  time.NewTimer(time.Hour),
		ErrorChan:     make(chan error, 10),
	}
	stopTimer(t.timerRxCF)
	stopTimer(t.timerRxFC)
	stopTimer(t.timerTxSTmin)
	return t
}

// Send segments data and blocks until the last frame has been handed to the
// bus, the transfer failed, or ctx ends.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	req := &txRequest{ctx: ctx, data: data, done: make(chan error, 1)}
	select {
	case t.txReqChan <- req:
	case <-t.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-t.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks for one reassembled payload.
func (t *Transport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.rxDataChan:
		return data, nil
	case <-t.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Flush drops payloads nobody waited for.
func (t *Transport) Flush() {
	for {
		select {
		case <-t.rxDataChan:
		default:
			return
		}
	}
}

// Run is the protocol event loop. New transmissions are only accepted while
// the transmitter is idle.
func (t *Transport) Run(ctx context.Context, rxChan <-chan CanMessage, txChan chan<- CanMessage) {
	defer t.cleanup()

	for {
		var txReqEnable <-chan *txRequest
		if t.txState == StateIdle {
			txReqEnable = t.txReqChan
		}

		select {
		case <-ctx.Done():
			return

		case msg, ok := <-rxChan:
			if !ok {
				return
			}
			t.ProcessRx(msg, txChan)

		case req := <-txReqEnable:
			if err := req.ctx.Err(); err != nil {
				req.done <- err
				continue
			}
			t.initiateTx(req, txChan)

		case <-t.timerRxCF.C:
			t.fireError(ErrConsecutiveFrameTimeout)
			t.stopReceiving()

		case <-t.timerRxFC.C:
			t.finishTx(ErrFlowControlTimeout)

		case <-t.timerTxSTmin.C:
			if t.txState == StateTransmit {
				t.handleTxTransmit(txChan)
			}
		}
	}
}

func (t *Transport) cleanup() {
	t.finishTx(ErrStopped)
	stopTimer(t.timerRxCF)
	stopTimer(t.timerRxFC)
	stopTimer(t.timerTxSTmin)
	close(t.stopped)
}

func (t *Transport) stopReceiving() {
	t.rxState = StateIdle
	t.rxBuffer = nil
	t.rxFrameLen = 0
	t.rxSeqNum = 0
	t.rxBlockCounter = 0
	stopTimer(t.timerRxCF)
}

// finishTx completes the active request, if any, and returns the transmitter to idle.
func (t *Transport) finishTx(err error) {
	if t.txReq != nil {
		t.txReq.done <- err
		t.txReq = nil
	}
	if err != nil && err != ErrStopped {
		t.fireError(err)
	}
	t.txState = StateIdle
	t.txBuffer = nil
	t.txSeqNum = 0
	t.txBlockCounter = 0
	t.wftCounter = 0
	stopTimer(t.timerRxFC)
	stopTimer(t.timerTxSTmin)
}

func (t *Transport) makeTxMsg(data []byte) CanMessage {
	payload := data
	if t.config.PaddingByte != nil && len(payload) < classicMaxDataLength {
		padded := make([]byte, classicMaxDataLength)
		copy(padded, payload)
		for i := len(payload); i < classicMaxDataLength; i++ {
			padded[i] = *t.config.PaddingByte
		}
		payload = padded
	}
	return CanMessage{
		ArbitrationID: t.address.TxID,
		Data:          payload,
		IsExtendedID:  t.address.Is29Bit(),
	}
}

// emit hands a frame to the bus without blocking the event loop.
func (t *Transport) emit(data []byte, txChan chan<- CanMessage) bool {
	select {
	case txChan <- t.makeTxMsg(data):
		return true
	default:
		return false
	}
}

// fireError 非阻塞地上报错误，通道满时丢弃
func (t *Transport) fireError(err error) {
	select {
	case t.ErrorChan <- err:
	default:
	}
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func resetTimer(timer *time.Timer, d time.Duration) {
	stopTimer(timer)
	timer.Reset(d)
}
