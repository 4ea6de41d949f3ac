package tp

import "errors"

var (
	ErrFlowControlTimeout      = errors.New("isotp: flow control frame not received in time")
	ErrConsecutiveFrameTimeout = errors.New("isotp: consecutive frame not received in time")
	ErrOverflow                = errors.New("isotp: receiver reported buffer overflow")
	ErrWaitFrameLimit          = errors.New("isotp: too many flow control wait frames")
	ErrSequence                = errors.New("isotp: consecutive frame sequence mismatch")
	ErrTxBusFull               = errors.New("isotp: bus transmit queue full")
	ErrStopped                 = errors.New("isotp: transport stopped")
)
