package canio

import (
	"context"
	"fmt"
	"time"

	"github.com/LoveWonYoung/conuds/logrecorder"
)

const (
	// writeTimeout bounds fire-and-forget writes.
	writeTimeout = 5 * time.Millisecond
	idleBackoff  = time.Millisecond
)

// Channel is an exclusively owned bus endpoint bound to one request/response
// identifier pair.
type Channel interface {
	Write(ctx context.Context, data []byte) error
	// WriteRead sends data and waits up to readTimeout for one reply payload.
	WriteRead(ctx context.Context, data []byte, readTimeout time.Duration) ([]byte, error)
	Close() error
}

// HardwareError reports a device that could not be enumerated, opened,
// configured or bound.
type HardwareError struct {
	Op     string
	Device string
	Err    error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("hardware: %s %s: %v", e.Op, e.Device, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

// Worker owns a Channel and services queued transactions one at a time, in
// the order they were submitted.
type Worker struct {
	ch       Channel
	requests chan Request
	done     chan struct{}
	queue    *Queue
}

func NewWorker(ch Channel) *Worker {
	w := &Worker{
		ch:       ch,
		requests: make(chan Request, QueueCapacity),
		done:     make(chan struct{}),
	}
	w.queue = &Queue{requests: w.requests, stopped: w.done}
	return w
}

// Queue returns the producer side of the worker's command queue.
func (w *Worker) Queue() *Queue { return w.queue }

// Process services at most one queued transaction. When the queue is empty
// it sleeps briefly and returns false.
func (w *Worker) Process() bool {
	select {
	case req := <-w.requests:
		w.service(req)
		return true
	default:
		time.Sleep(idleBackoff)
		return false
	}
}

// Run processes transactions until ctx is cancelled, then closes the channel.
// Cancellation is observed between transactions only.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		close(w.done)
		if err := w.ch.Close(); err != nil {
			logrecorder.Errorf("[canio] closing channel: %v", err)
		}
	}()
	for ctx.Err() == nil {
		w.Process()
	}
	return nil
}

func (w *Worker) service(req Request) {
	if req.Reply == nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := w.ch.Write(ctx, req.Payload); err != nil {
			logrecorder.Debugf("[canio] write % 02X dropped: %v", req.Payload, err)
		}
		return
	}

	data, err := w.ch.WriteRead(context.Background(), req.Payload, req.Timeout)
	if err != nil {
		logrecorder.Debugf("[canio] transaction % 02X: %v", req.Payload, err)
	}
	select {
	case req.Reply <- Reply{Data: data, Err: err}:
	default:
		// receiver gave up, nobody is listening
	}
}
