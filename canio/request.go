package canio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// QueueCapacity bounds the number of transactions waiting for the worker.
const QueueCapacity = 100

var (
	// ErrWorkerStopped means nothing consumes the queue any more.
	ErrWorkerStopped = errors.New("canio: transport worker stopped")
	// ErrNoResponse is reported when a transaction got no reply from the bus.
	ErrNoResponse = errors.New("canio: no response")
)

// Reply carries the outcome of a with-response transaction. A non-nil Err
// means no payload was received.
type Reply struct {
	Data []byte
	Err  error
}

// Request is one bus transaction. A nil Reply channel makes it a
// fire-and-forget write; otherwise the worker sends exactly one Reply on it,
// so it must have room for one value.
type Request struct {
	Payload []byte
	Reply   chan<- Reply
	Timeout time.Duration
}

// Queue is the only way to reach the bus. It is safe for concurrent use.
type Queue struct {
	requests chan<- Request
	stopped  <-chan struct{}
}

// Submit enqueues req, blocking while the queue is full.
func (q *Queue) Submit(ctx context.Context, req Request) error {
	select {
	case <-q.stopped:
		return ErrWorkerStopped
	default:
	}
	select {
	case q.requests <- req:
		return nil
	case <-q.stopped:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send enqueues a write that expects no answer.
func (q *Queue) Send(ctx context.Context, payload []byte) error {
	return q.Submit(ctx, Request{Payload: payload})
}

// SendRecv enqueues a write-then-read transaction and waits for its reply.
// timeout applies to the read on the bus.
func (q *Queue) SendRecv(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	reply := make(chan Reply, 1)
	if err := q.Submit(ctx, Request{Payload: payload, Reply: reply, Timeout: timeout}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		if r.Err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoResponse, r.Err)
		}
		return r.Data, nil
	case <-q.stopped:
		// the worker may have answered just before exiting
		select {
		case r := <-reply:
			if r.Err != nil {
				return nil, fmt.Errorf("%w: %v", ErrNoResponse, r.Err)
			}
			return r.Data, nil
		default:
			return nil, ErrWorkerStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
