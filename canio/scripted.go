package canio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSilent is returned by a ScriptedChannel when the script has no answer.
var ErrSilent = errors.New("scripted: no reply")

// Transaction is one exchange recorded by a ScriptedChannel.
type Transaction struct {
	Request     []byte
	ExpectReply bool
	Start       time.Time
	End         time.Time
}

// ScriptedChannel is an in-memory Channel whose replies come from a function.
// It records every transaction and the highest number observed in flight.
type ScriptedChannel struct {
	respond func(req []byte) ([]byte, error)

	// Latency is added to every transaction.
	Latency time.Duration

	mu          sync.Mutex
	records     []Transaction
	inFlight    int
	maxInFlight int
	closed      bool
}

// NewScriptedChannel answers with respond. Returning nil data and a nil error
// means the ECU stayed silent.
func NewScriptedChannel(respond func(req []byte) ([]byte, error)) *ScriptedChannel {
	return &ScriptedChannel{respond: respond}
}

func (s *ScriptedChannel) Write(ctx context.Context, data []byte) error {
	_, err := s.exchange(data, false)
	return err
}

func (s *ScriptedChannel) WriteRead(ctx context.Context, data []byte, readTimeout time.Duration) ([]byte, error) {
	return s.exchange(data, true)
}

func (s *ScriptedChannel) exchange(data []byte, expectReply bool) ([]byte, error) {
	start := time.Now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("scripted: channel closed")
	}
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()

	if s.Latency > 0 {
		time.Sleep(s.Latency)
	}

	var resp []byte
	var err error
	if s.respond != nil {
		resp, err = s.respond(append([]byte(nil), data...))
	}
	if err == nil && resp == nil && expectReply {
		err = ErrSilent
	}

	s.mu.Lock()
	s.inFlight--
	s.records = append(s.records, Transaction{
		Request:     append([]byte(nil), data...),
		ExpectReply: expectReply,
		Start:       start,
		End:         time.Now(),
	})
	s.mu.Unlock()

	if !expectReply {
		return nil, err
	}
	return resp, err
}

func (s *ScriptedChannel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *ScriptedChannel) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Transactions returns the recorded exchanges in completion order.
func (s *ScriptedChannel) Transactions() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transaction(nil), s.records...)
}

// Requests returns recorded payloads starting with sid.
func (s *ScriptedChannel) Requests(sid byte) [][]byte {
	var out [][]byte
	for _, tr := range s.Transactions() {
		if len(tr.Request) > 0 && tr.Request[0] == sid {
			out = append(out, tr.Request)
		}
	}
	return out
}

// MaxInFlight is the largest number of concurrent exchanges observed.
func (s *ScriptedChannel) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}
