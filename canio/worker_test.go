package canio

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LoveWonYoung/conuds/driver"
	"github.com/LoveWonYoung/conuds/tp"
)

func startWorker(t *testing.T, ch Channel) (*Worker, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	w := NewWorker(ch)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, cancel, done
}

func echo(req []byte) ([]byte, error) {
	return append([]byte{req[0] + 0x40}, req[1:]...), nil
}

func TestWorker_FIFOSerialization(t *testing.T) {
	ch := NewScriptedChannel(echo)
	ch.Latency = time.Millisecond
	w, _, _ := startWorker(t, ch)
	q := w.Queue()

	const n = 30
	var (
		submitMu sync.Mutex
		seq      byte
		wg       sync.WaitGroup
	)
	replies := make([]chan Reply, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := make(chan Reply, 1)

			submitMu.Lock()
			id := seq
			seq++
			replies[id] = reply
			err := q.Submit(context.Background(), Request{Payload: []byte{0x22, id}, Reply: reply, Timeout: 10 * time.Millisecond})
			submitMu.Unlock()
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			r := <-reply
			if r.Err != nil || !bytes.Equal(r.Data, []byte{0x62, id}) {
				t.Errorf("reply for %d: % 02X (err %v)", id, r.Data, r.Err)
			}
		}()
	}
	wg.Wait()

	trs := ch.Transactions()
	if len(trs) != n {
		t.Fatalf("serviced %d transactions, want %d", len(trs), n)
	}
	for i, tr := range trs {
		if tr.Request[1] != byte(i) {
			t.Errorf("transaction %d carried id %d", i, tr.Request[1])
		}
		if i > 0 && tr.Start.Before(trs[i-1].End) {
			t.Errorf("transaction %d started before %d finished", i, i-1)
		}
	}
	if ch.MaxInFlight() != 1 {
		t.Errorf("max in flight = %d, want 1", ch.MaxInFlight())
	}
}

func TestWorker_WriteFailureIsSwallowed(t *testing.T) {
	ch := NewScriptedChannel(func(req []byte) ([]byte, error) {
		if req[0] == 0x3E {
			return nil, errors.New("bus off")
		}
		return echo(req)
	})
	w, _, _ := startWorker(t, ch)
	q := w.Queue()

	if err := q.Send(context.Background(), []byte{0x3E, 0x80}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp, err := q.SendRecv(context.Background(), []byte{0x11, 0x01}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("SendRecv after failed write: %v", err)
	}
	if !bytes.Equal(resp, []byte{0x51, 0x01}) {
		t.Errorf("got % 02X", resp)
	}
}

func TestWorker_NoReplyIsReported(t *testing.T) {
	ch := NewScriptedChannel(func(req []byte) ([]byte, error) { return nil, nil })
	w, _, _ := startWorker(t, ch)

	_, err := w.Queue().SendRecv(context.Background(), []byte{0x22, 0x03, 0x00}, 20*time.Millisecond)
	if !errors.Is(err, ErrNoResponse) {
		t.Errorf("err = %v, want ErrNoResponse", err)
	}
}

func TestWorker_AbandonedReceiver(t *testing.T) {
	ch := NewScriptedChannel(echo)
	w, _, _ := startWorker(t, ch)
	q := w.Queue()

	// nobody ever reads this reply
	abandoned := make(chan Reply, 1)
	if err := q.Submit(context.Background(), Request{Payload: []byte{0x22, 0x01}, Reply: abandoned, Timeout: time.Millisecond}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := q.SendRecv(ctx, []byte{0x22, 0x02}, 10*time.Millisecond); err != nil {
		t.Fatalf("SendRecv after abandoned reply: %v", err)
	}
}

func TestWorker_StopClosesChannel(t *testing.T) {
	ch := NewScriptedChannel(echo)
	w, cancel, done := startWorker(t, ch)

	cancel()
	<-done

	if !ch.Closed() {
		t.Error("channel not closed after worker stopped")
	}
	if err := w.Queue().Send(context.Background(), []byte{0x3E, 0x80}); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("Send after stop = %v, want ErrWorkerStopped", err)
	}
	if _, err := w.Queue().SendRecv(context.Background(), []byte{0x3E, 0x00}, time.Millisecond); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("SendRecv after stop = %v, want ErrWorkerStopped", err)
	}
}

func TestWorker_ProcessIdle(t *testing.T) {
	w := NewWorker(NewScriptedChannel(echo))
	if w.Process() {
		t.Error("Process on an empty queue reported work")
	}
}

func TestIsoTPChannel_VirtualBus(t *testing.T) {
	dev := driver.NewVirtualCAN()
	dev.AddResponse(0x7E0, 0x7E8, []byte{0x03, 0x22, 0x03, 0x00}, []byte{0x05, 0x62, 0x78, 0x56, 0x34, 0x12}, time.Millisecond)

	ch, err := NewIsoTPChannel("virtual", dev, 0x7E0, 0x7E8, tp.DefaultConfig())
	if err != nil {
		t.Fatalf("NewIsoTPChannel: %v", err)
	}
	defer ch.Close()

	resp, err := ch.WriteRead(context.Background(), []byte{0x22, 0x03, 0x00}, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("WriteRead: %v", err)
	}
	if !bytes.Equal(resp, []byte{0x62, 0x78, 0x56, 0x34, 0x12}) {
		t.Errorf("got % 02X", resp)
	}

	if _, err := ch.WriteRead(context.Background(), []byte{0x11, 0x01}, 20*time.Millisecond); err == nil {
		t.Error("expected a read timeout for an unanswered request")
	}
}

func TestIsoTPChannel_DropsLateReply(t *testing.T) {
	dev := driver.NewVirtualCAN()
	// the erase poll is answered 30 ms late, after its 10 ms read gave up
	dev.AddResponse(0x7E0, 0x7E8, []byte{0x04, 0x31, 0x03, 0x0F, 0xF0}, []byte{0x03, 0x71, 0x03, 0x02}, 30*time.Millisecond)
	dev.AddResponse(0x7E0, 0x7E8, []byte{0x02, 0x3E, 0x00}, []byte{0x02, 0x7E, 0x00}, 50*time.Millisecond)

	ch, err := NewIsoTPChannel("virtual", dev, 0x7E0, 0x7E8, tp.DefaultConfig())
	if err != nil {
		t.Fatalf("NewIsoTPChannel: %v", err)
	}
	defer ch.Close()

	if _, err := ch.WriteRead(context.Background(), []byte{0x31, 0x03, 0x0F, 0xF0}, 10*time.Millisecond); err == nil {
		t.Fatal("erase poll answered before its delay")
	}
	// never answered; the late 71 03 02 arrives while this one waits
	resp, err := ch.WriteRead(context.Background(), []byte{0x34, 0x00, 0x44}, 60*time.Millisecond)
	if err == nil {
		t.Fatalf("request download got % 02X, want a timeout", resp)
	}

	resp, err = ch.WriteRead(context.Background(), []byte{0x3E, 0x00}, 200*time.Millisecond)
	if err != nil || !bytes.Equal(resp, []byte{0x7E, 0x00}) {
		t.Errorf("tester present = % 02X, %v", resp, err)
	}
}

func TestAnswers(t *testing.T) {
	tests := []struct {
		req, resp []byte
		want      bool
	}{
		{[]byte{0x22, 0x00, 0x03}, []byte{0x62, 0x00}, true},
		{[]byte{0x34, 0x00}, []byte{0x71, 0x03, 0x02}, false},
		{[]byte{0x34, 0x00}, []byte{0x7F, 0x34, 0x78}, true},
		{[]byte{0x34, 0x00}, []byte{0x7F, 0x31, 0x22}, false},
		{[]byte{0x34, 0x00}, []byte{0x7F}, true},
		{[]byte{0x11, 0x01}, nil, true},
	}
	for _, tt := range tests {
		if got := answers(tt.req, tt.resp); got != tt.want {
			t.Errorf("answers(% 02X, % 02X) = %v, want %v", tt.req, tt.resp, got, tt.want)
		}
	}
}

func TestIsoTPChannel_BindFailure(t *testing.T) {
	_, err := NewIsoTPChannel("virtual", driver.NewVirtualCAN(), 0x7E0, 0x7E0, tp.DefaultConfig())
	var hwErr *HardwareError
	if !errors.As(err, &hwErr) || hwErr.Op != "bind" {
		t.Errorf("err = %v, want bind HardwareError", err)
	}
}
