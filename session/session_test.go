package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LoveWonYoung/conuds/canio"
	"github.com/LoveWonYoung/conuds/config"
	"github.com/LoveWonYoung/conuds/flash"
	"github.com/LoveWonYoung/conuds/udsclient"
)

// bootloader is a scripted ECU for session tests.
type bootloader struct {
	mu        sync.Mutex
	crc       []byte // nil answers the CRC read negatively
	silentOn  byte   // SID that never gets a reply
	resetNRC  byte
	rejectAt  int // 1-based Transfer Data frame rejected
	frames    int
	secretKey []byte
}

func (b *bootloader) respond(req []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if req[0] == b.silentOn {
		return nil, nil
	}
	switch req[0] {
	case udsclient.SIDTesterPresent:
		return nil, nil
	case udsclient.SIDECUReset:
		if b.resetNRC != 0 {
			return []byte{0x7F, 0x11, b.resetNRC}, nil
		}
		return []byte{0x51, req[1]}, nil
	case udsclient.SIDReadDataByID:
		if b.crc == nil {
			return []byte{0x7F, 0x22, udsclient.NRCRequestOutOfRange}, nil
		}
		return append([]byte{0x62}, b.crc...), nil
	case udsclient.SIDRoutineControl:
		if req[1] == udsclient.RoutineGetResults {
			return []byte{0x71, 0x03, 2}, nil
		}
		return []byte{0x71, 0x01}, nil
	case udsclient.SIDRequestDownload:
		return []byte{0x74, 0x10, 0x20}, nil
	case udsclient.SIDTransferData:
		b.frames++
		if b.frames == b.rejectAt {
			return []byte{0x7F, 0x36, udsclient.NRCTransferDataSuspended}, nil
		}
		return []byte{0x76, req[1]}, nil
	case udsclient.SIDRequestTransferExit:
		return []byte{0x77}, nil
	case udsclient.SIDSecurityAccess:
		if req[1] == 0x01 {
			return []byte{0x67, 0x01, 0xCA, 0xFE}, nil
		}
		return []byte{0x67, 0x02}, nil
	}
	return []byte{0x7F, req[0], udsclient.NRCServiceNotSupported}, nil
}

func writeImage(t *testing.T, n int, crc uint32) string {
	t.Helper()
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	binary.LittleEndian.PutUint32(data[n-4:], crc)
	path := filepath.Join(t.TempDir(), "app.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestSession(t *testing.T, ecu *bootloader, interactive bool, opts ...Option) (*Session, *canio.ScriptedChannel) {
	t.Helper()
	ch := canio.NewScriptedChannel(ecu.respond)
	opts = append([]Option{WithStartDelay(time.Millisecond), WithErasePolling(0, flash.EraseRetryBudget)}, opts...)
	s := NewWithChannel(ch, interactive, opts...)
	t.Cleanup(func() { s.Teardown() })
	return s, ch
}

func countSID(ch *canio.ScriptedChannel, sids ...byte) int {
	n := 0
	for _, sid := range sids {
		n += len(ch.Requests(sid))
	}
	return n
}

func TestDownloadAppToTarget_CrcMatchSkips(t *testing.T) {
	ecu := &bootloader{crc: []byte{0x78, 0x56, 0x34, 0x12}}
	s, ch := newTestSession(t, ecu, false)
	path := writeImage(t, 64, 0x12345678)

	res := s.DownloadAppToTarget(context.Background(), path, true)
	if res.Status != flash.CrcMatch {
		t.Fatalf("status %v, want CRC match", res.Status)
	}
	if res.Binary != path {
		t.Errorf("binary %q", res.Binary)
	}
	if n := countSID(ch, 0x11, 0x31, 0x34, 0x36, 0x37); n != 0 {
		t.Errorf("%d reset/erase/download transactions after a CRC match", n)
	}
}

func TestDownloadAppToTarget_NonInteractive(t *testing.T) {
	ecu := &bootloader{crc: []byte{0, 0, 0, 0}}
	var sent, total int
	s, ch := newTestSession(t, ecu, false, WithProgress(func(a, b int) { sent, total = a, b }))
	path := writeImage(t, 100, 0x12345678)

	res := s.DownloadAppToTarget(context.Background(), path, true)
	if res.Status != flash.DownloadSuccess {
		t.Fatalf("status %v", res.Status)
	}
	if sent != 100 || total != 100 {
		t.Errorf("progress %d/%d", sent, total)
	}

	trs := ch.Transactions()
	firstReset, firstErase := -1, -1
	for i, tr := range trs {
		switch {
		case tr.Request[0] == 0x11 && firstReset < 0:
			firstReset = i
			if tr.Request[1] != byte(udsclient.ResetHard) {
				t.Errorf("reset kind 0x%02X", tr.Request[1])
			}
		case tr.Request[0] == 0x31 && firstErase < 0:
			firstErase = i
		case tr.Request[0] == 0x3E && firstErase >= 0:
			t.Errorf("tester present at %d during download", i)
		}
	}
	if firstReset < 0 || firstErase < firstReset {
		t.Errorf("reset at %d, erase at %d", firstReset, firstErase)
	}
	if last := trs[len(trs)-1].Request; last[0] != 0x37 {
		t.Errorf("last request % 02X", last)
	}
}

func TestDownloadAppToTarget_CrcReadFailureProceeds(t *testing.T) {
	s, _ := newTestSession(t, &bootloader{}, false)
	res := s.DownloadAppToTarget(context.Background(), writeImage(t, 40, 1), true)
	if res.Status != flash.DownloadSuccess {
		t.Errorf("status %v", res.Status)
	}
}

func TestDownloadAppToTarget_ResetUnanswered(t *testing.T) {
	s, ch := newTestSession(t, &bootloader{silentOn: 0x11}, false)
	res := s.DownloadAppToTarget(context.Background(), writeImage(t, 40, 1), false)
	if res.Status != flash.Failed("Unable to communicate with ECU") {
		t.Errorf("status %v", res.Status)
	}
	if n := countSID(ch, 0x31, 0x34, 0x36); n != 0 {
		t.Errorf("%d download transactions after failed reset", n)
	}
}

func TestDownloadAppToTarget_TransferRejected(t *testing.T) {
	s, ch := newTestSession(t, &bootloader{rejectAt: 2}, false)
	res := s.DownloadAppToTarget(context.Background(), writeImage(t, 200, 1), false)
	if res.Status.Kind != flash.StatusFailed || !strings.HasPrefix(res.Status.Reason, "Error downloading binary") {
		t.Fatalf("status %v", res.Status)
	}
	if n := countSID(ch, 0x37); n != 1 {
		t.Errorf("%d transfer exits", n)
	}
}

func TestDownloadAppToTarget_MissingFile(t *testing.T) {
	s, ch := newTestSession(t, &bootloader{}, false)
	res := s.DownloadAppToTarget(context.Background(), filepath.Join(t.TempDir(), "nope.bin"), true)
	if res.Status.Kind != flash.StatusFailed {
		t.Errorf("status %v", res.Status)
	}
	if len(ch.Transactions()) != 0 {
		t.Error("bus used for a missing file")
	}
}

func TestDownloadAppToTarget_UnlocksFirst(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	s, ch := newTestSession(t, &bootloader{}, false, WithSecurityKey(0x01, key))
	res := s.DownloadAppToTarget(context.Background(), writeImage(t, 40, 1), false)
	if res.Status != flash.DownloadSuccess {
		t.Fatalf("status %v", res.Status)
	}
	var order []byte
	for _, tr := range ch.Transactions() {
		if tr.Request[0] == 0x27 || tr.Request[0] == 0x31 {
			order = append(order, tr.Request[0])
		}
	}
	if len(order) < 3 || order[0] != 0x27 || order[1] != 0x27 || order[2] != 0x31 {
		t.Errorf("security/erase order % 02X", order)
	}
}

func TestFileDownload_InteractiveWaitsForEnter(t *testing.T) {
	pr, pw := io.Pipe()
	s, ch := newTestSession(t, &bootloader{}, true, WithConfirmInput(pr))
	path := writeImage(t, 40, 1)

	done := make(chan error, 1)
	go func() { done <- s.FileDownload(context.Background(), path, flash.BootloaderAddress) }()

	time.Sleep(30 * time.Millisecond)
	if n := countSID(ch, 0x31); n != 0 {
		t.Fatalf("erase started before confirmation")
	}
	pw.Write([]byte("\n"))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("FileDownload: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("download did not finish after confirmation")
	}
	dl := ch.Requests(0x34)
	if len(dl) != 1 || binary.LittleEndian.Uint32(dl[0][7:]) != flash.BootloaderAddress {
		t.Errorf("request download % 02X", dl)
	}
}

func TestResetNode(t *testing.T) {
	tests := []struct {
		name        string
		ecu         *bootloader
		interactive bool
		wantErr     bool
	}{
		{"positive", &bootloader{}, false, false},
		{"conditions not correct", &bootloader{resetNRC: udsclient.NRCConditionsNotCorrect}, false, false},
		{"silent", &bootloader{silentOn: 0x11}, false, true},
		{"silent interactive", &bootloader{silentOn: 0x11}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ch := newTestSession(t, tt.ecu, tt.interactive)
			err := s.ResetNode(context.Background(), udsclient.ResetSoft)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if reqs := ch.Requests(0x11); len(reqs) != 1 || reqs[0][1] != byte(udsclient.ResetSoft) {
				t.Errorf("reset requests % 02X", reqs)
			}
		})
	}
}

func TestReadDIDAndNVMReset(t *testing.T) {
	s, ch := newTestSession(t, &bootloader{crc: []byte{1, 2, 3, 4}}, false)
	val, err := s.ReadDID(context.Background(), 0x0003)
	if err != nil || !bytes.Equal(val, []byte{1, 2, 3, 4}) {
		t.Errorf("ReadDID = % 02X, %v", val, err)
	}
	if err := s.NVMHardReset(context.Background()); err != nil {
		t.Errorf("NVMHardReset: %v", err)
	}
	reqs := ch.Requests(0x31)
	if len(reqs) != 2 || !bytes.Equal(reqs[0], []byte{0x31, 0x01, 0xF0, 0xF0}) || !bytes.Equal(reqs[1], []byte{0x31, 0x03, 0xF0, 0xF0}) {
		t.Errorf("routine requests % 02X", reqs)
	}
}

func TestKeepAlive(t *testing.T) {
	s, ch := newTestSession(t, &bootloader{}, false)
	ctx := context.Background()

	time.Sleep(3 * KeepAliveTick)
	if n := countSID(ch, 0x3E); n != 0 {
		t.Fatalf("%d heartbeats while disabled", n)
	}

	if err := s.EnableKeepAlive(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * KeepAliveTick)
	if err := s.DisableKeepAlive(ctx); err != nil {
		t.Fatal(err)
	}
	beats := ch.Requests(0x3E)
	if len(beats) == 0 {
		t.Fatal("no heartbeat while enabled")
	}
	if !bytes.Equal(beats[0], []byte{0x3E, 0x80}) {
		t.Errorf("heartbeat % 02X", beats[0])
	}

	time.Sleep(5 * KeepAliveTick)
	if n := countSID(ch, 0x3E); n != len(beats) {
		t.Errorf("heartbeats kept coming after disable: %d -> %d", len(beats), n)
	}
}

func TestKeepAlive_WorkerGone(t *testing.T) {
	w := canio.NewWorker(canio.NewScriptedChannel(nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	cmds := make(chan keepAliveCmd, keepAliveCmdCapacity)
	cmds <- keepAliveCmd{enable: true}
	err := runKeepAlive(context.Background(), udsclient.NewClient(w.Queue()), cmds)
	if !errors.Is(err, canio.ErrWorkerStopped) {
		t.Errorf("err = %v, want ErrWorkerStopped", err)
	}
}

func TestTeardown(t *testing.T) {
	ch := canio.NewScriptedChannel((&bootloader{}).respond)
	s := NewWithChannel(ch, false)
	if err := s.EnableKeepAlive(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Teardown() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Teardown: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("teardown hung")
	}
	if !ch.Closed() {
		t.Error("channel still open")
	}
	if err := s.Teardown(); err != nil {
		t.Errorf("second Teardown: %v", err)
	}
	if _, err := s.ReadDID(context.Background(), 3); !errors.Is(err, canio.ErrWorkerStopped) {
		t.Errorf("ReadDID after teardown = %v", err)
	}
	if err := s.EnableKeepAlive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("EnableKeepAlive after teardown = %v", err)
	}
}

func TestNew_UnknownDevice(t *testing.T) {
	_, err := New("no-such-can-device", 0x7E0, 0x7E8, false)
	var hwErr *canio.HardwareError
	if !errors.As(err, &hwErr) {
		t.Errorf("err = %v, want *canio.HardwareError", err)
	}
}

func TestForNode(t *testing.T) {
	bad := &config.Node{Name: "bms", RequestID: 0x7E2, ResponseID: 0x7EA, SecurityLevel: 1, SecurityKey: "abcd"}
	if _, err := ForNode("virtual", bad, false); err == nil || !strings.Contains(err.Error(), "security_key") {
		t.Errorf("short key: %v", err)
	}

	node := &config.Node{Name: "bms", RequestID: 0x7E2, ResponseID: 0x7EA}
	_, err := ForNode("no-such-can-device", node, false)
	var hwErr *canio.HardwareError
	if !errors.As(err, &hwErr) {
		t.Errorf("err = %v, want *canio.HardwareError", err)
	}
}
