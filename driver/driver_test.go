package driver

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/LoveWonYoung/conuds/tp"
)

func TestEncodeSLCAN(t *testing.T) {
	tests := []struct {
		name     string
		id       uint32
		data     []byte
		expected string
	}{
		{"standard id", 0x7E0, []byte{0x02, 0x3E, 0x00}, "t7E03023E00\r"},
		{"extended id", 0x18DA10F1, []byte{0x01}, "T18DA10F1101\r"},
		{"empty frame", 0x123, nil, "t1230\r"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			line, err := encodeSLCAN(tc.id, tc.data)
			if err != nil {
				t.Fatalf("encodeSLCAN: %v", err)
			}
			if line != tc.expected {
				t.Errorf("got %q, want %q", line, tc.expected)
			}
		})
	}

	if _, err := encodeSLCAN(0x1, make([]byte, 9)); err == nil {
		t.Error("expected error for 9 byte frame")
	}
}

func TestDecodeSLCAN(t *testing.T) {
	msg, ok, err := decodeSLCAN("t7E8306620300")
	if err != nil || !ok {
		t.Fatalf("decodeSLCAN: ok=%v err=%v", ok, err)
	}
	if msg.ID != 0x7E8 || msg.IsExtended || !bytes.Equal(msg.Payload(), []byte{0x06, 0x62, 0x03}) {
		t.Errorf("got id=0x%X ext=%v data=% 02X", msg.ID, msg.IsExtended, msg.Payload())
	}

	msg, ok, err = decodeSLCAN("T18DAF1102AABB")
	if err != nil || !ok {
		t.Fatalf("decodeSLCAN extended: ok=%v err=%v", ok, err)
	}
	if msg.ID != 0x18DAF110 || !msg.IsExtended || msg.DLC != 2 {
		t.Errorf("got %+v", msg)
	}

	if _, ok, err := decodeSLCAN("z"); ok || err != nil {
		t.Errorf("ack line: ok=%v err=%v", ok, err)
	}
	for _, bad := range []string{"x123", "t12", "t1239", "t1232AA"} {
		if _, _, err := decodeSLCAN(bad); err == nil {
			t.Errorf("decodeSLCAN(%q): expected error", bad)
		}
	}
}

func TestVirtualCAN_AutoResponse(t *testing.T) {
	dev := NewVirtualCAN()
	adapter, err := NewAdapter(dev)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	defer adapter.Close()

	dev.AddResponse(0x7E0, 0x7E8, []byte{0x02, 0x3E}, []byte{0x02, 0x7E, 0x00}, 0)

	if err := adapter.TxFunc(tp.CanMessage{ArbitrationID: 0x7E0, Data: []byte{0x02, 0x3E, 0x00}}); err != nil {
		t.Fatalf("TxFunc: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out := make(chan tp.CanMessage, 1)
	go adapter.Pump(ctx, out)

	select {
	case msg := <-out:
		if msg.ArbitrationID != 0x7E8 || !bytes.Equal(msg.Data, []byte{0x02, 0x7E, 0x00}) {
			t.Errorf("got %s", msg.String())
		}
	case <-ctx.Done():
		t.Fatal("no response from virtual bus")
	}

	records := dev.WriteLog()
	if len(records) != 1 || records[0].ID != 0x7E0 {
		t.Errorf("write log %+v", records)
	}
}

func TestVirtualCAN_WriteAfterStop(t *testing.T) {
	dev := NewVirtualCAN()
	dev.Start()
	dev.Stop()
	if err := dev.Write(0x1, []byte{0x00}); err != ErrNotRunning {
		t.Errorf("Write after Stop = %v, want ErrNotRunning", err)
	}
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"virtual", "*driver.VirtualCAN"},
		{"slcan:/dev/ttyACM0", "*driver.SLCAN"},
		{"can0", "*driver.SocketCAN"},
	}
	for _, tc := range tests {
		dev, err := Open(tc.name)
		if err != nil {
			t.Fatalf("Open(%q): %v", tc.name, err)
		}
		if got := typeName(dev); got != tc.want {
			t.Errorf("Open(%q) = %s, want %s", tc.name, got, tc.want)
		}
	}
	if _, err := Open(""); err == nil {
		t.Error("Open(\"\") should fail")
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case *VirtualCAN:
		return "*driver.VirtualCAN"
	case *SLCAN:
		return "*driver.SLCAN"
	case *SocketCAN:
		return "*driver.SocketCAN"
	}
	return "unknown"
}
