package tp

import (
	"bytes"
	"testing"
	"time"
)

func TestCreateSingleFrame(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		maxLen   int
		expected []byte
	}{
		{
			name:     "tester present",
			data:     []byte{0x3E, 0x00},
			maxLen:   8,
			expected: []byte{0x02, 0x3E, 0x00},
		},
		{
			name:     "7 bytes, classic maximum",
			data:     []byte{0x22, 0xF1, 0x90, 0x01, 0x02, 0x03, 0x04},
			maxLen:   8,
			expected: []byte{0x07, 0x22, 0xF1, 0x90, 0x01, 0x02, 0x03, 0x04},
		},
		{
			name:     "10 bytes, escaped FD length",
			data:     bytes.Repeat([]byte{0xAA}, 10),
			maxLen:   64,
			expected: append([]byte{0x00, 0x0A}, bytes.Repeat([]byte{0xAA}, 10)...),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := createSingleFramePayload(tc.data, tc.maxLen)
			if err != nil {
				t.Fatalf("createSingleFramePayload: %v", err)
			}
			if !bytes.Equal(result, tc.expected) {
				t.Errorf("single frame mismatch\nwant: % 02X\ngot:  % 02X", tc.expected, result)
			}
		})
	}
}

func TestCreateSingleFrame_TooLong(t *testing.T) {
	if _, err := createSingleFramePayload(make([]byte, 8), 8); err == nil {
		t.Error("expected an error for 8 bytes on classic CAN")
	}
}

func TestCreateFirstFrame(t *testing.T) {
	tests := []struct {
		name      string
		totalSize int
		chunk     []byte
		maxLen    int
		expected  []byte
	}{
		{
			name:      "20 bytes",
			totalSize: 20,
			chunk:     []byte{0x36, 0x00, 0x01, 0x02, 0x03, 0x04},
			maxLen:    8,
			expected:  []byte{0x10, 0x14, 0x36, 0x00, 0x01, 0x02, 0x03, 0x04},
		},
		{
			name:      "4095 bytes, 12-bit maximum",
			totalSize: 4095,
			chunk:     []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
			maxLen:    8,
			expected:  []byte{0x1F, 0xFF, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		},
		{
			name:      "4096 bytes, 32-bit length",
			totalSize: 4096,
			chunk:     []byte{0x01, 0x02},
			maxLen:    8,
			expected:  []byte{0x10, 0x00, 0x00, 0x00, 0x10, 0x00, 0x01, 0x02},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := createFirstFramePayload(tc.chunk, tc.totalSize, tc.maxLen)
			if err != nil {
				t.Fatalf("createFirstFramePayload: %v", err)
			}
			if !bytes.Equal(result, tc.expected) {
				t.Errorf("first frame mismatch\nwant: % 02X\ngot:  % 02X", tc.expected, result)
			}
		})
	}
}

func TestCreateConsecutiveFrame(t *testing.T) {
	result, err := createConsecutiveFramePayload([]byte{0xAA, 0xBB}, 15)
	if err != nil {
		t.Fatalf("createConsecutiveFramePayload: %v", err)
	}
	if !bytes.Equal(result, []byte{0x2F, 0xAA, 0xBB}) {
		t.Errorf("got % 02X", result)
	}
	if _, err := createConsecutiveFramePayload(nil, 16); err == nil {
		t.Error("expected an error for sequence number 16")
	}
}

func TestCreateFlowControl(t *testing.T) {
	result := createFlowControlPayload(FlowStatusContinueToSend, 5, 5)
	if !bytes.Equal(result, []byte{0x30, 0x05, 0x05}) {
		t.Errorf("got % 02X", result)
	}
	result = createFlowControlPayload(FlowStatusWait, 0, 500)
	if !bytes.Equal(result, []byte{0x31, 0x00, 0x7F}) {
		t.Errorf("out-of-range STmin: got % 02X", result)
	}
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		check func(t *testing.T, f Frame)
	}{
		{
			name: "single frame",
			data: []byte{0x03, 0x62, 0x03, 0x00, 0xAA, 0xAA, 0xAA, 0xAA},
			check: func(t *testing.T, f Frame) {
				sf, ok := f.(*SingleFrame)
				if !ok || !bytes.Equal(sf.Data, []byte{0x62, 0x03, 0x00}) {
					t.Errorf("got %#v", f)
				}
			},
		},
		{
			name: "first frame",
			data: []byte{0x10, 0x0B, 0x36, 0x00, 0x01, 0x02, 0x03, 0x04},
			check: func(t *testing.T, f Frame) {
				ff, ok := f.(*FirstFrame)
				if !ok || ff.TotalSize != 11 || len(ff.Data) != 6 {
					t.Errorf("got %#v", f)
				}
			},
		},
		{
			name: "consecutive frame",
			data: []byte{0x21, 0x05, 0x06},
			check: func(t *testing.T, f Frame) {
				cf, ok := f.(*ConsecutiveFrame)
				if !ok || cf.SequenceNumber != 1 || !bytes.Equal(cf.Data, []byte{0x05, 0x06}) {
					t.Errorf("got %#v", f)
				}
			},
		},
		{
			name: "flow control with microsecond STmin",
			data: []byte{0x30, 0x05, 0xF5},
			check: func(t *testing.T, f Frame) {
				fc, ok := f.(*FlowControlFrame)
				if !ok || fc.BlockSize != 5 || fc.STmin != 500*time.Microsecond {
					t.Errorf("got %#v", f)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := ParseFrame(&CanMessage{Data: tc.data})
			if err != nil {
				t.Fatalf("ParseFrame: %v", err)
			}
			tc.check(t, f)
		})
	}
}

func TestParseFrame_Errors(t *testing.T) {
	bad := [][]byte{
		{},
		{0x05, 0x01},
		{0x10},
		{0x30, 0x00},
		{0x40, 0x00},
	}
	for _, data := range bad {
		if _, err := ParseFrame(&CanMessage{Data: data}); err == nil {
			t.Errorf("ParseFrame(% 02X): expected error", data)
		}
	}
}
