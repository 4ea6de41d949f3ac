package tp

import (
	"encoding/binary"
	"fmt"
	"time"
)

type Frame interface{}

type SingleFrame struct{ Data []byte }

type FirstFrame struct {
	TotalSize int
	Data      []byte
}

type ConsecutiveFrame struct {
	SequenceNumber int
	Data           []byte
}

type FlowControlFrame struct {
	FlowStatus FlowStatus
	BlockSize  int
	STmin      time.Duration
}

func decodeSTmin(b byte) time.Duration {
	if b <= 0x7F {
		return time.Duration(b) * time.Millisecond
	}
	if b >= 0xF1 && b <= 0xF9 {
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	}
	// reserved values are treated as the maximum
	return 127 * time.Millisecond
}

// ParseFrame decodes the PCI of one CAN payload.
func ParseFrame(msg *CanMessage) (Frame, error) {
	payload := msg.Data
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty CAN payload")
	}

	switch payload[0] & 0xF0 {
	case pciTypeSingleFrame:
		length := int(payload[0] & 0x0F)
		if length == 0 {
			if len(payload) < 2 {
				return nil, fmt.Errorf("escaped single frame shorter than 2 bytes")
			}
			length = int(payload[1])
			if len(payload)-2 < length {
				return nil, fmt.Errorf("escaped single frame truncated")
			}
			return &SingleFrame{Data: payload[2 : 2+length]}, nil
		}
		if len(payload)-1 < length {
			return nil, fmt.Errorf("single frame truncated: want %d bytes, have %d", length, len(payload)-1)
		}
		return &SingleFrame{Data: payload[1 : 1+length]}, nil

	case pciTypeFirstFrame:
		if len(payload) < 2 {
			return nil, fmt.Errorf("first frame shorter than 2 bytes")
		}
		totalSize := int(payload[0]&0x0F)<<8 | int(payload[1])
		start := 2
		if totalSize == 0 {
			if len(payload) < 6 {
				return nil, fmt.Errorf("long first frame shorter than 6 bytes")
			}
			totalSize = int(binary.BigEndian.Uint32(payload[2:6]))
			start = 6
		}
		return &FirstFrame{TotalSize: totalSize, Data: payload[start:]}, nil

	case pciTypeConsecutiveFrame:
		return &ConsecutiveFrame{SequenceNumber: int(payload[0] & 0x0F), Data: payload[1:]}, nil

	case pciTypeFlowControl:
		if len(payload) < 3 {
			return nil, fmt.Errorf("flow control frame shorter than 3 bytes")
		}
		return &FlowControlFrame{
			FlowStatus: FlowStatus(payload[0] & 0x0F),
			BlockSize:  int(payload[1]),
			STmin:      decodeSTmin(payload[2]),
		}, nil
	}
	return nil, fmt.Errorf("unknown PCI type 0x%02X", payload[0]&0xF0)
}
