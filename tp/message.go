package tp

import (
	"encoding/hex"
	"fmt"
)

// CanMessage 代表一个 CAN 报文 (ISO-11898)。
type CanMessage struct {
	ArbitrationID uint32
	Data          []byte
	IsExtendedID  bool
}

func (m *CanMessage) String() string {
	idStr := fmt.Sprintf("%03x", m.ArbitrationID)
	if m.IsExtendedID {
		idStr = fmt.Sprintf("%08x", m.ArbitrationID)
	}
	return fmt.Sprintf("<CanMessage %s [%d] \"%s\">", idStr, len(m.Data), hex.EncodeToString(m.Data))
}

// State 收发状态机的状态
type State uint8

const (
	StateIdle State = iota
	StateWaitFC
	StateWaitCF
	StateTransmit
)

// FlowStatus 流控帧状态
type FlowStatus uint8

const (
	FlowStatusContinueToSend FlowStatus = 0x00
	FlowStatusWait           FlowStatus = 0x01
	FlowStatusOverflow       FlowStatus = 0x02
)
