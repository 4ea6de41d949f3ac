package tp

import "fmt"

// AddressingMode 寻址模式。只支持 normal 寻址，ECU 节点都用固定的请求/响应 ID。
type AddressingMode int

const (
	Normal11Bit AddressingMode = iota // 11位ID
	Normal29Bit                       // 29位ID
)

const (
	maxStandardID = 0x7FF
	maxExtendedID = 0x1FFFFFFF
)

// Address binds a channel to one request/response identifier pair.
type Address struct {
	AddressingMode AddressingMode
	TxID           uint32
	RxID           uint32
}

// NewAddress validates the identifier pair and picks 29-bit addressing when
// either identifier does not fit in 11 bits.
func NewAddress(txID, rxID uint32) (*Address, error) {
	if txID > maxExtendedID || rxID > maxExtendedID {
		return nil, fmt.Errorf("CAN id out of range: tx=0x%X rx=0x%X", txID, rxID)
	}
	if txID == rxID {
		return nil, fmt.Errorf("request and response id are both 0x%X", txID)
	}
	mode := Normal11Bit
	if txID > maxStandardID || rxID > maxStandardID {
		mode = Normal29Bit
	}
	return &Address{AddressingMode: mode, TxID: txID, RxID: rxID}, nil
}

// IsForMe 检查收到的CAN报文是否是发给本节点的
func (a *Address) IsForMe(msg *CanMessage) bool {
	return msg.IsExtendedID == a.Is29Bit() && msg.ArbitrationID == a.RxID
}

func (a *Address) Is29Bit() bool {
	return a.AddressingMode == Normal29Bit
}
