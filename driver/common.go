package driver

// UnifiedCANMessage 是一个通用的CAN消息结构体，用于在channel中传递。
// 它屏蔽了 SocketCAN、SLCAN 等底层实现的差异。
type UnifiedCANMessage struct {
	ID         uint32
	DLC        byte
	Data       [64]byte
	IsExtended bool
}

// Payload returns the valid bytes of the frame.
func (m UnifiedCANMessage) Payload() []byte {
	n := int(m.DLC)
	if n > len(m.Data) {
		n = len(m.Data)
	}
	return m.Data[:n]
}

// CANDriver 定义了CAN驱动的统一接口
type CANDriver interface {
	Init() error
	Start()
	Stop()
	// Write sends one frame; identifiers above 0x7FF go out as extended frames.
	Write(id uint32, data []byte) error
	RxChan() <-chan UnifiedCANMessage
}

const maxStandardID = 0x7FF

func newMessage(id uint32, data []byte, extended bool) UnifiedCANMessage {
	msg := UnifiedCANMessage{ID: id, DLC: byte(len(data)), IsExtended: extended}
	copy(msg.Data[:], data)
	return msg
}
