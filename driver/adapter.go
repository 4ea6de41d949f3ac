package driver

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/LoveWonYoung/conuds/tp"
)

// Adapter connects a CANDriver to the ISO-TP stack.
type Adapter struct {
	driver CANDriver
	rxChan <-chan UnifiedCANMessage
}

// NewAdapter initialises and starts dev.
func NewAdapter(dev CANDriver) (*Adapter, error) {
	if dev == nil {
		return nil, errors.New("CAN driver instance cannot be nil")
	}
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize CAN device: %w", err)
	}
	dev.Start()
	return &Adapter{driver: dev, rxChan: dev.RxChan()}, nil
}

// Close 停止驱动并释放资源
func (a *Adapter) Close() {
	a.driver.Stop()
}

// TxFunc writes one ISO-TP frame to the bus.
func (a *Adapter) TxFunc(msg tp.CanMessage) error {
	return a.driver.Write(msg.ArbitrationID, msg.Data)
}

// Pump forwards received frames to out until ctx ends or the driver closes its channel.
func (a *Adapter) Pump(ctx context.Context, out chan<- tp.CanMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-a.rxChan:
			if !ok {
				return
			}
			msg := ToCanMessage(m)
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// ToCanMessage converts a driver frame to the ISO-TP representation.
func ToCanMessage(m UnifiedCANMessage) tp.CanMessage {
	if int(m.DLC) > len(m.Data) {
		log.Printf("[driver] DLC %d larger than frame buffer, id 0x%X", m.DLC, m.ID)
	}
	return tp.CanMessage{
		ArbitrationID: m.ID,
		Data:          append([]byte(nil), m.Payload()...),
		IsExtendedID:  m.IsExtended,
	}
}
