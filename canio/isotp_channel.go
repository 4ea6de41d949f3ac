package canio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LoveWonYoung/conuds/driver"
	"github.com/LoveWonYoung/conuds/logrecorder"
	"github.com/LoveWonYoung/conuds/tp"
)

const (
	adapterRxBufferSize = 100
	adapterTxBufferSize = 100
)

// IsoTPChannel is a Channel running ISO-TP over a CAN driver.
type IsoTPChannel struct {
	device  string
	adapter *driver.Adapter
	stack   *tp.Transport
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// Open enumerates devices, opens the named one and binds the identifier pair
// with the default link settings.
func Open(device string, requestID, responseID uint32) (*IsoTPChannel, error) {
	if err := driver.Lookup(device); err != nil {
		return nil, &HardwareError{Op: "enumerate", Device: device, Err: err}
	}
	dev, err := driver.Open(device)
	if err != nil {
		return nil, &HardwareError{Op: "open", Device: device, Err: err}
	}
	return NewIsoTPChannel(device, dev, requestID, responseID, tp.DefaultConfig())
}

// NewIsoTPChannel starts dev and wires it to an ISO-TP stack.
func NewIsoTPChannel(device string, dev driver.CANDriver, requestID, responseID uint32, cfg tp.Config) (*IsoTPChannel, error) {
	addr, err := tp.NewAddress(requestID, responseID)
	if err != nil {
		return nil, &HardwareError{Op: "bind", Device: device, Err: err}
	}
	adapter, err := driver.NewAdapter(dev)
	if err != nil {
		return nil, &HardwareError{Op: "configure", Device: device, Err: err}
	}

	stack := tp.NewTransport(addr, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	c := &IsoTPChannel{device: device, adapter: adapter, stack: stack, cancel: cancel}

	rxFromAdapter := make(chan tp.CanMessage, adapterRxBufferSize)
	txToAdapter := make(chan tp.CanMessage, adapterTxBufferSize)

	c.wg.Add(4)
	go func() {
		defer c.wg.Done()
		adapter.Pump(ctx, rxFromAdapter)
	}()
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-txToAdapter:
				if err := adapter.TxFunc(msg); err != nil {
					logrecorder.Errorf("[canio] %s tx %s: %v", device, msg.String(), err)
				}
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		stack.Run(ctx, rxFromAdapter, txToAdapter)
	}()
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-stack.ErrorChan:
				logrecorder.Debugf("[canio] %s isotp: %v", device, err)
			}
		}
	}()

	logrecorder.Debugf("[canio] %s bound tx=0x%X rx=0x%X", device, requestID, responseID)
	return c, nil
}

func (c *IsoTPChannel) Write(ctx context.Context, data []byte) error {
	return c.stack.Send(ctx, data)
}

// WriteRead discards stale replies, sends data and waits for the reply to
// it. Payloads that answer a different service are dropped, so a late reply
// to a timed-out transaction is not taken for this one.
func (c *IsoTPChannel) WriteRead(ctx context.Context, data []byte, readTimeout time.Duration) ([]byte, error) {
	c.stack.Flush()
	if err := c.stack.Send(ctx, data); err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	for {
		resp, err := c.stack.Recv(rctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.New("read timed out after " + readTimeout.String())
		}
		if err != nil {
			return nil, err
		}
		if !answers(data, resp) {
			logrecorder.Debugf("[canio] %s dropping stale reply % X", c.device, resp)
			continue
		}
		return resp, nil
	}
}

// answers reports whether resp can be the reply to req: a positive response
// to req's SID or a negative response naming it.
func answers(req, resp []byte) bool {
	if len(req) == 0 || len(resp) == 0 {
		return true
	}
	switch resp[0] {
	case req[0] + 0x40:
		return true
	case 0x7F:
		return len(resp) < 2 || resp[1] == req[0]
	}
	return false
}

// Close stops the stack goroutines and releases the device.
func (c *IsoTPChannel) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.adapter.Close()
	})
	return nil
}
