//go:build linux

package driver

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

const (
	socketCANDialTimeout = 2 * time.Second
	socketCANTxTimeout   = 5 * time.Millisecond
	arphrdCAN            = "280"
)

// SocketCAN drives a Linux SocketCAN interface (can0, vcan0, ...).
type SocketCAN struct {
	iface  string
	conn   net.Conn
	rx     *socketcan.Receiver
	tx     *socketcan.Transmitter
	rxChan chan UnifiedCANMessage
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewSocketCAN(iface string) *SocketCAN {
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketCAN{
		iface:  iface,
		rxChan: make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *SocketCAN) Init() error {
	ctx, cancel := context.WithTimeout(s.ctx, socketCANDialTimeout)
	defer cancel()
	conn, err := socketcan.DialContext(ctx, "can", s.iface)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.iface, err)
	}
	s.conn = conn
	s.rx = socketcan.NewReceiver(conn)
	s.tx = socketcan.NewTransmitter(conn)
	return nil
}

func (s *SocketCAN) Start() {
	s.wg.Add(1)
	go s.readLoop()
}

func (s *SocketCAN) readLoop() {
	defer s.wg.Done()
	for s.rx.Receive() {
		f := s.rx.Frame()
		if f.IsRemote {
			continue
		}
		msg := newMessage(f.ID, f.Data[:f.Length], f.IsExtended)
		select {
		case s.rxChan <- msg:
		case <-s.ctx.Done():
			return
		}
	}
	if err := s.rx.Err(); err != nil && s.ctx.Err() == nil {
		log.Printf("[socketcan] %s receive: %v", s.iface, err)
	}
}

func (s *SocketCAN) Stop() {
	s.once.Do(func() {
		s.cancel()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.wg.Wait()
		close(s.rxChan)
	})
}

func (s *SocketCAN) Write(id uint32, data []byte) error {
	if s.tx == nil {
		return fmt.Errorf("socketcan %s not initialised", s.iface)
	}
	if len(data) > 8 {
		return fmt.Errorf("socketcan: %d byte frame exceeds classic CAN", len(data))
	}
	frame := can.Frame{ID: id, Length: uint8(len(data)), IsExtended: id > maxStandardID}
	copy(frame.Data[:], data)

	ctx, cancel := context.WithTimeout(s.ctx, socketCANTxTimeout)
	defer cancel()
	return s.tx.TransmitFrame(ctx, frame)
}

func (s *SocketCAN) RxChan() <-chan UnifiedCANMessage { return s.rxChan }

// listSocketCAN returns network interfaces whose link type is CAN.
func listSocketCAN() ([]string, error) {
	entries, err := os.ReadDir("/sys/class/net")
	if err != nil {
		return nil, fmt.Errorf("listing network interfaces: %w", err)
	}
	var names []string
	for _, e := range entries {
		kind, err := os.ReadFile(filepath.Join("/sys/class/net", e.Name(), "type"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(kind)) == arphrdCAN {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
