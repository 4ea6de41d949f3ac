//go:build !linux

package driver

import "errors"

var errNoSocketCAN = errors.New("socketcan is only available on linux")

// SocketCAN is unavailable outside Linux; use an slcan: device instead.
type SocketCAN struct {
	iface  string
	rxChan chan UnifiedCANMessage
}

func NewSocketCAN(iface string) *SocketCAN {
	return &SocketCAN{iface: iface, rxChan: make(chan UnifiedCANMessage)}
}

func (s *SocketCAN) Init() error                      { return errNoSocketCAN }
func (s *SocketCAN) Start()                           {}
func (s *SocketCAN) Stop()                            {}
func (s *SocketCAN) Write(uint32, []byte) error       { return errNoSocketCAN }
func (s *SocketCAN) RxChan() <-chan UnifiedCANMessage { return s.rxChan }

func listSocketCAN() ([]string, error) { return nil, nil }
