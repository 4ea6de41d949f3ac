package driver

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	slcanBaudRate    = 115200
	slcanReadTimeout = 20 * time.Millisecond
	// S8 selects 1 Mbit/s on Lawicel compatible adapters.
	slcanBitrateCmd = "S8\r"
)

// SLCAN drives a Lawicel/SLCAN serial-line CAN adapter.
type SLCAN struct {
	portName string
	port     serial.Port
	mu       sync.Mutex
	rxChan   chan UnifiedCANMessage
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

func NewSLCAN(portName string) *SLCAN {
	ctx, cancel := context.WithCancel(context.Background())
	return &SLCAN{
		portName: portName,
		rxChan:   make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *SLCAN) Init() error {
	port, err := serial.Open(s.portName, &serial.Mode{
		BaudRate: slcanBaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", s.portName, err)
	}
	if err := port.SetReadTimeout(slcanReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("set read timeout on %s: %w", s.portName, err)
	}
	s.port = port

	// close a channel left open by a previous run, then configure and open
	for _, cmd := range []string{"C\r", slcanBitrateCmd, "O\r"} {
		if _, err := port.Write([]byte(cmd)); err != nil {
			port.Close()
			return fmt.Errorf("configure %s: %w", s.portName, err)
		}
	}
	return nil
}

func (s *SLCAN) Start() {
	s.wg.Add(1)
	go s.readLoop()
}

func (s *SLCAN) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 256)
	var line []byte
	for s.ctx.Err() == nil {
		n, err := s.port.Read(buf)
		if err != nil {
			if s.ctx.Err() == nil {
				log.Printf("[slcan] %s read: %v", s.portName, err)
			}
			return
		}
		line = append(line, buf[:n]...)
		for {
			i := bytes.IndexAny(line, "\r\a")
			if i < 0 {
				break
			}
			frame := line[:i]
			line = line[i+1:]
			if len(frame) == 0 {
				continue
			}
			msg, ok, err := decodeSLCAN(string(frame))
			if err != nil {
				log.Printf("[slcan] %s: %v", s.portName, err)
				continue
			}
			if !ok {
				continue
			}
			select {
			case s.rxChan <- msg:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *SLCAN) Stop() {
	s.once.Do(func() {
		s.cancel()
		if s.port != nil {
			s.mu.Lock()
			_, _ = s.port.Write([]byte("C\r"))
			s.mu.Unlock()
			_ = s.port.Close()
		}
		s.wg.Wait()
		close(s.rxChan)
	})
}

func (s *SLCAN) Write(id uint32, data []byte) error {
	if s.port == nil {
		return fmt.Errorf("slcan %s not initialised", s.portName)
	}
	line, err := encodeSLCAN(id, data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.port.Write([]byte(line))
	return err
}

func (s *SLCAN) RxChan() <-chan UnifiedCANMessage { return s.rxChan }


// encodeSLCAN renders a data frame as tIIILDD..\r or TIIIIIIIILDD..\r.
func encodeSLCAN(id uint32, data []byte) (string, error) {
	if len(data) > 8 {
		return "", fmt.Errorf("slcan: %d byte frame exceeds classic CAN", len(data))
	}
	var head string
	if id > maxStandardID {
		head = fmt.Sprintf("T%08X", id)
	} else {
		head = fmt.Sprintf("t%03X", id)
	}
	return fmt.Sprintf("%s%d%X\r", head, len(data), data), nil
}

// decodeSLCAN parses one received line without its terminator. ok is false
// for adapter acknowledgements that carry no frame.
func decodeSLCAN(line string) (msg UnifiedCANMessage, ok bool, err error) {
	var idLen int
	var extended bool
	switch line[0] {
	case 't':
		idLen = 3
	case 'T':
		idLen, extended = 8, true
	case 'z', 'Z':
		return msg, false, nil
	default:
		return msg, false, fmt.Errorf("unexpected line %q", line)
	}
	if len(line) < 1+idLen+1 {
		return msg, false, fmt.Errorf("short frame %q", line)
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return msg, false, fmt.Errorf("bad id in %q: %w", line, err)
	}
	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > 8 {
		return msg, false, fmt.Errorf("bad length in %q", line)
	}
	hexData := line[2+idLen:]
	if len(hexData) < dlc*2 {
		return msg, false, fmt.Errorf("truncated data in %q", line)
	}
	data, err := hex.DecodeString(hexData[:dlc*2])
	if err != nil {
		return msg, false, fmt.Errorf("bad data in %q: %w", line, err)
	}
	return newMessage(uint32(id), data, extended), true, nil
}
