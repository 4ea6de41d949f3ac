package driver

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial"
)

const (
	// VirtualDevice names the in-memory bus.
	VirtualDevice = "virtual"
	slcanPrefix   = "slcan:"
)

var (
	ErrNoDevices      = errors.New("no CAN devices found")
	ErrDeviceNotFound = errors.New("CAN device not found")
)

// ListDevices enumerates SocketCAN interfaces and serial ports usable as SLCAN adapters.
func ListDevices() ([]string, error) {
	devices, err := listSocketCAN()
	if err != nil {
		return nil, err
	}
	ports, err := serial.GetPortsList()
	if err != nil {
		return devices, fmt.Errorf("listing serial ports: %w", err)
	}
	for _, p := range ports {
		devices = append(devices, slcanPrefix+p)
	}
	return devices, nil
}

// Lookup checks that name is one of the enumerated devices.
func Lookup(name string) error {
	if name == VirtualDevice {
		return nil
	}
	devices, err := ListDevices()
	if len(devices) == 0 {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoDevices, err)
		}
		return ErrNoDevices
	}
	for _, d := range devices {
		if d == name {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
}

// Open returns an uninitialised driver for the named device:
// "virtual", "slcan:<serial port>" or a SocketCAN interface name.
func Open(name string) (CANDriver, error) {
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: empty device name", ErrDeviceNotFound)
	case name == VirtualDevice:
		return NewVirtualCAN(), nil
	case strings.HasPrefix(name, slcanPrefix):
		return NewSLCAN(strings.TrimPrefix(name, slcanPrefix)), nil
	default:
		return NewSocketCAN(name), nil
	}
}
