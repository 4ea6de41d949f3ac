package tp

import "time"

// Config holds the ISO-TP link parameters of one channel.
type Config struct {
	// PaddingByte, if not nil, pads classic frames up to 8 bytes.
	PaddingByte *byte

	TimeoutN_Bs time.Duration // until reception of FlowControl
	TimeoutN_Cr time.Duration // until reception of next CF

	// BlockSize and StMin are advertised in our own flow control frames.
	BlockSize int
	StMin     int

	// MaxWaitFrame limits consecutive FC.WAIT frames accepted while sending.
	MaxWaitFrame int
}

// DefaultConfig returns the link settings used against the bootloaders:
// block size 5 and a 5 ms separation time.
func DefaultConfig() Config {
	return Config{
		TimeoutN_Bs:  1000 * time.Millisecond,
		TimeoutN_Cr:  1000 * time.Millisecond,
		BlockSize:    5,
		StMin:        5,
		MaxWaitFrame: 20,
	}
}
