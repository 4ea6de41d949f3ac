package udsclient

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Service IDs used by the bootloader.
const (
	SIDECUReset            = 0x11
	SIDReadDataByID        = 0x22
	SIDSecurityAccess      = 0x27
	SIDRoutineControl      = 0x31
	SIDRequestDownload     = 0x34
	SIDTransferData        = 0x36
	SIDRequestTransferExit = 0x37
	SIDTesterPresent       = 0x3E

	negativeResponseSID    = 0x7F
	positiveResponseOffset = 0x40
)

// Routine control sub-functions.
const (
	RoutineStart      = 0x01
	RoutineGetResults = 0x03
)

// ResetKind is the ECU Reset sub-function.
type ResetKind byte

const (
	ResetHard ResetKind = 0x01
	ResetSoft ResetKind = 0x03
)

// ParseResetKind accepts "hard" or "soft".
func ParseResetKind(s string) (ResetKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hard":
		return ResetHard, nil
	case "soft":
		return ResetSoft, nil
	}
	return 0, fmt.Errorf("unsupported reset type %q (want hard or soft)", s)
}

func (k ResetKind) String() string {
	switch k {
	case ResetHard:
		return "hard"
	case ResetSoft:
		return "soft"
	}
	return fmt.Sprintf("ResetKind(0x%02X)", byte(k))
}

// DownloadStart describes the memory region announced by Request Download.
// Size and address are always sent as 4 byte little-endian values, which is
// what the bootloader expects.
type DownloadStart struct {
	Compression byte
	Encryption  byte
	Size        uint32
	Address     uint32
}

const (
	downloadSizeLen = 4
	downloadAddrLen = 4
)

// NewDownloadStart returns an uncompressed, unencrypted descriptor.
func NewDownloadStart(addr, size uint32) DownloadStart {
	return DownloadStart{Size: size, Address: addr}
}

// Bytes encodes the 10 byte descriptor.
func (d DownloadStart) Bytes() []byte {
	buf := make([]byte, 2, 10)
	buf[0] = d.Compression<<4 | d.Encryption&0x0F
	buf[1] = downloadSizeLen<<4 | downloadAddrLen
	buf = binary.LittleEndian.AppendUint32(buf, d.Size)
	buf = binary.LittleEndian.AppendUint32(buf, d.Address)
	return buf
}

// DownloadParams is negotiated by Request Download and lives until the next
// one. Counter is the sequence number of the next Transfer Data frame.
type DownloadParams struct {
	Counter      byte
	ChunkSizeLen byte
	ChunkSize    uint16
}

// PayloadPerFrame is the number of image bytes per Transfer Data frame; the
// last byte of each protocol chunk carries the checksum.
func (p *DownloadParams) PayloadPerFrame() int {
	return int(p.ChunkSize) - 1
}

// parseDownloadParams decodes [0x74, lengthFormat, chunk size...].
func parseDownloadParams(resp []byte) (*DownloadParams, error) {
	if len(resp) < 3 {
		return nil, &ProtocolError{ServiceID: SIDRequestDownload, Reason: "short reply", Data: resp}
	}
	p := &DownloadParams{ChunkSizeLen: resp[1] >> 4}
	if p.ChunkSizeLen <= 1 {
		p.ChunkSize = uint16(resp[2])
	} else {
		n := int(p.ChunkSizeLen)
		if len(resp) < 2+n {
			return nil, &ProtocolError{ServiceID: SIDRequestDownload, Reason: "truncated chunk size", Data: resp}
		}
		var v uint64
		for _, b := range resp[2 : 2+n] {
			v = v<<8 | uint64(b)
		}
		if v > 0xFFFF {
			v = 0xFFFF
		}
		p.ChunkSize = uint16(v)
	}
	if p.ChunkSize < 2 {
		return nil, &ProtocolError{ServiceID: SIDRequestDownload, Reason: fmt.Sprintf("chunk size %d too small", p.ChunkSize), Data: resp}
	}
	return p, nil
}
