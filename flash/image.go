package flash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
)

const hexPadding = 0xFF

var ErrImageTooShort = errors.New("image too short to carry a CRC")

// Image is a flat firmware image ready for transfer.
type Image struct {
	Path string
	Data []byte
	// Address is the load address of Data when the file format records one.
	Address    uint32
	HasAddress bool
}

// LoadImage reads a raw binary, or an Intel HEX file (.hex/.ihex) whose
// segments are flattened with 0xFF gaps.
func LoadImage(path string) (*Image, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex":
		return loadHex(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading binary: %w", err)
	}
	return &Image{Path: path, Data: data}, nil
}

func loadHex(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading hex: %w", err)
	}
	defer f.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	segs := mem.GetDataSegments()
	if len(segs) == 0 {
		return nil, fmt.Errorf("%s: no data records", filepath.Base(path))
	}
	start, end := segs[0].Address, segs[0].Address
	for _, s := range segs {
		if s.Address < start {
			start = s.Address
		}
		if e := s.Address + uint32(len(s.Data)); e > end {
			end = e
		}
	}
	return &Image{
		Path:       path,
		Data:       mem.ToBinary(start, end-start, hexPadding),
		Address:    start,
		HasAddress: true,
	}, nil
}

// WriteHex dumps data at addr as Intel HEX, 16 bytes per record.
func WriteHex(path string, addr uint32, data []byte) error {
	mem := gohex.NewMemory()
	if err := mem.AddBinary(addr, data); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := mem.DumpIntelHex(f, 16); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// EmbeddedCRC returns the little-endian CRC stored in the last 4 bytes.
func (img *Image) EmbeddedCRC() (uint32, error) {
	if len(img.Data) < 4 {
		return 0, ErrImageTooShort
	}
	return binary.LittleEndian.Uint32(img.Data[len(img.Data)-4:]), nil
}
