package udsclient

import "github.com/sigurn/crc8"

// CRC-8/SAE-J1850: poly 0x1D, init 0xFF, no reflection, xorout 0xFF.
var crc8Table = crc8.MakeTable(crc8.Params{
	Poly:   0x1D,
	Init:   0xFF,
	RefIn:  false,
	RefOut: false,
	XorOut: 0xFF,
	Check:  0x4B,
	Name:   "CRC-8/SAE-J1850",
})

// Checksum returns the Transfer Data chunk checksum of data.
func Checksum(data []byte) byte {
	return crc8.Checksum(data, crc8Table)
}
