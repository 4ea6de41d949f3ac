package tp

import (
	"encoding/binary"
	"fmt"
)

const (
	pciTypeSingleFrame      = 0x00
	pciTypeFirstFrame       = 0x10
	pciTypeConsecutiveFrame = 0x20
	pciTypeFlowControl      = 0x30

	maxShortFirstFrameLen = 4095
)

func createFlowControlPayload(status FlowStatus, blockSize int, stMinMs int) []byte {
	stMinByte := byte(0x7F)
	if stMinMs >= 0 && stMinMs <= 0x7F {
		stMinByte = byte(stMinMs)
	}
	return []byte{pciTypeFlowControl | byte(status), byte(blockSize), stMinByte}
}

// createSingleFramePayload 创建单帧。超过7字节时使用 CAN FD 转义长度。
func createSingleFramePayload(data []byte, maxDataLength int) ([]byte, error) {
	var pci []byte
	if len(data) <= 7 {
		pci = []byte{pciTypeSingleFrame | byte(len(data))}
	} else {
		pci = []byte{pciTypeSingleFrame, byte(len(data))}
	}
	if len(pci)+len(data) > maxDataLength {
		return nil, fmt.Errorf("single frame of %d bytes exceeds frame length %d", len(pci)+len(data), maxDataLength)
	}
	return append(pci, data...), nil
}

func createFirstFramePayload(firstChunk []byte, totalSize int, maxDataLength int) ([]byte, error) {
	var pci []byte
	if totalSize <= maxShortFirstFrameLen {
		pci = []byte{pciTypeFirstFrame | byte(totalSize>>8&0x0F), byte(totalSize)}
	} else {
		pci = make([]byte, 6)
		pci[0] = pciTypeFirstFrame
		binary.BigEndian.PutUint32(pci[2:], uint32(totalSize))
	}
	if len(pci)+len(firstChunk) > maxDataLength {
		return nil, fmt.Errorf("first frame of %d bytes exceeds frame length %d", len(pci)+len(firstChunk), maxDataLength)
	}
	return append(pci, firstChunk...), nil
}

func createConsecutiveFramePayload(chunk []byte, sequenceNumber int) ([]byte, error) {
	if sequenceNumber < 0 || sequenceNumber > 15 {
		return nil, fmt.Errorf("sequence number %d out of range 0..15", sequenceNumber)
	}
	return append([]byte{pciTypeConsecutiveFrame | byte(sequenceNumber)}, chunk...), nil
}

// firstFrameHeaderLen returns the FF PCI size for a message of the given length.
func firstFrameHeaderLen(totalSize int) int {
	if totalSize > maxShortFirstFrameLen {
		return 6
	}
	return 2
}
