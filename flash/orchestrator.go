package flash

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/LoveWonYoung/conuds/logrecorder"
	"github.com/LoveWonYoung/conuds/udsclient"
)

// Load addresses and identifiers used by the bootloader.
const (
	AppAddress        uint32 = 0x08002000
	BootloaderAddress uint32 = 0x08000000
	// CrcDID holds the CRC of the application currently flashed.
	CrcDID uint16 = 0x0003
	// NVMResetRoutineID wipes non-volatile storage.
	NVMResetRoutineID uint16 = 0xF0F0
)

// Phase names a step of the download flow.
type Phase string

const (
	PhaseCRCCheck        Phase = "crc-check"
	PhaseErase           Phase = "erase"
	PhaseRequestDownload Phase = "request-download"
	PhaseTransfer        Phase = "transfer"
)

// PhaseError wraps a failure with the step it happened in.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string { return fmt.Sprintf("%s: %v", e.Phase, e.Err) }

func (e *PhaseError) Unwrap() error { return e.Err }

var errBadCRCLength = errors.New("invalid response length for CRC")

// Progress is called after every transferred chunk.
type Progress func(sent, total int)

// Downloader drives erase, request download, transfer and transfer exit over
// a UDS client. It does not retry; a failed attempt starts over at erase.
type Downloader struct {
	client *udsclient.Client

	PollInterval time.Duration
	EraseBudget  int
	OnProgress   Progress
}

func NewDownloader(c *udsclient.Client) *Downloader {
	return &Downloader{
		client:       c,
		PollInterval: ErasePollInterval,
		EraseBudget:  EraseRetryBudget,
	}
}

// ECUCRC reads the CRC of the flashed application.
func (d *Downloader) ECUCRC(ctx context.Context) (uint32, error) {
	val, err := d.client.ReadDID(ctx, CrcDID)
	if err != nil {
		return 0, &PhaseError{Phase: PhaseCRCCheck, Err: err}
	}
	if len(val) != 4 {
		return 0, &PhaseError{Phase: PhaseCRCCheck, Err: errBadCRCLength}
	}
	return binary.LittleEndian.Uint32(val), nil
}

// Download erases the app, announces len(image) bytes at addr and transfers
// image. Request Transfer Exit is sent whenever the download was accepted,
// including after a failed transfer.
func (d *Downloader) Download(ctx context.Context, image []byte, addr uint32) error {
	if err := d.Erase(ctx); err != nil {
		return &PhaseError{Phase: PhaseErase, Err: err}
	}

	params, err := d.client.RequestDownload(ctx, udsclient.NewDownloadStart(addr, uint32(len(image))))
	if err != nil {
		return &PhaseError{Phase: PhaseRequestDownload, Err: err}
	}

	start := time.Now()
	transferErr := d.transfer(ctx, params, image)
	if transferErr != nil {
		logrecorder.Errorf("[flash] app download failed in %.2fs", time.Since(start).Seconds())
	} else {
		log.Printf("[flash] app download completed, transferred %d bytes in %.2fs", len(image), time.Since(start).Seconds())
	}

	// 无论成功与否都要结束传输
	if err := d.client.RequestTransferExit(context.WithoutCancel(ctx)); err != nil {
		logrecorder.Errorf("[flash] transfer exit: %v", err)
	}

	if transferErr != nil {
		return &PhaseError{Phase: PhaseTransfer, Err: transferErr}
	}
	return nil
}

func (d *Downloader) transfer(ctx context.Context, params *udsclient.DownloadParams, image []byte) error {
	chunks := splitBlock(image, params.PayloadPerFrame())
	sent := 0
	for i, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		if err := d.client.TransferData(ctx, params, chunk); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		sent += len(chunk)
		if d.OnProgress != nil {
			d.OnProgress(sent, len(image))
		}
	}
	logrecorder.Debugf("[flash] file read and transferred in its entirety")
	return nil
}

// NVMHardReset starts the NVM wipe routine and returns its raw result.
func (d *Downloader) NVMHardReset(ctx context.Context) ([]byte, error) {
	if err := d.client.RoutineStart(ctx, NVMResetRoutineID, nil); err != nil {
		return nil, err
	}
	return d.client.RoutineResults(ctx, NVMResetRoutineID)
}
