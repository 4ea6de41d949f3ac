package flash

import (
	"fmt"
	"time"
)

// StatusKind is the outcome class of one node update.
type StatusKind int

const (
	StatusFailed StatusKind = iota
	StatusCrcMatch
	StatusDownloadSuccess
)

// FlashStatus is the terminal outcome of download_app_to_target. Reason is
// only set for StatusFailed.
type FlashStatus struct {
	Kind   StatusKind
	Reason string
}

func Failed(reason string) FlashStatus { return FlashStatus{Kind: StatusFailed, Reason: reason} }

var (
	CrcMatch        = FlashStatus{Kind: StatusCrcMatch}
	DownloadSuccess = FlashStatus{Kind: StatusDownloadSuccess}
)

// OK reports whether the node ends up running the requested image.
func (s FlashStatus) OK() bool { return s.Kind != StatusFailed }

// Label is the short name used in tables and JSON.
func (s FlashStatus) Label() string {
	switch s.Kind {
	case StatusCrcMatch:
		return "crc_match"
	case StatusDownloadSuccess:
		return "success"
	}
	return "failed"
}

func (s FlashStatus) String() string {
	switch s.Kind {
	case StatusCrcMatch:
		return "CRC match"
	case StatusDownloadSuccess:
		return "Download success"
	}
	return fmt.Sprintf("Failed: %s", s.Reason)
}

// UpdateResult is produced once per node update attempt.
type UpdateResult struct {
	Binary   string
	Status   FlashStatus
	Duration time.Duration
}
