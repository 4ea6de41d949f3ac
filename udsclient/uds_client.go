package udsclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/LoveWonYoung/conuds/canio"
	"github.com/LoveWonYoung/conuds/logrecorder"
)

const (
	// DefaultTimeout bounds the bus read of every client transaction.
	DefaultTimeout = 50 * time.Millisecond
	// TesterPresentTimeout is shorter since the heartbeat suppresses its reply.
	TesterPresentTimeout = 10 * time.Millisecond
)

// ErrNoResponse means the transaction got no reply within its timeout.
var ErrNoResponse = canio.ErrNoResponse

// Client encodes UDS requests, pushes them through the command queue and
// decodes the replies. It never touches the bus directly.
type Client struct {
	q       *canio.Queue
	timeout time.Duration
}

func NewClient(q *canio.Queue) *Client {
	return &Client{q: q, timeout: DefaultTimeout}
}

// transact sends req and returns the positive reply.
func (c *Client) transact(ctx context.Context, req []byte) ([]byte, error) {
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := CheckResponse(req[0], resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// roundTrip sends req and returns whatever came back, unchecked.
func (c *Client) roundTrip(ctx context.Context, req []byte) ([]byte, error) {
	logrecorder.Debugf("[uds] -> % 02X", req)
	resp, err := c.q.SendRecv(ctx, req, c.timeout)
	if err != nil {
		return nil, err
	}
	logrecorder.Debugf("[uds] <- % 02X", resp)
	return resp, nil
}

// ECUReset sends [0x11, kind]. A negative reply comes back as *UDSError.
func (c *Client) ECUReset(ctx context.Context, kind ResetKind) error {
	log.Printf("[uds] resetting ECU (%s)", kind)
	_, err := c.transact(ctx, []byte{SIDECUReset, byte(kind)})
	return err
}

// RoutineStart sends [0x31, 0x01, id LE, data...].
func (c *Client) RoutineStart(ctx context.Context, id uint16, data []byte) error {
	buf := []byte{SIDRoutineControl, RoutineStart}
	buf = binary.LittleEndian.AppendUint16(buf, id)
	buf = append(buf, data...)
	if _, err := c.transact(ctx, buf); err != nil {
		return fmt.Errorf("start routine 0x%04X: %w", id, err)
	}
	return nil
}

// RoutineResults sends [0x31, 0x03, id LE] and returns the raw reply, which
// may be a negative response. Only a transport failure is an error.
func (c *Client) RoutineResults(ctx context.Context, id uint16) ([]byte, error) {
	buf := []byte{SIDRoutineControl, RoutineGetResults}
	buf = binary.LittleEndian.AppendUint16(buf, id)
	resp, err := c.roundTrip(ctx, buf)
	if err != nil {
		return nil, fmt.Errorf("routine 0x%04X results: %w", id, err)
	}
	return resp, nil
}

// RequestDownload announces a download and returns the ECU's parameters,
// with the sequence counter at zero.
func (c *Client) RequestDownload(ctx context.Context, start DownloadStart) (*DownloadParams, error) {
	log.Printf("[uds] requesting download of %d bytes at 0x%08X", start.Size, start.Address)
	buf := append([]byte{SIDRequestDownload}, start.Bytes()...)
	resp, err := c.transact(ctx, buf)
	if err != nil {
		var udsErr *UDSError
		switch {
		case errors.Is(err, ErrBusy):
			logrecorder.Errorf("[uds] ECU is processing the command")
		case errors.Is(err, ErrRepeatRequest):
			logrecorder.Errorf("[uds] ECU requests retransmission")
		case errors.As(err, &udsErr):
			logrecorder.Errorf("[uds] request download rejected: %s", udsErr.Message)
		}
		return nil, err
	}
	p, err := parseDownloadParams(resp)
	if err != nil {
		return nil, err
	}
	logrecorder.Debugf("[uds] chunk size %d (length format %d)", p.ChunkSize, p.ChunkSizeLen)
	return p, nil
}

// TransferData sends [0x36, counter, chunk..., crc8(chunk)]. The counter is
// advanced before the reply is awaited, so a retry needs a new download.
func (c *Client) TransferData(ctx context.Context, p *DownloadParams, chunk []byte) error {
	buf := make([]byte, 0, len(chunk)+3)
	buf = append(buf, SIDTransferData, p.Counter)
	buf = append(buf, chunk...)
	buf = append(buf, Checksum(chunk))
	p.Counter++

	if _, err := c.transact(ctx, buf); err != nil {
		var udsErr *UDSError
		if errors.As(err, &udsErr) {
			logrecorder.Errorf("[uds] ECU reports failure: %s", udsErr.Message)
		}
		return err
	}
	return nil
}

func (c *Client) RequestTransferExit(ctx context.Context) error {
	_, err := c.transact(ctx, []byte{SIDRequestTransferExit})
	return err
}

// ReadDID sends [0x22, did LE] and returns the value bytes following the
// response SID. The bootloader does not echo the identifier.
func (c *Client) ReadDID(ctx context.Context, did uint16) ([]byte, error) {
	buf := []byte{SIDReadDataByID}
	buf = binary.LittleEndian.AppendUint16(buf, did)
	resp, err := c.transact(ctx, buf)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, &ProtocolError{ServiceID: SIDReadDataByID, Reason: "positive response too short", Data: resp}
	}
	return resp[1:], nil
}

// TesterPresent queues [0x3E, 0x80]. The positive reply is suppressed, so a
// missing reply is not an error; a stopped worker is.
func (c *Client) TesterPresent(ctx context.Context) error {
	_, err := c.q.SendRecv(ctx, []byte{SIDTesterPresent, 0x80}, TesterPresentTimeout)
	if errors.Is(err, ErrNoResponse) {
		return nil
	}
	return err
}
