package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/conuds/canio"
	"github.com/LoveWonYoung/conuds/config"
	"github.com/LoveWonYoung/conuds/flash"
	"github.com/LoveWonYoung/conuds/logrecorder"
	"github.com/LoveWonYoung/conuds/udsclient"
)

// DefaultStartDelay is the pause before a non-interactive download.
const DefaultStartDelay = 50 * time.Millisecond

// ErrClosed is returned by operations on a session after Teardown.
var ErrClosed = errors.New("session: closed")

// Session owns the transport worker and the keep-alive task for one node.
// Foreground operations reach the bus only through the command queue.
type Session struct {
	client      *udsclient.Client
	flash       *flash.Downloader
	interactive bool

	confirm    *bufio.Reader
	startDelay time.Duration
	secLevel   byte
	secKey     []byte

	keepAlive chan keepAliveCmd
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group

	teardownOnce sync.Once
	teardownErr  error
}

// Option customises a Session.
type Option func(*Session)

// WithConfirmInput sets where interactive sessions read the operator's
// confirmation line from. The default is stdin.
func WithConfirmInput(r io.Reader) Option {
	return func(s *Session) { s.confirm = bufio.NewReader(r) }
}

// WithProgress reports transferred bytes during a download.
func WithProgress(p flash.Progress) Option {
	return func(s *Session) { s.flash.OnProgress = p }
}

// WithSecurityKey unlocks level with key before every download.
func WithSecurityKey(level byte, key []byte) Option {
	return func(s *Session) {
		s.secLevel = level
		s.secKey = key
	}
}

// WithStartDelay replaces DefaultStartDelay.
func WithStartDelay(d time.Duration) Option {
	return func(s *Session) { s.startDelay = d }
}

// WithErasePolling sets the erase poll interval and retry budget.
func WithErasePolling(interval time.Duration, budget int) Option {
	return func(s *Session) {
		s.flash.PollInterval = interval
		s.flash.EraseBudget = budget
	}
}

// New opens device, binds the request/response identifiers and starts the
// session. A *canio.HardwareError means the node cannot be reached at all.
func New(device string, requestID, responseID uint32, interactive bool, opts ...Option) (*Session, error) {
	ch, err := canio.Open(device, requestID, responseID)
	if err != nil {
		logrecorder.Errorf("[session] %v", err)
		return nil, err
	}
	return NewWithChannel(ch, interactive, opts...), nil
}

// ForNode opens a session for a manifest node, adding its Security Access
// key when one is configured.
func ForNode(device string, node *config.Node, interactive bool, opts ...Option) (*Session, error) {
	key, err := node.Key()
	if err != nil {
		return nil, err
	}
	if key != nil {
		opts = append([]Option{WithSecurityKey(node.SecurityLevel, key)}, opts...)
	}
	log.Printf("[session] %s: request 0x%X, response 0x%X on %s", node.Name, node.RequestID, node.ResponseID, device)
	return New(device, node.RequestID, node.ResponseID, interactive, opts...)
}

// NewWithChannel starts a session over an already bound channel. The session
// takes ownership of ch.
func NewWithChannel(ch canio.Channel, interactive bool, opts ...Option) *Session {
	worker := canio.NewWorker(ch)
	client := udsclient.NewClient(worker.Queue())

	s := &Session{
		client:      client,
		flash:       flash.NewDownloader(client),
		interactive: interactive,
		startDelay:  DefaultStartDelay,
		keepAlive:   make(chan keepAliveCmd, keepAliveCmdCapacity),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.confirm == nil {
		s.confirm = bufio.NewReader(os.Stdin)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	s.ctx, s.cancel, s.group = gctx, cancel, g

	g.Go(func() error {
		logrecorder.Debugf("[session] transport worker starting")
		defer logrecorder.Debugf("[session] transport worker exiting")
		return worker.Run(gctx)
	})
	g.Go(func() error {
		return runKeepAlive(gctx, client, s.keepAlive)
	})
	return s
}

// Client exposes the UDS client of the session.
func (s *Session) Client() *udsclient.Client { return s.client }

// Teardown stops both background tasks and releases the channel. The worker
// finishes its current transaction first. Later calls return the first
// result.
func (s *Session) Teardown() error {
	s.teardownOnce.Do(func() {
		s.cancel()
		err := s.group.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.teardownErr = err
		logrecorder.Debugf("[session] tasks finished, exiting")
	})
	return s.teardownErr
}

// EnableKeepAlive turns the tester present heartbeat on.
func (s *Session) EnableKeepAlive(ctx context.Context) error { return s.setKeepAlive(ctx, true) }

// DisableKeepAlive turns the heartbeat off. When it returns, no heartbeat is
// queued or in flight.
func (s *Session) DisableKeepAlive(ctx context.Context) error { return s.setKeepAlive(ctx, false) }

func (s *Session) setKeepAlive(ctx context.Context, on bool) error {
	cmd := keepAliveCmd{enable: on, ack: make(chan struct{})}
	select {
	case s.keepAlive <- cmd:
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.ack:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResetNode resets the ECU. Interactive sessions ignore failures since the
// operator may be power cycling the node. Any reply counts as the reset
// having been issued; only a missing reply is an error.
func (s *Session) ResetNode(ctx context.Context, kind udsclient.ResetKind) error {
	err := s.reset(ctx, kind)
	if s.interactive {
		if err != nil {
			logrecorder.Debugf("[session] reset ignored in interactive mode: %v", err)
		}
		return nil
	}
	return err
}

func (s *Session) reset(ctx context.Context, kind udsclient.ResetKind) error {
	err := s.client.ECUReset(ctx, kind)
	var udsErr *udsclient.UDSError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, udsclient.ErrConditionsNotCorrect):
		logrecorder.Errorf("[session] ECU reset conditions have not been met. If this is a bootloader updater, reflash with a correct hex.")
		return nil
	case errors.As(err, &udsErr):
		logrecorder.Errorf("[session] ECU reset: %s", udsErr.Message)
		return nil
	}
	return fmt.Errorf("ECU reset failed: %w", err)
}

// FileDownload waits for the operator (interactive) or a short delay, then
// erases the node and downloads the file at address.
func (s *Session) FileDownload(ctx context.Context, path string, address uint32) error {
	img, err := flash.LoadImage(path)
	if err != nil {
		return err
	}
	return s.fileDownload(ctx, img, address)
}

func (s *Session) fileDownload(ctx context.Context, img *flash.Image, address uint32) error {
	if s.interactive {
		log.Printf("[session] waiting for the user to hit enter before continuing with download")
		if _, err := s.confirm.ReadString('\n'); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading confirmation: %w", err)
		}
		log.Printf("[session] enter key detected, proceeding with download")
	} else {
		t := time.NewTimer(s.startDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return s.appDownload(ctx, img, address)
}

func (s *Session) appDownload(ctx context.Context, img *flash.Image, address uint32) error {
	// 下载期间 bootloader 不能处理 tester present
	if err := s.DisableKeepAlive(ctx); err != nil {
		return err
	}
	if img.HasAddress && img.Address != address {
		log.Printf("[session] %s is linked at 0x%08X, using it instead of 0x%08X", img.Path, img.Address, address)
		address = img.Address
	}
	if len(s.secKey) > 0 {
		if err := s.client.Unlock(ctx, s.secLevel, s.secKey); err != nil {
			return fmt.Errorf("security access: %w", err)
		}
	}
	return s.flash.Download(ctx, img.Data, address)
}

// Unlock runs Security Access for level with key.
func (s *Session) Unlock(ctx context.Context, level byte, key []byte) error {
	return s.client.Unlock(ctx, level, key)
}

// ReadDID returns the value bytes of identifier did.
func (s *Session) ReadDID(ctx context.Context, did uint16) ([]byte, error) {
	return s.client.ReadDID(ctx, did)
}

// NVMHardReset wipes the node's non-volatile storage.
func (s *Session) NVMHardReset(ctx context.Context) error {
	resp, err := s.flash.NVMHardReset(ctx)
	if err != nil {
		return err
	}
	return udsclient.CheckResponse(udsclient.SIDRoutineControl, resp)
}

// DownloadAppToTarget updates the application at flash.AppAddress. With
// skip set, a node already running an image with the same embedded CRC is
// left alone.
func (s *Session) DownloadAppToTarget(ctx context.Context, path string, skip bool) flash.UpdateResult {
	start := time.Now()
	result := func(st flash.FlashStatus) flash.UpdateResult {
		return flash.UpdateResult{Binary: path, Status: st, Duration: time.Since(start)}
	}

	img, err := flash.LoadImage(path)
	if err != nil {
		return result(flash.Failed(err.Error()))
	}

	if skip {
		if s.crcMatches(ctx, img) {
			return result(flash.CrcMatch)
		}
	}

	if err := s.EnableKeepAlive(ctx); err != nil {
		return result(flash.Failed(err.Error()))
	}
	if !s.interactive {
		if err := s.reset(ctx, udsclient.ResetHard); err != nil {
			logrecorder.Errorf("[session] %v", err)
			return result(flash.Failed("Unable to communicate with ECU"))
		}
	}

	if err := s.fileDownload(ctx, img, flash.AppAddress); err != nil {
		return result(flash.Failed(fmt.Sprintf("Error downloading binary: '%v'", err)))
	}
	return result(flash.DownloadSuccess)
}

// crcMatches compares the image CRC with the node's. Read failures mean the
// node needs the download.
func (s *Session) crcMatches(ctx context.Context, img *flash.Image) bool {
	appCRC, err := img.EmbeddedCRC()
	if err != nil {
		logrecorder.Errorf("[session] %s: %v", img.Path, err)
		return false
	}
	log.Printf("[session] application CRC to download: 0x%08X", appCRC)

	nodeCRC, err := s.flash.ECUCRC(ctx)
	if err != nil {
		log.Printf("[session] node CRC unavailable (%v), downloading", err)
		return false
	}
	if nodeCRC == appCRC {
		log.Printf("[session] node already runs 0x%08X, skipping download", nodeCRC)
		return true
	}
	log.Printf("[session] CRC mismatch: node=0x%08X, app=0x%08X. Downloading...", nodeCRC, appCRC)
	return false
}
