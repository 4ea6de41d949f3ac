package flash

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/LoveWonYoung/conuds/logrecorder"
	"github.com/LoveWonYoung/conuds/udsclient"
)

const (
	// EraseRoutineID is the bootloader's "erase app" routine.
	EraseRoutineID uint16 = 0xF00F
	// EraseRetryBudget is the number of result polls before giving up.
	EraseRetryBudget = 500
	// ErasePollInterval is the delay between result polls.
	ErasePollInterval = 10 * time.Millisecond
)

// Routine status bytes reported by the bootloader.
const (
	eraseStatusFailed     = 0
	eraseStatusInProgress = 1
	eraseStatusComplete   = 2
)

var (
	ErrEraseNotStarted = errors.New("app erase failed, not started")
	ErrEraseFailed     = errors.New("app erase failed")
	ErrEraseTimeout    = errors.New("timeout")
)

// EraseStep is the decision taken after one poll.
type EraseStep int

const (
	EraseInProgress EraseStep = iota
	EraseComplete
	EraseAborted
)

// DecideErase maps one "get routine results" reply onto the next step.
// A non-nil error accompanies EraseAborted.
func DecideErase(resp []byte) (EraseStep, error) {
	const positive = udsclient.SIDRoutineControl + 0x40
	switch {
	case len(resp) == 0:
		return EraseAborted, fmt.Errorf("%w: empty reply", ErrEraseFailed)
	case resp[0] == 0x7F:
		return EraseAborted, ErrEraseNotStarted
	case resp[0] != positive:
		return EraseAborted, fmt.Errorf("%w: response 0x%02X is not positive for SID 0x%02X",
			ErrEraseFailed, resp[0], udsclient.SIDRoutineControl)
	case len(resp) != 3:
		return EraseAborted, fmt.Errorf("%w: unexpected response size %d", ErrEraseFailed, len(resp))
	}
	switch resp[2] {
	case eraseStatusInProgress:
		return EraseInProgress, nil
	case eraseStatusComplete:
		return EraseComplete, nil
	case eraseStatusFailed:
		return EraseAborted, ErrEraseFailed
	}
	return EraseAborted, fmt.Errorf("%w: unexpected status 0x%02X", ErrEraseFailed, resp[2])
}

// errEraseBusy keeps the poll going while the routine reports in progress.
var errEraseBusy = errors.New("app erase in progress")

// Erase starts the erase routine and polls until it completes, fails, or
// the retry budget runs out.
func (d *Downloader) Erase(ctx context.Context) error {
	log.Printf("[flash] starting app erase")
	start := time.Now()
	if err := d.client.RoutineStart(ctx, EraseRoutineID, nil); err != nil {
		return err
	}

	budget := d.EraseBudget
	if budget <= 0 {
		budget = EraseRetryBudget
	}
	polls := 0
	err := retry.Do(
		func() error {
			polls++
			resp, err := d.client.RoutineResults(ctx, EraseRoutineID)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			switch step, err := DecideErase(resp); step {
			case EraseComplete:
				return nil
			case EraseAborted:
				return retry.Unrecoverable(err)
			}
			return errEraseBusy
		},
		retry.Attempts(uint(budget)),
		retry.Delay(d.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logrecorder.Debugf("[flash] %v (poll %d)", err, n+1)
		}),
	)
	switch {
	case err == nil:
		log.Printf("[flash] app erased in %.2fs (%d polls)", time.Since(start).Seconds(), polls)
		return nil
	case errors.Is(err, errEraseBusy):
		logrecorder.Errorf("[flash] app erase did not complete after %d polls", polls)
		return ErrEraseTimeout
	}
	logrecorder.Errorf("[flash] %v", err)
	return err
}
