package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/LoveWonYoung/conuds/canio"
	"github.com/LoveWonYoung/conuds/config"
	"github.com/LoveWonYoung/conuds/flash"
	"github.com/LoveWonYoung/conuds/logrecorder"
)

// Flasher is the part of a session the runner needs.
type Flasher interface {
	DownloadAppToTarget(ctx context.Context, path string, skip bool) flash.UpdateResult
	Teardown() error
}

// Opener creates a fresh session for node.
type Opener func(node *config.Node) (Flasher, error)

// Entry is the outcome for one target.
type Entry struct {
	Target   config.Target
	Result   flash.UpdateResult
	Attempts int
}

// Runner updates a list of targets one node at a time, since they all share
// one bus.
type Runner struct {
	Manifest *config.Manifest
	Open     Opener

	Attempts uint
	Delay    time.Duration
	// Skip enables the CRC precheck.
	Skip bool

	// OnResult, when set, is called after each target.
	OnResult func(Entry)
}

// ParseTargets turns node:path arguments into targets.
func ParseTargets(args []string) ([]config.Target, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: no targets given", config.ErrBadTarget)
	}
	targets := make([]config.Target, 0, len(args))
	for _, a := range args {
		t, err := config.ParseTarget(a)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// Run processes every target and always returns a full report; one node's
// failure never stops the others.
func (r *Runner) Run(ctx context.Context, targets []config.Target) *Report {
	start := time.Now()
	rep := &Report{Entries: make([]Entry, 0, len(targets))}
	for i, t := range targets {
		log.Printf("[batch] (%d/%d) %s", i+1, len(targets), t)
		e := r.runOne(ctx, t)
		if e.Result.Status.OK() {
			log.Printf("[batch] %s: %s in %.2fs", t.Node, e.Result.Status, e.Result.Duration.Seconds())
		} else {
			logrecorder.Errorf("[batch] %s: %s", t.Node, e.Result.Status)
		}
		rep.Entries = append(rep.Entries, e)
		if r.OnResult != nil {
			r.OnResult(e)
		}
	}
	rep.Elapsed = time.Since(start)
	return rep
}

func (r *Runner) runOne(ctx context.Context, t config.Target) Entry {
	e := Entry{Target: t, Result: flash.UpdateResult{Binary: t.Binary}}
	start := time.Now()

	node, err := r.Manifest.Node(t.Node)
	if err != nil {
		e.Result.Status = flash.Failed(err.Error())
		return e
	}

	attempts := r.Attempts
	if attempts == 0 {
		attempts = 1
	}
	err = retry.Do(func() error {
		e.Attempts++
		sess, err := r.Open(node)
		if err != nil {
			var hwErr *canio.HardwareError
			if errors.As(err, &hwErr) {
				return retry.Unrecoverable(err)
			}
			return err
		}
		res := sess.DownloadAppToTarget(ctx, t.Binary, r.Skip)
		if err := sess.Teardown(); err != nil {
			logrecorder.Errorf("[batch] %s teardown: %v", t.Node, err)
		}
		e.Result = res
		if !res.Status.OK() {
			return errors.New(res.Status.Reason)
		}
		return nil
	},
		retry.Context(ctx),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(r.Delay),
		retry.Attempts(attempts),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Printf("[batch] %s retry %d: %v", t.Node, n+1, err)
		}),
	)
	// 会话没能建立，或者 ctx 已取消
	if err != nil && (e.Result.Status.OK() || e.Result.Status.Reason == "") {
		e.Result.Status = flash.Failed(err.Error())
	}
	e.Result.Duration = time.Since(start)
	return e
}
