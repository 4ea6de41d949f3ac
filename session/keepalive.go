package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/LoveWonYoung/conuds/canio"
	"github.com/LoveWonYoung/conuds/logrecorder"
	"github.com/LoveWonYoung/conuds/udsclient"
)

const (
	// KeepAliveTick is the tester present period.
	KeepAliveTick = 10 * time.Millisecond
	// keepAliveCmdCapacity bounds pending enable/disable commands.
	keepAliveCmdCapacity = 10
)

type keepAliveCmd struct {
	enable bool
	ack    chan struct{}
}

// runKeepAlive sends tester present every tick while enabled. A command is
// acknowledged only after any heartbeat in progress has completed. It
// returns an error only when the transport worker is gone.
func runKeepAlive(ctx context.Context, client *udsclient.Client, cmds <-chan keepAliveCmd) error {
	logrecorder.Debugf("[session] keep-alive task starting")
	defer logrecorder.Debugf("[session] keep-alive task exiting")

	ticker := time.NewTicker(KeepAliveTick)
	defer ticker.Stop()

	enabled := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-cmds:
			if cmd.enable != enabled {
				if cmd.enable {
					log.Printf("[session] enabling persistent tester present")
				} else {
					log.Printf("[session] disabling persistent tester present")
				}
			}
			enabled = cmd.enable
			if cmd.ack != nil {
				close(cmd.ack)
			}
		case <-ticker.C:
			if !enabled {
				continue
			}
			if err := client.TesterPresent(ctx); err != nil {
				if errors.Is(err, canio.ErrWorkerStopped) {
					logrecorder.Errorf("[session] keep-alive: %v", err)
					return fmt.Errorf("keep-alive: %w", err)
				}
				if ctx.Err() != nil {
					return nil
				}
				logrecorder.Debugf("[session] tester present: %v", err)
			}
		}
	}
}
