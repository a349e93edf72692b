//go:build windows

package process

import (
	"context"
	"os"
	"time"
)

// Windows has no process groups the helper launch uses, so group-wide
// signalling degrades to acting on the helper's pid alone.
func GroupID(pid int) int {
	return 0
}

// stopProcess kills the helper outright. There is no graceful-signal
// step to escalate from on this platform.
func stopProcess(ctx context.Context, pid, pgid int, wait func(context.Context) error) error {
	if pid <= 0 {
		return nil
	}
	_ = pgid
	helper, err := os.FindProcess(pid)
	if err != nil {
		return ErrProcessNotFound
	}
	_ = helper.Kill()
	return waitForExit(ctx, pid, wait)
}

func waitForExit(ctx context.Context, pid int, wait func(context.Context) error) error {
	if wait != nil {
		return wait(ctx)
	}
	if pid <= 0 {
		return nil
	}
	timeout := defaultStopTimeout
	if ctx != nil {
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ctx.Err()
			}
			if remaining < timeout {
				timeout = remaining
			}
		}
	}
	deadline := time.Now().Add(timeout)
	for {
		helper, err := os.FindProcess(pid)
		if err != nil || helper == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
