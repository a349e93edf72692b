package process

import (
	"context"
	"errors"
	"sync"
	"time"
)

const defaultStopTimeout = 3 * time.Second

var ErrProcessNotFound = errors.New("process not running")

// Entry tracks one live helper subprocess.
type Entry struct {
	PID     int
	PGID    int
	Monitor string
	Wait    func(context.Context) error
}

// Registry tracks helper subprocesses by monitor name so daemon
// shutdown can terminate every helper it spawned.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
	}
}

// Register records a helper for the named monitor. wait, when set,
// reaps the process and returns once it has exited.
func (r *Registry) Register(monitor string, pid, pgid int, wait func(context.Context) error) {
	if r == nil || monitor == "" || pid <= 0 {
		return
	}
	r.mu.Lock()
	r.entries[monitor] = Entry{
		PID:     pid,
		PGID:    pgid,
		Monitor: monitor,
		Wait:    wait,
	}
	r.mu.Unlock()
}

func (r *Registry) Unregister(monitor string) {
	if r == nil || monitor == "" {
		return
	}
	r.mu.Lock()
	delete(r.entries, monitor)
	r.mu.Unlock()
}

// Stop terminates the named monitor's helper and removes it from the
// registry. A helper that already exited is not an error.
func (r *Registry) Stop(ctx context.Context, monitor string) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	entry, ok := r.entries[monitor]
	delete(r.entries, monitor)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	err := Terminate(ctx, entry.PID, entry.PGID, entry.Wait)
	if errors.Is(err, ErrProcessNotFound) {
		return nil
	}
	return err
}

// StopAll terminates every registered helper, collecting errors.
func (r *Registry) StopAll(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.entries = make(map[string]Entry)
	r.mu.Unlock()

	var stopErr error
	for _, entry := range entries {
		if err := Terminate(ctx, entry.PID, entry.PGID, entry.Wait); err != nil && !errors.Is(err, ErrProcessNotFound) {
			stopErr = errors.Join(stopErr, err)
		}
	}
	return stopErr
}

// Terminate asks the process (or its group) to exit, escalating to a
// forced kill when it ignores the request.
func Terminate(ctx context.Context, pid, pgid int, wait func(context.Context) error) error {
	return stopProcess(ctx, pid, pgid, wait)
}
