package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"outpost/internal/directory"
	"outpost/internal/logging"
	"outpost/internal/metrics"
	"outpost/internal/process"
)

var (
	// ErrNoMonitor reports a command against a name with no live
	// monitor.
	ErrNoMonitor = errors.New("no such monitor")

	// ErrMonitorExists reports a start request for a name already
	// owning a live monitor.
	ErrMonitorExists = errors.New("monitor already exists")
)

// ManagerOptions configures a Manager. Starter and the command timeout
// apply to every monitor it starts.
type ManagerOptions struct {
	Starter        HelperStarter
	CommandTimeout time.Duration
	Directory      *directory.Directory
	Logger         *logging.Logger
	Metrics        *metrics.Registry
}

// Manager is the host-facing registry of named monitors. Subscriptions
// go through the directory and therefore survive a monitor stopping
// and restarting under the same name.
type Manager struct {
	starter  HelperStarter
	timeout  time.Duration
	dir      *directory.Directory
	logger   *logging.Logger
	registry *metrics.Registry
	procs    *process.Registry

	mu       sync.Mutex
	monitors map[string]*Monitor
}

func NewManager(options ManagerOptions) *Manager {
	dir := options.Directory
	if dir == nil {
		dir = directory.Default()
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(logging.LevelInfo, nil)
	}
	registry := options.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	return &Manager{
		starter:  options.Starter,
		timeout:  options.CommandTimeout,
		dir:      dir,
		logger:   logger,
		registry: registry,
		procs:    process.NewRegistry(),
		monitors: make(map[string]*Monitor),
	}
}

// Start creates a monitor under name with the given initial watch set.
func (mgr *Manager) Start(ctx context.Context, name string, watches []string) error {
	mgr.mu.Lock()
	if _, ok := mgr.monitors[name]; ok {
		mgr.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrMonitorExists, name)
	}
	mgr.mu.Unlock()

	m, err := Start(ctx, Options{
		Name:           name,
		InitialWatches: watches,
		CommandTimeout: mgr.timeout,
		Starter:        mgr.starter,
		Directory:      mgr.dir,
		Logger:         mgr.logger,
		Metrics:        mgr.registry,
		OnStopped:      mgr.forget,
	})
	if err != nil {
		return err
	}

	mgr.mu.Lock()
	if _, ok := mgr.monitors[name]; ok {
		mgr.mu.Unlock()
		go m.Stop()
		return fmt.Errorf("%w: %q", ErrMonitorExists, name)
	}
	if m.State() == StateStopped {
		// The helper died between startup and registration.
		mgr.mu.Unlock()
		return fmt.Errorf("monitor %q: helper exited during startup", name)
	}
	mgr.monitors[name] = m
	mgr.mu.Unlock()

	mgr.procs.Register(name, m.helper.Pid(), process.GroupID(m.helper.Pid()), func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			_ = m.helper.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return nil
}

// AddWatch asks name's helper to watch path.
func (mgr *Manager) AddWatch(name, path string) error {
	m, err := mgr.lookup(name)
	if err != nil {
		return err
	}
	return m.AddWatch(path)
}

// Remove asks name's helper to stop watching path.
func (mgr *Manager) Remove(name, path string) error {
	m, err := mgr.lookup(name)
	if err != nil {
		return err
	}
	return m.Remove(path)
}

// WatchList reports name's watched paths, unordered.
func (mgr *Manager) WatchList(name string) ([]string, error) {
	m, err := mgr.lookup(name)
	if err != nil {
		return nil, err
	}
	return m.WatchList()
}

// Stop tears down name's monitor. Fire-and-forget: it returns once the
// name is released, while stream/process teardown and the stop
// broadcast complete in the background. Stopping an absent monitor is
// a no-op.
func (mgr *Manager) Stop(name string) {
	mgr.mu.Lock()
	m, ok := mgr.monitors[name]
	delete(mgr.monitors, name)
	mgr.mu.Unlock()
	if !ok {
		return
	}
	go m.Stop()
}

// Subscribe registers interest in name's events. The handle stays
// valid across monitor restarts under that name.
func (mgr *Manager) Subscribe(name string) *directory.Subscriber {
	return mgr.dir.Subscribe(name)
}

// Unsubscribe removes a handle from name's member set.
func (mgr *Manager) Unsubscribe(name string, sub *directory.Subscriber) {
	mgr.dir.Unsubscribe(name, sub)
}

// Monitors lists the names with live monitors.
func (mgr *Manager) Monitors() []string {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	names := make([]string, 0, len(mgr.monitors))
	for name := range mgr.monitors {
		names = append(names, name)
	}
	return names
}

// StopAll stops every monitor and sweeps any helper process still
// registered. Used on daemon shutdown.
func (mgr *Manager) StopAll(ctx context.Context) {
	mgr.mu.Lock()
	monitors := make([]*Monitor, 0, len(mgr.monitors))
	for _, m := range mgr.monitors {
		monitors = append(monitors, m)
	}
	mgr.monitors = make(map[string]*Monitor)
	mgr.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range monitors {
		wg.Add(1)
		go func(m *Monitor) {
			defer wg.Done()
			m.Stop()
		}(m)
	}
	wg.Wait()

	if err := mgr.procs.StopAll(ctx); err != nil {
		mgr.logger.Warn("helper sweep failed", map[string]string{"error": err.Error()})
	}
}

func (mgr *Manager) lookup(name string) (*Monitor, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	m, ok := mgr.monitors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoMonitor, name)
	}
	return m, nil
}

// forget runs after a monitor reaches Stopped on its own (helper exit
// or protocol failure) so the name frees up for a restart.
func (mgr *Manager) forget(name string) {
	mgr.mu.Lock()
	delete(mgr.monitors, name)
	mgr.mu.Unlock()
	mgr.procs.Unregister(name)
}
