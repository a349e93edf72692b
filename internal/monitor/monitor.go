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
	"outpost/internal/mux"
	"outpost/internal/protocol"
)

const terminateTimeout = 5 * time.Second

// Stop reasons carried in the MonitorStopped broadcast.
const (
	reasonStopped    = "stopped"
	reasonHelperExit = "helper exited"
	reasonProtocol   = "protocol failure"
)

var (
	// ErrNotRunning reports a command issued against a monitor that
	// has left the Running state.
	ErrNotRunning = errors.New("monitor is not running")

	errUnexpectedValue = errors.New("unexpected value in response")
)

// Options configures one Monitor.
type Options struct {
	// Name keys the monitor in the subscriber directory.
	Name string

	// InitialWatches are applied sequentially before the monitor
	// becomes Running. Any failure aborts startup entirely.
	InitialWatches []string

	// CommandTimeout bounds every command on this monitor's
	// connection. Fixed per deployment, not per call.
	CommandTimeout time.Duration

	// Starter launches the helper process.
	Starter HelperStarter

	// Directory receives this monitor's broadcasts. Defaults to the
	// process-wide directory.
	Directory *directory.Directory

	Logger  *logging.Logger
	Metrics *metrics.Registry

	// OnStopped runs once after the monitor reaches Stopped, whether
	// by explicit stop or helper failure.
	OnStopped func(name string)
}

// Monitor owns exactly one helper connection, its correlation state,
// and the watch set applied at startup. Broadcast frames decoded from
// the connection fan out through the subscriber directory under the
// monitor's name.
type Monitor struct {
	name      string
	dir       *directory.Directory
	logger    *logging.Logger
	registry  *metrics.Registry
	helper    Helper
	conn      *mux.Conn
	onStopped func(string)

	mu    sync.Mutex
	state State
}

// Start spawns the helper, wires its stream, and applies the initial
// watch set. On any initial-watch failure the helper is torn down and
// no monitor exists.
func Start(ctx context.Context, options Options) (*Monitor, error) {
	if options.Name == "" {
		return nil, errors.New("monitor name is required")
	}
	if options.Starter == nil {
		return nil, errors.New("helper starter is required")
	}

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

	helper, err := options.Starter(ctx, options.Name)
	if err != nil {
		return nil, fmt.Errorf("spawn helper for %q: %w", options.Name, err)
	}

	m := &Monitor{
		name:      options.Name,
		dir:       dir,
		logger:    logger.With(map[string]string{"monitor": options.Name}),
		registry:  registry,
		helper:    helper,
		onStopped: options.OnStopped,
		state:     StateStarting,
	}
	m.conn = mux.New(helper.Stream(), mux.Options{
		Timeout:     options.CommandTimeout,
		OnBroadcast: m.handleBroadcast,
		OnClose:     m.handleClose,
		Metrics:     registry,
	})
	go m.watchExit()

	for _, path := range options.InitialWatches {
		if err := m.addWatch(path); err != nil {
			m.logger.Error("initial watch failed, aborting startup", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
			m.shutdown(reasonStopped)
			return nil, fmt.Errorf("apply initial watch %q: %w", path, err)
		}
	}

	m.mu.Lock()
	aborted := m.state != StateStarting
	if !aborted {
		m.state = StateRunning
	}
	m.mu.Unlock()
	if aborted {
		return nil, fmt.Errorf("monitor %q: helper exited during startup", options.Name)
	}

	m.logger.Info("monitor running", map[string]string{
		"watches": fmt.Sprintf("%d", len(options.InitialWatches)),
	})
	return m, nil
}

func (m *Monitor) Name() string {
	return m.name
}

// State reports the monitor's current lifecycle phase.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AddWatch asks the helper to watch path.
func (m *Monitor) AddWatch(path string) error {
	if err := m.requireRunning(); err != nil {
		return err
	}
	return m.addWatch(path)
}

// Remove asks the helper to stop watching path.
func (m *Monitor) Remove(path string) error {
	if err := m.requireRunning(); err != nil {
		return err
	}
	value, err := m.call(protocol.RemoveCommand(path))
	if err != nil {
		return err
	}
	if value != nil {
		return errUnexpectedValue
	}
	return nil
}

// WatchList reports the currently watched paths, unordered.
func (m *Monitor) WatchList() ([]string, error) {
	if err := m.requireRunning(); err != nil {
		return nil, err
	}
	value, err := m.call(protocol.WatchListCommand())
	if err != nil {
		return nil, err
	}
	return protocol.DecodeWatchList(value)
}

// Stop closes the stream, terminates the helper, and broadcasts one
// stop notification to each current subscriber. Idempotent: stopping a
// stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.shutdown(reasonStopped)
}

func (m *Monitor) addWatch(path string) error {
	value, err := m.call(protocol.AddWatchCommand(path))
	if err != nil {
		return err
	}
	if value != nil {
		return errUnexpectedValue
	}
	return nil
}

func (m *Monitor) call(command []byte) ([]byte, error) {
	response, err := m.conn.Call(command)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeResponse(response)
}

func (m *Monitor) requireRunning() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return fmt.Errorf("%w (state %s)", ErrNotRunning, m.state)
	}
	return nil
}

// handleBroadcast runs on the connection's read loop; the directory's
// non-blocking dispatch keeps it from stalling there.
func (m *Monitor) handleBroadcast(payload []byte) {
	broadcast, err := protocol.DecodeBroadcast(payload)
	if err != nil {
		// A malformed broadcast means the helper and host no longer
		// agree on the protocol; there is no designed recovery.
		m.logger.Error("malformed broadcast, stopping monitor", map[string]string{
			"error": err.Error(),
		})
		go m.shutdown(reasonProtocol)
		return
	}

	if broadcast.Event != nil {
		m.dir.Dispatch(m.name, directory.NewFileEvent(m.name, broadcast.Event.Path, broadcast.Event.Op))
		return
	}
	m.dir.Dispatch(m.name, directory.NewWatchError(m.name, broadcast.Err))
}

// handleClose runs once when the read loop stops, for both clean
// end-of-stream and framing or transport failures.
func (m *Monitor) handleClose(err error) {
	if err == nil {
		m.shutdown(reasonHelperExit)
		return
	}
	m.logger.Error("connection failed", map[string]string{"error": err.Error()})
	m.shutdown(reasonProtocol)
}

func (m *Monitor) watchExit() {
	err := m.helper.Wait()
	if err != nil {
		m.logger.Warn("helper exited with error", map[string]string{"error": err.Error()})
	}
	m.shutdown(reasonHelperExit)
}

// shutdown is the single teardown path. Pending commands fail
// immediately through the connection close rather than waiting out
// their timeouts. The stop broadcast goes only to monitors that
// actually reached Running; an aborted startup never announces itself.
func (m *Monitor) shutdown(reason string) {
	m.mu.Lock()
	if m.state == StateStopping || m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	wasRunning := m.state == StateRunning
	m.state = StateStopping
	m.mu.Unlock()

	_ = m.conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()
	if err := m.helper.Terminate(ctx); err != nil {
		m.logger.Warn("helper termination failed", map[string]string{"error": err.Error()})
	}

	if wasRunning {
		m.dir.Dispatch(m.name, directory.NewMonitorStopped(m.name, reason))
	}

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()

	m.logger.Info("monitor stopped", map[string]string{"reason": reason})
	if m.onStopped != nil {
		m.onStopped(m.name)
	}
}
