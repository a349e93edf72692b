package monitor

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"outpost/internal/directory"
	"outpost/internal/frame"
	"outpost/internal/metrics"
	"outpost/internal/protocol"
)

// fakeHelper speaks the helper protocol over an in-memory pipe so the
// full lifecycle runs without a subprocess.
type fakeHelper struct {
	host net.Conn
	peer net.Conn

	exitOnce sync.Once
	exited   chan struct{}

	mu      sync.Mutex
	watches map[string]bool
	failAdd map[string]string
	stalled bool
}

// stall makes the helper swallow commands without responding.
func (h *fakeHelper) stall() {
	h.mu.Lock()
	h.stalled = true
	h.mu.Unlock()
}

func (h *fakeHelper) Stream() io.ReadWriteCloser {
	return h.host
}

func (h *fakeHelper) Wait() error {
	<-h.exited
	return nil
}

func (h *fakeHelper) Terminate(ctx context.Context) error {
	h.exit()
	return nil
}

func (h *fakeHelper) Pid() int {
	return 0
}

func (h *fakeHelper) exit() {
	h.exitOnce.Do(func() {
		_ = h.peer.Close()
		close(h.exited)
	})
}

func (h *fakeHelper) serve() {
	for {
		decoded, err := frame.Decode(h.peer)
		if err != nil {
			h.exit()
			return
		}
		h.mu.Lock()
		stalled := h.stalled
		h.mu.Unlock()
		if stalled {
			continue
		}

		name, arg := protocol.ParseCommand(decoded.Payload)
		switch name {
		case "add_watch":
			h.mu.Lock()
			message, fail := h.failAdd[arg]
			if !fail {
				h.watches[arg] = true
			}
			h.mu.Unlock()
			if fail {
				h.respond(decoded.ID, protocol.MarshalError(message))
				continue
			}
			h.respond(decoded.ID, protocol.OKResponse())
		case "remove":
			h.mu.Lock()
			_, ok := h.watches[arg]
			delete(h.watches, arg)
			h.mu.Unlock()
			if !ok {
				h.respond(decoded.ID, protocol.MarshalError("can't remove non-existent watch: "+arg))
				continue
			}
			h.respond(decoded.ID, protocol.OKResponse())
		case "watch_list":
			h.mu.Lock()
			paths := make([]string, 0, len(h.watches))
			for path := range h.watches {
				paths = append(paths, path)
			}
			h.mu.Unlock()
			payload, err := protocol.MarshalOK(paths)
			if err != nil {
				h.exit()
				return
			}
			h.respond(decoded.ID, payload)
		default:
			h.exit()
			return
		}
	}
}

func (h *fakeHelper) respond(id uint64, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = frame.Encode(h.peer, id, payload)
}

func (h *fakeHelper) emit(path string, op protocol.Op) {
	payload, err := protocol.MarshalEvent(path, op)
	if err != nil {
		return
	}
	h.mu.Lock()
	_ = frame.Encode(h.peer, 0, payload)
	h.mu.Unlock()
}

func (h *fakeHelper) emitError(message string) {
	payload := protocol.MarshalError(message)
	h.mu.Lock()
	_ = frame.Encode(h.peer, 0, payload)
	h.mu.Unlock()
}

// fakeFleet starts one fakeHelper per monitor start and remembers the
// most recent one.
type fakeFleet struct {
	mu      sync.Mutex
	helpers []*fakeHelper
	failAdd map[string]string
}

func (f *fakeFleet) starter(ctx context.Context, monitor string) (Helper, error) {
	hostSide, helperSide := net.Pipe()
	helper := &fakeHelper{
		host:    hostSide,
		peer:    helperSide,
		exited:  make(chan struct{}),
		watches: make(map[string]bool),
		failAdd: f.failAdd,
	}
	go helper.serve()

	f.mu.Lock()
	f.helpers = append(f.helpers, helper)
	f.mu.Unlock()
	return helper, nil
}

func (f *fakeFleet) latest() *fakeHelper {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.helpers) == 0 {
		return nil
	}
	return f.helpers[len(f.helpers)-1]
}

func newTestManager(t *testing.T, fleet *fakeFleet) (*Manager, *directory.Directory) {
	t.Helper()
	dir := directory.New(directory.Options{Metrics: &metrics.Registry{}})
	mgr := NewManager(ManagerOptions{
		Starter:        fleet.starter,
		CommandTimeout: 500 * time.Millisecond,
		Directory:      dir,
		Metrics:        &metrics.Registry{},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.StopAll(ctx)
	})
	return mgr, dir
}

func receive(t *testing.T, sub *directory.Subscriber) directory.Message {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestEndToEndWatchCommands(t *testing.T) {
	fleet := &fakeFleet{}
	mgr, _ := newTestManager(t, fleet)

	if err := mgr.Start(context.Background(), "code", nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := mgr.AddWatch("code", "/tmp/x"); err != nil {
		t.Fatalf("add_watch: %v", err)
	}

	paths, err := mgr.WatchList("code")
	if err != nil {
		t.Fatalf("watch_list: %v", err)
	}
	if len(paths) != 1 || paths[0] != "/tmp/x" {
		t.Fatalf("expected [/tmp/x], got %v", paths)
	}

	if err := mgr.Remove("code", "/tmp/x"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	paths, err = mgr.WatchList("code")
	if err != nil {
		t.Fatalf("watch_list after remove: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("expected no watches, got %v", paths)
	}
}

func TestInitialWatchesAppliedAtStartup(t *testing.T) {
	fleet := &fakeFleet{}
	mgr, _ := newTestManager(t, fleet)

	if err := mgr.Start(context.Background(), "code", []string{"/src", "/docs"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	paths, err := mgr.WatchList("code")
	if err != nil {
		t.Fatalf("watch_list: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected both initial watches, got %v", paths)
	}
}

func TestInitialWatchFailureAbortsStartup(t *testing.T) {
	fleet := &fakeFleet{failAdd: map[string]string{"/bad": "permission denied"}}
	mgr, dir := newTestManager(t, fleet)

	sub := dir.Subscribe("code")

	err := mgr.Start(context.Background(), "code", []string{"/good", "/bad"})
	if err == nil {
		t.Fatal("expected startup to abort on initial watch failure")
	}
	var cmdErr *protocol.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError cause, got %v", err)
	}

	// No partial monitor exists and the helper is gone.
	if err := mgr.AddWatch("code", "/tmp/x"); !errors.Is(err, ErrNoMonitor) {
		t.Fatalf("expected ErrNoMonitor, got %v", err)
	}
	select {
	case <-fleet.latest().exited:
	case <-time.After(2 * time.Second):
		t.Fatal("helper not terminated after aborted startup")
	}

	// An aborted startup never announces a stop.
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected broadcast from aborted startup: %v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCommandErrorIsLocalToCaller(t *testing.T) {
	fleet := &fakeFleet{}
	mgr, _ := newTestManager(t, fleet)

	if err := mgr.Start(context.Background(), "code", nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := mgr.Remove("code", "/never/watched")
	var cmdErr *protocol.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}

	// The connection survives a per-command failure.
	if _, err := mgr.WatchList("code"); err != nil {
		t.Fatalf("watch_list after command error: %v", err)
	}
}

func TestEventsFanOutToSubscribers(t *testing.T) {
	fleet := &fakeFleet{}
	mgr, _ := newTestManager(t, fleet)

	if err := mgr.Start(context.Background(), "code", nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := mgr.Subscribe("code")
	second := mgr.Subscribe("code")

	fleet.latest().emit("/src/main.go", protocol.OpWrite|protocol.OpCreate)

	for _, sub := range []*directory.Subscriber{first, second} {
		msg := receive(t, sub)
		event, ok := msg.(directory.FileEvent)
		if !ok {
			t.Fatalf("expected FileEvent, got %T", msg)
		}
		if event.Path != "/src/main.go" {
			t.Fatalf("unexpected path %q", event.Path)
		}
		if !event.Op.Has(protocol.OpWrite) || !event.Op.Has(protocol.OpCreate) {
			t.Fatalf("unexpected ops %s", event.Op)
		}
	}
}

func TestAsyncWatchFailureKeepsMonitorAlive(t *testing.T) {
	fleet := &fakeFleet{}
	mgr, _ := newTestManager(t, fleet)

	if err := mgr.Start(context.Background(), "code", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	sub := mgr.Subscribe("code")

	fleet.latest().emitError("inotify queue overflow")

	msg := receive(t, sub)
	failure, ok := msg.(directory.WatchError)
	if !ok {
		t.Fatalf("expected WatchError, got %T", msg)
	}
	if failure.Message != "inotify queue overflow" {
		t.Fatalf("unexpected message %q", failure.Message)
	}

	if _, err := mgr.WatchList("code"); err != nil {
		t.Fatalf("watch_list after async failure: %v", err)
	}
}

func TestStopBroadcastsOncePerSubscriber(t *testing.T) {
	fleet := &fakeFleet{}
	mgr, _ := newTestManager(t, fleet)

	if err := mgr.Start(context.Background(), "code", nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := mgr.Subscribe("code")
	second := mgr.Subscribe("code")

	mgr.Stop("code")

	for _, sub := range []*directory.Subscriber{first, second} {
		msg := receive(t, sub)
		stopped, ok := msg.(directory.MonitorStopped)
		if !ok {
			t.Fatalf("expected MonitorStopped, got %T", msg)
		}
		if stopped.Monitor != "code" {
			t.Fatalf("unexpected monitor %q", stopped.Monitor)
		}

		select {
		case extra := <-sub.Messages():
			t.Fatalf("expected exactly one stop notification, got extra %v", extra)
		case <-time.After(100 * time.Millisecond):
		}
	}

	if err := mgr.AddWatch("code", "/tmp/x"); !errors.Is(err, ErrNoMonitor) {
		t.Fatalf("expected ErrNoMonitor after stop, got %v", err)
	}

	// A second stop is a no-op.
	mgr.Stop("code")
}

func TestUnexpectedHelperExitStopsMonitor(t *testing.T) {
	fleet := &fakeFleet{}
	mgr, _ := newTestManager(t, fleet)

	if err := mgr.Start(context.Background(), "code", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	sub := mgr.Subscribe("code")

	fleet.latest().exit()

	msg := receive(t, sub)
	stopped, ok := msg.(directory.MonitorStopped)
	if !ok {
		t.Fatalf("expected MonitorStopped, got %T", msg)
	}
	if stopped.Monitor != "code" {
		t.Fatalf("unexpected monitor %q", stopped.Monitor)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := mgr.AddWatch("code", "/tmp/x"); errors.Is(err, ErrNoMonitor) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("manager kept a dead monitor registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPendingCommandsFailOnHelperExit(t *testing.T) {
	fleet := &fakeFleet{}
	mgr := NewManager(ManagerOptions{
		Starter:        fleet.starter,
		CommandTimeout: 30 * time.Second,
		Directory:      directory.New(directory.Options{Metrics: &metrics.Registry{}}),
		Metrics:        &metrics.Registry{},
	})
	if err := mgr.Start(context.Background(), "code", nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	helper := fleet.latest()
	// Swallow the command so it stays pending, then kill the helper:
	// the pending command must fail immediately rather than waiting
	// out the 30s timeout.
	helper.stall()
	errs := make(chan error, 1)
	go func() {
		errs <- mgr.AddWatch("code", "/tmp/slow")
	}()
	time.Sleep(50 * time.Millisecond)
	helper.exit()

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected pending command to fail on helper exit")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending command hung after helper exit")
	}
}

func TestSubscriberSurvivesMonitorRestart(t *testing.T) {
	fleet := &fakeFleet{}
	mgr, _ := newTestManager(t, fleet)

	if err := mgr.Start(context.Background(), "code", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	sub := mgr.Subscribe("code")

	mgr.Stop("code")
	if msg := receive(t, sub); msg.Type() != "monitor_stopped" {
		t.Fatalf("expected monitor_stopped, got %s", msg.Type())
	}

	if err := mgr.Start(context.Background(), "code", nil); err != nil {
		t.Fatalf("restart: %v", err)
	}

	fleet.latest().emit("/src/new.go", protocol.OpCreate)

	msg := receive(t, sub)
	if msg.Type() != "file_event" {
		t.Fatalf("expected file_event from restarted monitor, got %s", msg.Type())
	}
}

func TestStartRejectsDuplicateName(t *testing.T) {
	fleet := &fakeFleet{}
	mgr, _ := newTestManager(t, fleet)

	if err := mgr.Start(context.Background(), "code", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := mgr.Start(context.Background(), "code", nil); !errors.Is(err, ErrMonitorExists) {
		t.Fatalf("expected ErrMonitorExists, got %v", err)
	}
}

func TestStateTransitions(t *testing.T) {
	fleet := &fakeFleet{}
	dir := directory.New(directory.Options{Metrics: &metrics.Registry{}})

	m, err := Start(context.Background(), Options{
		Name:      "code",
		Starter:   fleet.starter,
		Directory: dir,
		Metrics:   &metrics.Registry{},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if state := m.State(); state != StateRunning {
		t.Fatalf("expected running, got %s", state)
	}

	m.Stop()
	if state := m.State(); state != StateStopped {
		t.Fatalf("expected stopped, got %s", state)
	}

	if err := m.AddWatch("/tmp/x"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	// Idempotent.
	m.Stop()
}
