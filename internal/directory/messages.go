package directory

import (
	"time"

	"outpost/internal/protocol"
)

// Message is one delivery to a subscriber's mailbox.
type Message interface {
	Type() string
	Timestamp() time.Time
}

// FileEvent reports a filesystem change observed by a monitor's helper.
type FileEvent struct {
	Monitor    string
	Path       string
	Op         protocol.Op
	OccurredAt time.Time
}

func NewFileEvent(monitor, path string, op protocol.Op) FileEvent {
	return FileEvent{
		Monitor:    monitor,
		Path:       path,
		Op:         op,
		OccurredAt: time.Now().UTC(),
	}
}

func (e FileEvent) Type() string {
	return "file_event"
}

func (e FileEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// WatchError reports an asynchronous watcher failure. The monitor's
// connection stays alive.
type WatchError struct {
	Monitor    string
	Message    string
	OccurredAt time.Time
}

func NewWatchError(monitor, message string) WatchError {
	return WatchError{
		Monitor:    monitor,
		Message:    message,
		OccurredAt: time.Now().UTC(),
	}
}

func (e WatchError) Type() string {
	return "watch_error"
}

func (e WatchError) Timestamp() time.Time {
	return e.OccurredAt
}

// MonitorStopped reports that a monitor reached its terminal state,
// whether by explicit stop or helper failure.
type MonitorStopped struct {
	Monitor    string
	Reason     string
	OccurredAt time.Time
}

func NewMonitorStopped(monitor, reason string) MonitorStopped {
	return MonitorStopped{
		Monitor:    monitor,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
}

func (e MonitorStopped) Type() string {
	return "monitor_stopped"
}

func (e MonitorStopped) Timestamp() time.Time {
	return e.OccurredAt
}
