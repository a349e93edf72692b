package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry accumulates protocol and dispatch counters. All methods are
// safe for concurrent use and tolerate a nil receiver.
type Registry struct {
	framesRead      atomic.Int64
	framesWritten   atomic.Int64
	commandsSent    atomic.Int64
	commandTimeouts atomic.Int64
	lateResponses   atomic.Int64
	framingFailures atomic.Int64
	monitors        sync.Map
}

type monitorStats struct {
	dispatched  atomic.Int64
	dropped     atomic.Int64
	subscribers atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncFrameRead() {
	if r == nil {
		return
	}
	r.framesRead.Add(1)
}

func (r *Registry) IncFrameWritten() {
	if r == nil {
		return
	}
	r.framesWritten.Add(1)
}

func (r *Registry) IncCommandSent() {
	if r == nil {
		return
	}
	r.commandsSent.Add(1)
}

func (r *Registry) IncCommandTimeout() {
	if r == nil {
		return
	}
	r.commandTimeouts.Add(1)
}

func (r *Registry) IncLateResponse() {
	if r == nil {
		return
	}
	r.lateResponses.Add(1)
}

func (r *Registry) IncFramingFailure() {
	if r == nil {
		return
	}
	r.framingFailures.Add(1)
}

func (r *Registry) IncDispatched(monitor string) {
	if r == nil {
		return
	}
	r.monitorStats(monitor).dispatched.Add(1)
}

func (r *Registry) IncDropped(monitor string) {
	if r == nil {
		return
	}
	r.monitorStats(monitor).dropped.Add(1)
}

func (r *Registry) SetSubscriberCount(monitor string, count int) {
	if r == nil {
		return
	}
	r.monitorStats(monitor).subscribers.Store(int64(count))
}

// WritePrometheus renders the registry in Prometheus text exposition
// format.
func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "outpost_frames_read_total", "Total frames decoded from helpers", r.framesRead.Load())
	writeCounter(writer, "outpost_frames_written_total", "Total frames written to helpers", r.framesWritten.Load())
	writeCounter(writer, "outpost_commands_sent_total", "Total commands issued", r.commandsSent.Load())
	writeCounter(writer, "outpost_command_timeouts_total", "Total commands that timed out", r.commandTimeouts.Load())
	writeCounter(writer, "outpost_late_responses_total", "Responses dropped after their command timed out", r.lateResponses.Load())
	writeCounter(writer, "outpost_framing_failures_total", "Connections torn down by malformed frames", r.framingFailures.Load())

	names := r.monitorNames()
	sort.Strings(names)

	writeHelp(writer, "outpost_broadcasts_dispatched_total", "Broadcast deliveries per monitor")
	fmt.Fprintln(writer, "# TYPE outpost_broadcasts_dispatched_total counter")
	writeHelp(writer, "outpost_broadcasts_dropped_total", "Broadcast deliveries dropped on full mailboxes")
	fmt.Fprintln(writer, "# TYPE outpost_broadcasts_dropped_total counter")
	writeHelp(writer, "outpost_subscribers", "Current subscribers per monitor")
	fmt.Fprintln(writer, "# TYPE outpost_subscribers gauge")

	for _, name := range names {
		stats := r.monitorStats(name)
		label := formatLabel(name)
		fmt.Fprintf(writer, "outpost_broadcasts_dispatched_total{monitor=%s} %d\n", label, stats.dispatched.Load())
		fmt.Fprintf(writer, "outpost_broadcasts_dropped_total{monitor=%s} %d\n", label, stats.dropped.Load())
		fmt.Fprintf(writer, "outpost_subscribers{monitor=%s} %d\n", label, stats.subscribers.Load())
	}

	return nil
}

func (r *Registry) monitorStats(name string) *monitorStats {
	if strings.TrimSpace(name) == "" {
		name = "unknown"
	}
	value, _ := r.monitors.LoadOrStore(name, &monitorStats{})
	return value.(*monitorStats)
}

func (r *Registry) monitorNames() []string {
	if r == nil {
		return nil
	}
	var names []string
	r.monitors.Range(func(key, value interface{}) bool {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
		return true
	})
	return names
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	escaped = strings.ReplaceAll(escaped, "\n", "\\n")
	return fmt.Sprintf("\"%s\"", escaped)
}
