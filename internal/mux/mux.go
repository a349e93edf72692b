package mux

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"outpost/internal/frame"
	"outpost/internal/metrics"
)

const defaultCommandTimeout = time.Second

var (
	// ErrTimeout reports that no response arrived within the configured
	// per-command deadline. The connection stays alive; only this
	// caller's wait is abandoned.
	ErrTimeout = errors.New("command timed out")

	// ErrConnClosed reports that the connection shut down while the
	// command was pending or before it was sent.
	ErrConnClosed = errors.New("connection closed")
)

// Options configures a Conn. The command timeout is fixed per
// connection, not per call.
type Options struct {
	// Timeout bounds each command's wait for a response. Defaults to
	// one second.
	Timeout time.Duration

	// OnBroadcast receives the payload of every frame carrying the
	// reserved correlation ID 0. Called from the read loop; it must
	// hand the payload off without blocking.
	OnBroadcast func(payload []byte)

	// OnClose runs exactly once when the read loop stops. A nil error
	// means the stream ended cleanly at a frame boundary or the Conn
	// was closed locally; anything else is a framing or transport
	// failure.
	OnClose func(err error)

	Metrics *metrics.Registry
}

// Conn multiplexes request/response commands and unsolicited broadcast
// frames over one duplex stream. A single read loop owns the stream's
// read side; writes are serialized. Callers may issue commands
// concurrently, each blocking only on its own response.
type Conn struct {
	stream      io.ReadWriteCloser
	timeout     time.Duration
	onBroadcast func([]byte)
	onClose     func(error)
	registry    *metrics.Registry

	nextID  atomic.Uint64
	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[uint64]chan []byte
	closing bool
	down    bool

	done chan struct{}
}

// New wraps stream and starts its read loop.
func New(stream io.ReadWriteCloser, options Options) *Conn {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	registry := options.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	conn := &Conn{
		stream:      stream,
		timeout:     timeout,
		onBroadcast: options.OnBroadcast,
		onClose:     options.OnClose,
		registry:    registry,
		waiters:     make(map[uint64]chan []byte),
		done:        make(chan struct{}),
	}
	go conn.readLoop()
	return conn
}

// Call sends one command and blocks until its response, the timeout, or
// connection shutdown. A response arriving after the timeout is
// silently dropped.
func (conn *Conn) Call(payload []byte) ([]byte, error) {
	if conn == nil {
		return nil, ErrConnClosed
	}

	id := conn.allocateID()
	ch := make(chan []byte, 1)

	conn.mu.Lock()
	if conn.down || conn.closing {
		conn.mu.Unlock()
		return nil, ErrConnClosed
	}
	conn.waiters[id] = ch
	conn.mu.Unlock()

	conn.writeMu.Lock()
	err := frame.Encode(conn.stream, id, payload)
	conn.writeMu.Unlock()
	if err != nil {
		conn.removeWaiter(id)
		return nil, fmt.Errorf("write command frame: %w", err)
	}
	conn.registry.IncFrameWritten()
	conn.registry.IncCommandSent()

	timer := time.NewTimer(conn.timeout)
	defer timer.Stop()

	select {
	case response, ok := <-ch:
		if !ok {
			return nil, ErrConnClosed
		}
		return response, nil
	case <-timer.C:
		if conn.removeWaiter(id) {
			conn.registry.IncCommandTimeout()
			return nil, ErrTimeout
		}
		// The read loop claimed this command in the instant the timer
		// fired. Once the waiter is out of the table a send or a close
		// on ch is guaranteed, so this receive cannot hang.
		response, ok := <-ch
		if !ok {
			return nil, ErrConnClosed
		}
		return response, nil
	}
}

// Close shuts the connection down. Pending commands fail with
// ErrConnClosed, the read loop exits, and OnClose observes a clean
// close. Safe to call more than once.
func (conn *Conn) Close() error {
	if conn == nil {
		return nil
	}
	conn.mu.Lock()
	if conn.closing {
		conn.mu.Unlock()
		return nil
	}
	conn.closing = true
	conn.mu.Unlock()
	return conn.stream.Close()
}

// Done is closed once the read loop has stopped and all pending
// commands have been failed.
func (conn *Conn) Done() <-chan struct{} {
	return conn.done
}

// allocateID returns a fresh nonzero correlation ID. ID 0 is reserved
// for broadcasts, a hard protocol invariant, so the counter skips it
// even across wraparound.
func (conn *Conn) allocateID() uint64 {
	id := conn.nextID.Add(1)
	for id == 0 {
		id = conn.nextID.Add(1)
	}
	return id
}

func (conn *Conn) readLoop() {
	for {
		decoded, err := frame.Decode(conn.stream)
		if err != nil {
			conn.teardown(err)
			return
		}
		conn.registry.IncFrameRead()

		if decoded.ID == 0 {
			if conn.onBroadcast != nil {
				conn.onBroadcast(decoded.Payload)
			}
			continue
		}
		conn.resolve(decoded.ID, decoded.Payload)
	}
}

func (conn *Conn) resolve(id uint64, payload []byte) {
	conn.mu.Lock()
	ch, ok := conn.waiters[id]
	if ok {
		delete(conn.waiters, id)
	}
	conn.mu.Unlock()

	if !ok {
		// Unknown or already timed out. Dropped, never delivered.
		conn.registry.IncLateResponse()
		return
	}
	ch <- payload
}

func (conn *Conn) removeWaiter(id uint64) bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if _, ok := conn.waiters[id]; !ok {
		return false
	}
	delete(conn.waiters, id)
	return true
}

// teardown fails every pending command and reports the close reason.
// Runs exactly once, from the read loop.
func (conn *Conn) teardown(readErr error) {
	conn.mu.Lock()
	conn.down = true
	closing := conn.closing
	waiters := conn.waiters
	conn.waiters = make(map[uint64]chan []byte)
	conn.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}

	var reason error
	switch {
	case closing || errors.Is(readErr, io.EOF):
		// Local close or the helper ended the stream at a frame
		// boundary.
		reason = nil
	case errors.Is(readErr, frame.ErrFraming):
		conn.registry.IncFramingFailure()
		reason = readErr
	default:
		reason = readErr
	}

	_ = conn.stream.Close()
	if conn.onClose != nil {
		conn.onClose(reason)
	}
	close(conn.done)
}
