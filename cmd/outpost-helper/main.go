// Command outpost-helper is the monitor's subprocess half. It speaks
// length-prefixed frames on stdin/stdout: commands arrive with nonzero
// correlation IDs and get exactly one response each, while filesystem
// events and watcher failures are pushed with ID 0.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"

	"outpost/internal/frame"
	"outpost/internal/protocol"

	"github.com/fsnotify/fsnotify"
)

func main() {
	// SIGTERM keeps its default disposition so the host's graceful
	// terminate is not swallowed by a blocked stdin read.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "outpost-helper:", err)
		os.Exit(1)
	}
}

// sender serializes frame writes so responses and pushed events never
// interleave on the shared stream.
type sender struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *sender) send(id uint64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return frame.Encode(s.out, id, payload)
}

func run(ctx context.Context, in io.Reader, out io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies := &sender{out: out}
	go forwardEvents(ctx, cancel, watcher, replies)

	for {
		// Decode blocks until the host sends a frame or closes stdin; a
		// cancelled context cannot interrupt it mid-read, so the check
		// takes effect at the next frame boundary. A host that stopped
		// reading our events is expected to close stdin shortly after.
		f, err := frame.Decode(in)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read command: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		if f.ID == 0 {
			return fmt.Errorf("inbound frame uses reserved id 0")
		}

		name, arg := protocol.ParseCommand(f.Payload)
		payload, err := execute(watcher, name, arg)
		if err != nil {
			return err
		}
		if err := replies.send(f.ID, payload); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// execute runs one command against the watcher and builds its response
// payload. Watcher failures become Err responses for the caller; only
// protocol violations surface as errors.
func execute(watcher *fsnotify.Watcher, name, arg string) ([]byte, error) {
	switch name {
	case "add_watch":
		if err := watcher.Add(arg); err != nil {
			return protocol.MarshalError(err.Error()), nil
		}
		return protocol.OKResponse(), nil

	case "remove":
		if err := watcher.Remove(arg); err != nil {
			return protocol.MarshalError(err.Error()), nil
		}
		return protocol.OKResponse(), nil

	case "watch_list":
		list := watcher.WatchList()
		if list == nil {
			list = []string{}
		}
		payload, err := protocol.MarshalOK(list)
		if err != nil {
			return nil, fmt.Errorf("encode watch list: %w", err)
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
}

// forwardEvents pushes filesystem events and watcher failures as ID-0
// frames until the watcher closes or a write fails. A failed write
// means the host is gone, so it cancels the command loop's context.
func forwardEvents(ctx context.Context, cancel context.CancelFunc, watcher *fsnotify.Watcher, replies *sender) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			payload, err := protocol.MarshalEvent(event.Name, opFromFsnotify(event.Op))
			if err != nil {
				continue
			}
			if err := replies.send(0, payload); err != nil {
				cancel()
				return
			}

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if err := replies.send(0, protocol.MarshalError(watchErr.Error())); err != nil {
				cancel()
				return
			}
		}
	}
}

func opFromFsnotify(op fsnotify.Op) protocol.Op {
	var out protocol.Op
	if op.Has(fsnotify.Create) {
		out |= protocol.OpCreate
	}
	if op.Has(fsnotify.Write) {
		out |= protocol.OpWrite
	}
	if op.Has(fsnotify.Remove) {
		out |= protocol.OpRemove
	}
	if op.Has(fsnotify.Rename) {
		out |= protocol.OpRename
	}
	if op.Has(fsnotify.Chmod) {
		out |= protocol.OpChmod
	}
	return out
}
