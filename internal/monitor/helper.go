package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"outpost/internal/process"
)

// Helper is a running helper process seen through its duplex frame
// stream. Implementations other than the subprocess one exist only for
// tests.
type Helper interface {
	// Stream is the frame transport. Closing it signals the helper to
	// exit.
	Stream() io.ReadWriteCloser
	// Wait blocks until the helper process has exited.
	Wait() error
	// Terminate forces the helper down, escalating if it ignores the
	// request.
	Terminate(ctx context.Context) error
	// Pid reports the helper's process ID, or 0 when it has none.
	Pid() int
}

// HelperStarter launches the helper for one monitor.
type HelperStarter func(ctx context.Context, monitor string) (Helper, error)

// Command returns a HelperStarter that runs the helper binary at path
// with its standard input and output wired as the duplex stream.
func Command(path string, args ...string) HelperStarter {
	return func(ctx context.Context, monitor string) (Helper, error) {
		cmd := exec.Command(path, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("helper stdin: %w", err)
		}
		// Wait closes a StdoutPipe as soon as the process exits, which
		// can discard frames the helper flushed right before exiting.
		// With a plain pipe the read end stays ours, so the stream
		// drains fully and then ends in clean EOF.
		stdoutRead, stdoutWrite, err := os.Pipe()
		if err != nil {
			_ = stdin.Close()
			return nil, fmt.Errorf("helper stdout: %w", err)
		}
		cmd.Stdout = stdoutWrite
		if err := cmd.Start(); err != nil {
			_ = stdin.Close()
			_ = stdoutRead.Close()
			_ = stdoutWrite.Close()
			return nil, fmt.Errorf("start helper %q: %w", path, err)
		}
		// Drop our copy of the write end; the child holds its own, and
		// EOF only reaches the reader once both are gone.
		_ = stdoutWrite.Close()

		helper := &execHelper{
			cmd:    cmd,
			stream: &helperStream{stdin: stdin, stdout: stdoutRead},
			exited: make(chan struct{}),
		}
		go func() {
			helper.waitErr = cmd.Wait()
			close(helper.exited)
		}()
		return helper, nil
	}
}

// helperStream joins the helper's stdout (our reads) and stdin (our
// writes) into one duplex stream.
type helperStream struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (s *helperStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *helperStream) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *helperStream) Close() error {
	return errors.Join(s.stdin.Close(), s.stdout.Close())
}

type execHelper struct {
	cmd     *exec.Cmd
	stream  io.ReadWriteCloser
	exited  chan struct{}
	waitErr error
}

func (h *execHelper) Stream() io.ReadWriteCloser {
	return h.stream
}

func (h *execHelper) Wait() error {
	<-h.exited
	return h.waitErr
}

func (h *execHelper) Pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHelper) Terminate(ctx context.Context) error {
	pid := h.Pid()
	if pid <= 0 {
		return nil
	}
	err := process.Terminate(ctx, pid, process.GroupID(pid), func(ctx context.Context) error {
		select {
		case <-h.exited:
			return h.waitErr
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if errors.Is(err, process.ErrProcessNotFound) {
		return nil
	}
	return err
}
