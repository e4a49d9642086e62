package supervisor

import (
	"io"
	"os"
	"sync"
	"syscall"
)

// fakeChild is a scriptable in-memory child process for tests.
type fakeChild struct {
	pid int

	stdinR *io.PipeReader
	stdinW *io.PipeWriter

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu      sync.Mutex
	signals []os.Signal
	killed  bool
	done    chan struct{}
	waitErr error

	// exitOnEOF makes the child exit when its stdin is closed
	exitOnEOF bool
	// exitOnTerm makes the child exit when it receives SIGTERM
	exitOnTerm bool
}

type fakeStdin struct {
	w     *io.PipeWriter
	child *fakeChild
}

func (f *fakeStdin) Write(p []byte) (int, error) { return f.w.Write(p) }

func (f *fakeStdin) Close() error {
	err := f.w.Close()
	if f.child.exitOnEOF {
		f.child.exit(nil)
	}
	return err
}

func newFakeChild(pid int) *fakeChild {
	c := &fakeChild{
		pid:  pid,
		done: make(chan struct{}),
	}
	c.stdinR, c.stdinW = io.Pipe()
	c.stdoutR, c.stdoutW = io.Pipe()
	c.stderrR, c.stderrW = io.Pipe()
	return c
}

// exit terminates the fake process; safe to call more than once.
func (c *fakeChild) exit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.waitErr = err
	c.stdoutW.Close()
	c.stderrW.Close()
	close(c.done)
}

func (c *fakeChild) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitErr
}

func (c *fakeChild) Signal(sig os.Signal) error {
	c.mu.Lock()
	c.signals = append(c.signals, sig)
	exitOnTerm := c.exitOnTerm
	c.mu.Unlock()
	if sig == syscall.SIGTERM && exitOnTerm {
		c.exit(nil)
	}
	return nil
}

func (c *fakeChild) Kill() error {
	c.mu.Lock()
	c.killed = true
	c.mu.Unlock()
	c.exit(nil)
	return nil
}

func (c *fakeChild) Pid() int { return c.pid }

func (c *fakeChild) Stdin() io.WriteCloser { return &fakeStdin{w: c.stdinW, child: c} }
func (c *fakeChild) Stdout() io.Reader     { return c.stdoutR }
func (c *fakeChild) Stderr() io.Reader     { return c.stderrR }

func (c *fakeChild) sentSignals() []os.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]os.Signal, len(c.signals))
	copy(out, c.signals)
	return out
}

func (c *fakeChild) wasKilled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed
}
