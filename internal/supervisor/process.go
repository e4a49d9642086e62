package supervisor

import (
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Child is one spawned instance of the external interactive tool.
// Implementations must be safe to signal after exit.
type Child interface {
	// Wait blocks until the process exits
	Wait() error

	// Signal delivers sig to the process group
	Signal(sig os.Signal) error

	// Kill force-terminates the process group
	Kill() error

	// Pid returns the OS process ID
	Pid() int

	// Stdin is the pipe to the child's stdin; closing it signals EOF
	Stdin() io.WriteCloser

	// Stdout and Stderr are the child's output pipes
	Stdout() io.Reader
	Stderr() io.Reader
}

// Spawner launches a child process for the supervisor.
// The process must already be started when Spawner returns.
type Spawner func(cfg Config) (Child, error)

// execChild wraps an os/exec process started in its own process group
// so signals reach the whole tree.
type execChild struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (c *execChild) Wait() error { return c.cmd.Wait() }

func (c *execChild) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return c.cmd.Process.Signal(sig)
	}
	return syscall.Kill(-c.cmd.Process.Pid, s)
}

func (c *execChild) Kill() error {
	return syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
}

func (c *execChild) Pid() int { return c.cmd.Process.Pid }

func (c *execChild) Stdin() io.WriteCloser { return c.stdin }
func (c *execChild) Stdout() io.Reader     { return c.stdout }
func (c *execChild) Stderr() io.Reader     { return c.stderr }

// execSpawn is the default Spawner backed by os/exec.
func execSpawn(cfg Config) (Child, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkspacePath
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execChild{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}, nil
}
