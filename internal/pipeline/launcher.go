package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// terminateGrace is how long a stage process gets between SIGTERM and SIGKILL.
const terminateGrace = 5 * time.Second

// Launcher starts stage scripts as child processes with both output streams
// captured separately. Streams are never merged at the OS level so that
// structured stdout records cannot be corrupted by interleaved stderr writes.
type Launcher struct {
	// Interpreter runs the stage scripts, e.g. "python3".
	Interpreter string
}

// Command is a started stage subprocess.
type Command struct {
	cmd    *exec.Cmd
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	mu      sync.Mutex
	waited  bool
	exit    int
	waitErr error
}

// Start launches script with the given arguments. The context cancels the
// process with SIGTERM; a hard kill follows after terminateGrace if it does
// not exit.
func (l *Launcher) Start(ctx context.Context, script string, args []string) (*Command, error) {
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("stage script %s: %w", script, err)
	}

	cmd := exec.CommandContext(ctx, l.Interpreter, append([]string{script}, args...)...)
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	// The script runs in its own process group so that cancellation reaches
	// any children it spawned. A child that survived the script holding the
	// output pipes open would otherwise stall the stream drain.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", script, err)
	}

	return &Command{cmd: cmd, Stdout: stdout, Stderr: stderr}, nil
}

// Wait blocks until the process exits and returns its exit code. It is safe
// to call more than once; later calls return the recorded result. A start or
// signal failure (no exit code available) reports -1 with the error.
func (c *Command) Wait() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.waited {
		return c.exit, c.waitErr
	}
	c.waited = true

	err := c.cmd.Wait()
	switch {
	case err == nil:
		c.exit = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			c.exit = exitErr.ExitCode()
			err = nil
		} else {
			c.exit = -1
		}
	}
	c.waitErr = err
	return c.exit, c.waitErr
}

// Shutdown terminates the process if it has not been waited on: SIGTERM first,
// then SIGKILL after terminateGrace. It is the deferred last line of defense
// so that no stage exit path leaves a live subprocess behind.
func (c *Command) Shutdown() {
	c.mu.Lock()
	waited := c.waited
	c.mu.Unlock()
	if waited {
		return
	}

	_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Wait()
	}()

	select {
	case <-done:
	case <-time.After(terminateGrace):
		_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
		<-done
	}
}
