// Package proc abstracts OS process-group supervision behind a minimal
// handle: start, combined output stream, group signaling, and exit
// observation. The supervisor's sequencing logic depends only on the
// Handle interface so it can be exercised with fakes.
package proc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/skybeam/groundstation/internal/debug"
)

// Command describes a process to spawn.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  map[string]string // overlaid on the current environment
}

// Handle is a running (or exited) process owned by the supervisor.
type Handle interface {
	// PID returns the OS process id.
	PID() int
	// Output is the process's combined stdout+stderr stream. It reaches
	// EOF when the process and everything holding its write end exit.
	Output() io.Reader
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// Exited reports whether the process has been reaped.
	Exited() bool
	// ExitCode returns the exit code; only meaningful after Exited.
	ExitCode() int
	// Terminate sends SIGTERM to the whole process group.
	Terminate() error
	// Kill sends SIGKILL to the whole process group.
	Kill() error
}

// Starter spawns a Command. The supervisor takes one so tests can
// substitute fake handles.
type Starter func(Command) (Handle, error)

// Start launches the command in its own process group with stdout and
// stderr merged into a single pipe.
func Start(cmd Command) (Handle, error) {
	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = os.Environ()
	for k, v := range cmd.Env {
		c.Env = append(c.Env, k+"="+v)
	}

	// New process group so group signals reclaim any children the
	// role-process spawns.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// A manual pipe instead of StdoutPipe: Wait must not race the
	// monitor's reads, and EOF must arrive only when the child (and its
	// children) release the write end.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("proc: create pipe: %w", err)
	}
	c.Stdout = pw
	c.Stderr = pw

	if err := c.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("proc: start %s: %w", cmd.Path, err)
	}
	// Parent's copy of the write end must go, or Output never sees EOF.
	pw.Close()

	h := &osHandle{
		cmd:    c,
		output: pr,
		done:   make(chan struct{}),
	}
	go h.reap()

	debug.LogKV("proc", "process started", "path", cmd.Path, "pid", c.Process.Pid)
	return h, nil
}

type osHandle struct {
	cmd    *exec.Cmd
	output *os.File
	done   chan struct{}

	mu       sync.Mutex
	exitCode int
	exited   bool
}

func (h *osHandle) reap() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	h.mu.Lock()
	h.exitCode = code
	h.exited = true
	h.mu.Unlock()
	close(h.done)

	debug.LogKV("proc", "process reaped", "pid", h.cmd.Process.Pid, "exit_code", code)
}

func (h *osHandle) PID() int              { return h.cmd.Process.Pid }
func (h *osHandle) Output() io.Reader     { return h.output }
func (h *osHandle) Done() <-chan struct{} { return h.done }

func (h *osHandle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

func (h *osHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *osHandle) Terminate() error {
	return h.signalGroup(syscall.SIGTERM)
}

func (h *osHandle) Kill() error {
	return h.signalGroup(syscall.SIGKILL)
}

func (h *osHandle) signalGroup(sig syscall.Signal) error {
	if h.Exited() {
		return nil
	}
	if err := syscall.Kill(-h.cmd.Process.Pid, sig); err != nil {
		// The group can vanish between the check and the signal.
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("proc: signal group %d with %s: %w", h.cmd.Process.Pid, sig, err)
	}
	return nil
}

// WaitExit blocks until the handle exits or the timeout elapses,
// reporting whether it exited in time.
func WaitExit(h Handle, timeout time.Duration) bool {
	select {
	case <-h.Done():
		return true
	case <-time.After(timeout):
		return false
	}
}
