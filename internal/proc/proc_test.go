package proc

import (
	"bufio"
	"context"
	"os"
	"testing"
	"time"
)

func TestStartCapturesCombinedOutput(t *testing.T) {
	h, err := Start(Command{
		Path: "/bin/sh",
		Args: []string{"-c", "echo out; echo err 1>&2"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sc := bufio.NewScanner(h.Output())
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines %v, want stdout and stderr merged", len(lines), lines)
	}

	if !WaitExit(h, 5*time.Second) {
		t.Fatalf("process never reaped")
	}
	if got := h.ExitCode(); got != 0 {
		t.Fatalf("ExitCode = %d, want 0", got)
	}
}

func TestStartReportsExitCode(t *testing.T) {
	h, err := Start(Command{
		Path: "/bin/sh",
		Args: []string{"-c", "exit 3"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !WaitExit(h, 5*time.Second) {
		t.Fatalf("process never reaped")
	}
	if !h.Exited() {
		t.Fatalf("Exited() = false after Done closed")
	}
	if got := h.ExitCode(); got != 3 {
		t.Fatalf("ExitCode = %d, want 3", got)
	}
}

func TestStartPassesEnvironment(t *testing.T) {
	h, err := Start(Command{
		Path: "/bin/sh",
		Args: []string{"-c", "echo $GS_TEST_VALUE"},
		Env:  map[string]string{"GS_TEST_VALUE": "hello"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sc := bufio.NewScanner(h.Output())
	if !sc.Scan() {
		t.Fatalf("no output")
	}
	if got := sc.Text(); got != "hello" {
		t.Fatalf("env echo = %q, want hello", got)
	}
	WaitExit(h, 5*time.Second)
}

func TestTerminateStopsProcessGroup(t *testing.T) {
	h, err := Start(Command{
		Path: "/bin/sh",
		Args: []string{"-c", "sleep 30"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !WaitExit(h, 5*time.Second) {
		t.Fatalf("process survived group SIGTERM")
	}
	if got := h.ExitCode(); got == 0 {
		t.Fatalf("ExitCode = 0, want signal-derived nonzero")
	}

	// Signaling an already-dead group is not an error.
	if err := h.Terminate(); err != nil {
		t.Fatalf("Terminate after exit: %v", err)
	}
}

func TestWaitExitTimeout(t *testing.T) {
	h, err := Start(Command{
		Path: "/bin/sh",
		Args: []string{"-c", "sleep 30"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		_ = h.Kill()
		WaitExit(h, 5*time.Second)
	}()

	if WaitExit(h, 50*time.Millisecond) {
		t.Fatalf("WaitExit returned true for a sleeping process")
	}
}

func TestFindByPatternExcludesSelf(t *testing.T) {
	// Match our own test binary; the result must not contain our PID.
	pids := FindByPattern(context.Background(), "proc.test")
	self := os.Getpid()
	for _, pid := range pids {
		if pid == self {
			t.Fatalf("FindByPattern returned our own PID %d", self)
		}
	}
}

func TestFindByPatternNoMatches(t *testing.T) {
	if pids := FindByPattern(context.Background(), "no-such-process-name-f3a9"); pids != nil {
		t.Fatalf("FindByPattern = %v, want nil", pids)
	}
}

func TestTerminatePIDGone(t *testing.T) {
	// A PID far outside the usual range is almost certainly unused; a
	// vanished process must not be an error.
	if err := TerminatePID(1 << 22); err != nil {
		t.Skipf("pid unexpectedly alive or restricted: %v", err)
	}
}
