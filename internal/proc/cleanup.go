package proc

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/skybeam/groundstation/internal/debug"
)

const sweepTimeout = 2 * time.Second

// FindByPattern returns the PIDs of processes whose command line matches
// pattern, excluding the current process. Best-effort: a missing pgrep
// or a transient failure yields an empty result, never an error — stale
// cleanup must not block a new run from starting.
func FindByPattern(ctx context.Context, pattern string) []int {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "pgrep", "-f", pattern).Output()
	if err != nil {
		// Exit status 1 means no matches; anything else (pgrep missing,
		// timeout) is also treated as "nothing found".
		return nil
	}

	self := os.Getpid()
	var pids []int
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid == self {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// TerminatePID sends SIGTERM to a single process. A process that died
// between discovery and the signal is not an error.
func TerminatePID(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

// KillByPattern force-kills every process whose command line matches
// pattern. Best-effort, used as the final sweep after a stop sequence.
func KillByPattern(ctx context.Context, pattern string) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	if err := exec.CommandContext(ctx, "pkill", "-9", "-f", pattern).Run(); err != nil {
		// No matches or pkill unavailable; either way there is nothing
		// left to do.
		debug.LogKV("proc", "pattern kill sweep finished", "pattern", pattern, "err", err)
	}
}
