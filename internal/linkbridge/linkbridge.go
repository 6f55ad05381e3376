// Package linkbridge provides the virtual pseudo-serial pair that
// stands in for the radio transceiver between the relay and the
// airborne gate. Two implementations exist: one spawns socat, one
// opens an in-process PTY pair.
package linkbridge

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/skybeam/groundstation/internal/config"
	"github.com/skybeam/groundstation/internal/debug"
	"github.com/skybeam/groundstation/internal/proc"
)

const stopTimeout = 5 * time.Second

// Bridge is a virtual serial link with two named endpoints. The relay
// attaches to one side, the airborne gate to the other; bytes written
// at either end appear at the other.
type Bridge interface {
	// EnsureStarted brings the link up if it is not already. Calling it
	// on a running bridge is a no-op.
	EnsureStarted() error
	// Running reports whether the link is currently up.
	Running() bool
	// PID returns the OS process id of the link process, or 0 when the
	// link is down or runs in-process.
	PID() int
	// Stop tears the link down and removes its endpoint files.
	Stop()
}

// New selects the bridge implementation from the link configuration.
// A nil starter spawns real OS processes.
func New(link config.Link, start proc.Starter) (Bridge, error) {
	if start == nil {
		start = proc.Start
	}
	switch link.Mode {
	case "socat":
		return &socatBridge{link: link, start: start}, nil
	case "pty":
		return &ptyBridge{link: link}, nil
	default:
		return nil, fmt.Errorf("linkbridge: unknown mode %q", link.Mode)
	}
}

// socatBridge runs the external socat utility, which creates two PTYs
// and shovels bytes between them.
type socatBridge struct {
	link  config.Link
	start proc.Starter

	mu     sync.Mutex
	handle proc.Handle
}

func (b *socatBridge) EnsureStarted() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handle != nil && !b.handle.Exited() {
		return nil
	}
	b.handle = nil

	if _, err := exec.LookPath(b.link.SocatBin); err != nil {
		return fmt.Errorf("linkbridge: %s not found, install it or switch link mode to pty: %w",
			b.link.SocatBin, err)
	}

	// Stale link files from a crashed run shadow the new PTYs.
	removeLinkFile(b.link.TXPath)
	removeLinkFile(b.link.RXPath)

	h, err := b.start(proc.Command{
		Path: b.link.SocatBin,
		Args: []string{
			"-d", "-d",
			fmt.Sprintf("PTY,link=%s,raw,echo=0", b.link.TXPath),
			fmt.Sprintf("PTY,link=%s,raw,echo=0", b.link.RXPath),
		},
	})
	if err != nil {
		return fmt.Errorf("linkbridge: start %s: %w", b.link.SocatBin, err)
	}
	b.handle = h
	debug.LogKV("linkbridge", "socat started",
		"pid", h.PID(), "tx", b.link.TXPath, "rx", b.link.RXPath)
	return nil
}

func (b *socatBridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle != nil && !b.handle.Exited()
}

func (b *socatBridge) PID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle == nil || b.handle.Exited() {
		return 0
	}
	return b.handle.PID()
}

func (b *socatBridge) Stop() {
	b.mu.Lock()
	h := b.handle
	b.handle = nil
	b.mu.Unlock()

	if h != nil && !h.Exited() {
		_ = h.Terminate()
		if !proc.WaitExit(h, stopTimeout) {
			_ = h.Kill()
			proc.WaitExit(h, time.Second)
		}
	}
	removeLinkFile(b.link.TXPath)
	removeLinkFile(b.link.RXPath)
}

func removeLinkFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		debug.LogKV("linkbridge", "remove link file failed", "path", path, "err", err)
	}
}
