package linkbridge

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/creack/pty"

	"github.com/skybeam/groundstation/internal/config"
	"github.com/skybeam/groundstation/internal/debug"
)

// ptyBridge opens two PTY pairs in-process and shovels bytes between
// the masters, then symlinks the replica devices to the configured
// endpoint paths. No external binary needed, at the cost of two copy
// goroutines per link.
type ptyBridge struct {
	link config.Link

	mu      sync.Mutex
	running bool
	closers []io.Closer
	done    chan struct{}
}

func (b *ptyBridge) EnsureStarted() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	removeLinkFile(b.link.TXPath)
	removeLinkFile(b.link.RXPath)

	txMaster, txReplica, err := pty.Open()
	if err != nil {
		return fmt.Errorf("linkbridge: open tx pty: %w", err)
	}
	rxMaster, rxReplica, err := pty.Open()
	if err != nil {
		txMaster.Close()
		txReplica.Close()
		return fmt.Errorf("linkbridge: open rx pty: %w", err)
	}

	if err := os.Symlink(txReplica.Name(), b.link.TXPath); err != nil {
		closeAll(txMaster, txReplica, rxMaster, rxReplica)
		return fmt.Errorf("linkbridge: link %s: %w", b.link.TXPath, err)
	}
	if err := os.Symlink(rxReplica.Name(), b.link.RXPath); err != nil {
		removeLinkFile(b.link.TXPath)
		closeAll(txMaster, txReplica, rxMaster, rxReplica)
		return fmt.Errorf("linkbridge: link %s: %w", b.link.RXPath, err)
	}

	done := make(chan struct{})
	go shovel(rxMaster, txMaster, done)
	go shovel(txMaster, rxMaster, done)

	b.running = true
	b.closers = []io.Closer{txMaster, txReplica, rxMaster, rxReplica}
	b.done = done
	debug.LogKV("linkbridge", "pty pair opened",
		"tx", txReplica.Name(), "rx", rxReplica.Name())
	return nil
}

func (b *ptyBridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// PID is always 0: the pty bridge has no dedicated process.
func (b *ptyBridge) PID() int { return 0 }

func (b *ptyBridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}
	b.running = false
	close(b.done)
	for _, c := range b.closers {
		c.Close()
	}
	b.closers = nil
	removeLinkFile(b.link.TXPath)
	removeLinkFile(b.link.RXPath)
}

// shovel copies dst<-src until the bridge stops or either side errors.
func shovel(dst io.Writer, src io.Reader, done <-chan struct{}) {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
		select {
		case <-done:
			return
		default:
		}
	}
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		c.Close()
	}
}
