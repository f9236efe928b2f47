// Package shutdown ties a command's lifetime to process signals. Operations
// run under Context, which is cancelled on SIGINT/SIGTERM, and registered
// cleanups run exactly once when the command finishes or is interrupted.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"planesync/internal/utils"
)

// CleanupFunc releases a resource. The context expires when the cleanup
// deadline passes.
type CleanupFunc func(ctx context.Context) error

type cleanupEntry struct {
	name string
	fn   CleanupFunc
}

// Manager coordinates cancellation and cleanup for one command.
type Manager struct {
	mu        sync.Mutex
	cleanups  []cleanupEntry
	triggered bool
	signal    os.Signal

	ctx    context.Context
	cancel context.CancelFunc
	stop   func()

	closeOnce sync.Once
	closeErr  error
}

// NewManager returns a manager whose context derives from parent.
func NewManager(parent context.Context) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{ctx: ctx, cancel: cancel, stop: func() {}}
}

// Listen cancels the context when one of signals arrives. Without
// arguments SIGINT and SIGTERM are used.
func (m *Manager) Listen(signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	done := make(chan struct{})

	m.mu.Lock()
	m.stop = func() {
		signal.Stop(ch)
		close(done)
	}
	m.mu.Unlock()

	go func() {
		select {
		case sig := <-ch:
			utils.Warnf("Received %s, stopping", sig)
			m.mu.Lock()
			m.signal = sig
			m.mu.Unlock()
			m.Trigger()
		case <-done:
		}
	}()
}

// Register adds a cleanup. Cleanups run in reverse registration order.
func (m *Manager) Register(name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanupEntry{name: name, fn: fn})
}

// Trigger cancels the context. Safe to call more than once.
func (m *Manager) Trigger() {
	m.mu.Lock()
	m.triggered = true
	m.mu.Unlock()
	m.cancel()
}

// Interrupted reports whether Trigger was called or a signal arrived.
func (m *Manager) Interrupted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggered
}

// Signal returns the signal that interrupted the command, or nil.
func (m *Manager) Signal() os.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signal
}

// Context is cancelled when the command is interrupted or closed.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Close stops listening for signals, cancels the context and runs every
// cleanup within timeout. A failing cleanup does not stop the others; the
// first error is returned. Later calls return the same result.
func (m *Manager) Close(timeout time.Duration) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		stop := m.stop
		cleanups := make([]cleanupEntry, len(m.cleanups))
		copy(cleanups, m.cleanups)
		m.mu.Unlock()

		stop()
		m.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			var first error
			for i := len(cleanups) - 1; i >= 0; i-- {
				c := cleanups[i]
				if err := c.fn(ctx); err != nil {
					utils.Warnf("Cleanup %s failed: %v", c.name, err)
					if first == nil {
						first = errors.Wrapf(err, "cleanup %s", c.name)
					}
				}
			}
			done <- first
		}()

		select {
		case m.closeErr = <-done:
		case <-ctx.Done():
			m.closeErr = errors.Wrap(ctx.Err(), "cleanup timed out")
		}
	})
	return m.closeErr
}
