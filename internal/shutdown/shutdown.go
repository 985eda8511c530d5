// Package shutdown coordinates the teardown of the server's components:
// the HTTP listener, the audit recorder, the account store and the loggers.
package shutdown

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type handler struct {
	name string
	fn   func(context.Context) error
}

type Manager struct {
	mu       sync.Mutex
	handlers []handler
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register adds a named teardown step. Steps run concurrently on Shutdown.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler{name: name, fn: fn})
}

// Shutdown runs every registered step and waits for all of them or for the
// context to expire, whichever comes first. Step failures are logged, not
// returned: one component failing to stop must not keep the rest running.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	handlers := make([]handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h handler) {
			defer wg.Done()
			if err := h.fn(ctx); err != nil {
				m.logger.Error("shutdown step failed",
					zap.String("component", h.name), zap.Error(err))
			}
		}(h)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown interrupted: %w", ctx.Err())
	case <-done:
		return nil
	}
}
