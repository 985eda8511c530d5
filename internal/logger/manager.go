package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Manager owns the named loggers built from the log config file and is the
// single point the shutdown path syncs.
type Manager struct {
	mu      sync.RWMutex
	loggers map[string]*zap.Logger
}

// NewManager loads every logger named in configPath. A missing file is not
// an error; callers get the "annovault" default logger either way.
func NewManager(configPath string) (*Manager, error) {
	m := &Manager{loggers: make(map[string]*zap.Logger)}

	if configPath != "" {
		if err := m.loadFile(configPath); err != nil {
			return nil, err
		}
	}

	if _, ok := m.loggers["annovault"]; !ok {
		cfg := DefaultConfig
		fallback, err := build("annovault", &cfg)
		if err != nil {
			return nil, fmt.Errorf("building default logger: %w", err)
		}
		m.loggers["annovault"] = fallback
	}

	return m, nil
}

func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading log config %q: %w", path, err)
	}

	var wrapper struct {
		Loggers map[string]Config `json:"loggers"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("parsing log config %q: %w", path, err)
	}

	for name, cfg := range wrapper.Loggers {
		cfg := cfg
		logger, err := build(name, &cfg)
		if err != nil {
			return fmt.Errorf("building logger %q: %w", name, err)
		}
		m.loggers[name] = logger
	}

	return nil
}

// Get returns the named logger, falling back to the default when the name
// is unknown.
func (m *Manager) Get(name string) *zap.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if logger, ok := m.loggers[name]; ok {
		return logger
	}
	return m.loggers["annovault"]
}

// Sync flushes every managed logger, collecting errors rather than
// stopping at the first.
func (m *Manager) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for name, logger := range m.loggers {
		if err := logger.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("syncing logger %q: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("sync errors: %v", errs)
	}
	return nil
}
