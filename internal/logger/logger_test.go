package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSanitizerMasksSensitiveFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(NewSanitizerCore(core, []string{"password", "token"}, "****"))

	logger.Info("login attempt",
		zap.String("username", "alice"),
		zap.String("Password", "swordfish"),
		zap.String("token", "abc123"),
	)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "alice", fields["username"])
	assert.Equal(t, "****", fields["Password"])
	assert.Equal(t, "****", fields["token"])
}

func TestSanitizerPreservesWithFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(NewSanitizerCore(core, []string{"session_token"}, "xx"))

	logger.With(zap.String("session_token", "secret-value")).Info("verified")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "xx", logs.All()[0].ContextMap()["session_token"])
}

func TestManagerFallsBackToDefault(t *testing.T) {
	m, err := NewManager("")
	require.NoError(t, err)

	assert.NotNil(t, m.Get("annovault"))
	assert.Same(t, m.Get("annovault"), m.Get("no-such-logger"))
}

func TestManagerLoadsNamedLoggers(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "log.config.json")
	cfg := `{"loggers":{"annovault":{"level":"debug","outputPaths":["` +
		filepath.ToSlash(filepath.Join(dir, "app.log")) + `"]},"audit":{"level":"info"}}}`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	m, err := NewManager(cfgPath)
	require.NoError(t, err)

	assert.NotNil(t, m.Get("audit"))
	assert.NotSame(t, m.Get("annovault"), m.Get("audit"))
}

func TestManagerMissingFileIsNotFatal(t *testing.T) {
	m, err := NewManager("/nonexistent/log.config.json")
	require.NoError(t, err)
	assert.NotNil(t, m.Get("annovault"))
}

func TestApplyDefaultsFillsGaps(t *testing.T) {
	cfg := Config{Level: "debug"}
	applyDefaults(&cfg)

	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, DefaultConfig.OutputPaths, cfg.OutputPaths)
	assert.Equal(t, DefaultConfig.LogRotation.MaxSizeMB, cfg.LogRotation.MaxSizeMB)
	assert.Contains(t, cfg.Sanitization.SensitiveFields, "password")
}
