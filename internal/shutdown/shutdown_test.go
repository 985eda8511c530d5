package shutdown

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestShutdownRunsAllHandlers(t *testing.T) {
	m := NewManager(zap.NewNop())

	var ran int32
	for i := 0; i < 3; i++ {
		m.Register("component", func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
	}

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&ran))
}

func TestShutdownContinuesPastFailures(t *testing.T) {
	m := NewManager(zap.NewNop())

	var ran int32
	m.Register("broken", func(context.Context) error { return errors.New("boom") })
	m.Register("healthy", func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestShutdownHonorsDeadline(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
