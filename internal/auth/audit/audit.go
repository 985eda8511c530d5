// Package audit is the append-only security audit trail. Writes are
// best-effort: the account mutation that triggered an event is the source
// of truth, and a failed audit write is reported on the operational log
// without failing or rolling back the primary action.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/asierdev/annovault/internal/auth/models"
	"github.com/asierdev/annovault/internal/auth/store"
)

type Recorder struct {
	store  *store.SQLiteStore
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewRecorder(s *store.SQLiteStore, logger *zap.Logger) *Recorder {
	return &Recorder{store: s, logger: logger}
}

// Record appends entry to the trail without blocking the caller. The write
// happens on its own goroutine with its own deadline so a slow store cannot
// stall the request path.
func (r *Recorder) Record(entry models.AuditEntry) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := r.store.InsertAudit(ctx, &entry); err != nil {
			r.logger.Error("audit write failed",
				zap.String("kind", string(entry.Kind)),
				zap.Int64("account_id", entry.AccountID),
				zap.Error(err))
		}
	}()
}

// Query returns entries matching filter for operator consumption, newest
// first.
func (r *Recorder) Query(ctx context.Context, f store.AuditFilter) ([]models.AuditEntry, error) {
	return r.store.QueryAudit(ctx, f)
}

// Flush waits for in-flight writes. Called at shutdown and by tests.
func (r *Recorder) Flush() {
	r.wg.Wait()
}
