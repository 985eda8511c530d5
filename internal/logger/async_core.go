package logger

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap/zapcore"
)

type bufferedEntry struct {
	entry  zapcore.Entry
	fields []zapcore.Field
}

// AsyncCore decouples log writes from the request path: entries go into a
// buffered channel and a single goroutine drains them in batches. When the
// buffer is full entries are dropped and counted rather than blocking the
// caller.
type AsyncCore struct {
	core          zapcore.Core
	entries       chan bufferedEntry
	quit          chan struct{}
	wg            sync.WaitGroup
	batchSize     int
	flushInterval time.Duration
	dropped       uint64
}

func NewAsyncCore(core zapcore.Core, bufferSize, batchSize int, flushInterval time.Duration) *AsyncCore {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if batchSize <= 0 || batchSize > bufferSize {
		batchSize = bufferSize / 10
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}

	ac := &AsyncCore{
		core:          core,
		entries:       make(chan bufferedEntry, bufferSize),
		quit:          make(chan struct{}),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}

	ac.wg.Add(1)
	go ac.drain()
	return ac
}

func (ac *AsyncCore) drain() {
	defer ac.wg.Done()

	ticker := time.NewTicker(ac.flushInterval)
	defer ticker.Stop()

	batch := make([]bufferedEntry, 0, ac.batchSize)
	flush := func() {
		for _, e := range batch {
			if err := ac.core.Write(e.entry, e.fields); err != nil {
				fmt.Printf("log write failed: %v\n", err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-ac.entries:
			batch = append(batch, e)
			if len(batch) >= ac.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
			if dropped := atomic.SwapUint64(&ac.dropped, 0); dropped > 0 {
				ac.core.Write(zapcore.Entry{
					Level:   zapcore.WarnLevel,
					Time:    time.Now(),
					Message: fmt.Sprintf("dropped %d log entries, buffer full", dropped),
				}, nil)
			}
		case <-ac.quit:
			for {
				select {
				case e := <-ac.entries:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ac *AsyncCore) Enabled(level zapcore.Level) bool {
	return ac.core.Enabled(level)
}

func (ac *AsyncCore) With(fields []zapcore.Field) zapcore.Core {
	return &AsyncCore{
		core:          ac.core.With(fields),
		entries:       ac.entries,
		quit:          ac.quit,
		batchSize:     ac.batchSize,
		flushInterval: ac.flushInterval,
	}
}

func (ac *AsyncCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ac.Enabled(entry.Level) {
		return ce.AddCore(entry, ac)
	}
	return ce
}

func (ac *AsyncCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	select {
	case ac.entries <- bufferedEntry{entry: entry, fields: fields}:
	default:
		atomic.AddUint64(&ac.dropped, 1)
	}
	return nil
}

// Sync stops the drain goroutine, flushes everything buffered, and syncs
// the wrapped core. The core is unusable afterwards.
func (ac *AsyncCore) Sync() error {
	close(ac.quit)
	ac.wg.Wait()
	return ac.core.Sync()
}
