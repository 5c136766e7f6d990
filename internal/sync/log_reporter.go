package sync

import (
	"log/slog"
	"sync"
	"time"

	"github.com/elba-security/elba-connect/internal/connectors/registry"
)

const defaultProgressInterval = 5 * time.Second

// LogReporter logs sync progress through slog. Vendor feeds are paginated
// with unknown totals, so per-page events are throttled by time and the
// cumulative record count is carried instead of a percentage.
type LogReporter struct {
	Logger           *slog.Logger
	ProgressInterval time.Duration

	mu    sync.Mutex
	state map[string]reporterState
}

type reporterState struct {
	lastLoggedAt time.Time
	records      int64
}

func (r *LogReporter) Report(e registry.Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := r.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}

	now := e.At
	if now.IsZero() {
		now = time.Now()
	}
	key := e.Source + "/" + e.Stage
	attrs := []any{"source", e.Source, "stage", e.Stage}

	r.mu.Lock()
	if r.state == nil {
		r.state = make(map[string]reporterState)
	}
	st := r.state[key]
	if e.Current > 0 {
		st.records += e.Current
	}

	if e.Err != nil {
		delete(r.state, key)
		r.mu.Unlock()
		logger.Error("sync stage failed", append(attrs, "records", st.records, "err", e.Err)...)
		return
	}
	if e.Done {
		delete(r.state, key)
		r.mu.Unlock()
		logger.Info("sync stage complete", append(attrs, "records", st.records)...)
		return
	}

	if !st.lastLoggedAt.IsZero() && now.Sub(st.lastLoggedAt) < interval {
		r.state[key] = st
		r.mu.Unlock()
		return
	}
	st.lastLoggedAt = now
	r.state[key] = st
	r.mu.Unlock()

	logger.Info("sync progress", append(attrs, "records", st.records)...)
}
