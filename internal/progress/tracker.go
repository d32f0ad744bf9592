package progress

import (
	"sync"

	"engagementcore/internal/entitystore"
	"engagementcore/internal/telemetry"
)

// Tracker keeps the latest Report current by recomputing it synchronously on
// every committed store change.
type Tracker struct {
	store       *entitystore.Store
	metrics     *telemetry.Metrics
	mu          sync.RWMutex
	report      Report
	version     uint64
	listeners   []func(Report)
	unsubscribe func()
}

// NewTracker computes the initial report and subscribes to store. Subscribe
// the tracker before any other store listener so they observe fresh progress.
func NewTracker(store *entitystore.Store, metrics *telemetry.Metrics) *Tracker {
	t := &Tracker{store: store, metrics: telemetry.OrNew(metrics)}
	t.Refresh()
	t.unsubscribe = store.Subscribe(func(entitystore.Event) { t.Refresh() })
	return t
}

// Refresh recomputes the report from the current store state.
func (t *Tracker) Refresh() Report {
	view := t.store.View()
	report := Compute(view)
	t.mu.Lock()
	t.report = report
	t.version = view.Version()
	listeners := append([]func(Report){}, t.listeners...)
	t.mu.Unlock()

	t.metrics.Progress.Set(float64(report.Overall))
	for _, l := range listeners {
		l(report)
	}
	return report
}

// Report returns the latest computed report.
func (t *Tracker) Report() Report {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.report
}

// Version returns the store version the latest report was computed at.
func (t *Tracker) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// OnChange registers fn to receive every recomputed report.
func (t *Tracker) OnChange(fn func(Report)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Close detaches the tracker from the store.
func (t *Tracker) Close() {
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
	}
}
