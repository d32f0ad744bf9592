// Package autosave persists engagement snapshots to the backend of record.
// Saves are debounced after edits, serialized, skipped when nothing changed
// since the last acknowledged save, and never discard local state on failure.
package autosave

import (
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"engagementcore/internal/telemetry"
	"engagementcore/pkg/domain"
)

// DefaultDebounce is the settle time after the last edit before a save.
const DefaultDebounce = 2 * time.Second

// Trigger names what started a save.
type Trigger string

// Save triggers.
const (
	TriggerDebounce Trigger = "debounce"
	TriggerExplicit Trigger = "explicit"
	TriggerFlush    Trigger = "flush"
)

// ErrClosed is returned by saves requested after Close.
var ErrClosed = errors.New("autosave controller closed")

// CaptureFunc returns the current engagement state to persist.
type CaptureFunc func() domain.EngagementSnapshot

// Notice is delivered when a save fails. Editing is never blocked; the
// controller stays dirty until a later save succeeds.
type Notice struct {
	Trigger  Trigger
	Err      error
	At       time.Time
	Failures int
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the scheduling clock.
func WithClock(c Clock) Option {
	return func(ctl *Controller) {
		if c != nil {
			ctl.clock = c
		}
	}
}

// WithDebounce overrides the settle time.
func WithDebounce(d time.Duration) Option {
	return func(ctl *Controller) {
		if d > 0 {
			ctl.debounce = d
		}
	}
}

// WithSaveTimeout bounds timer-triggered saves, which have no caller context.
func WithSaveTimeout(d time.Duration) Option {
	return func(ctl *Controller) { ctl.timeout = d }
}

// WithFailureHandler receives a Notice for every failed save.
func WithFailureHandler(fn func(Notice)) Option {
	return func(ctl *Controller) { ctl.onFailure = fn }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ctl *Controller) {
		if logger != nil {
			ctl.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(ctl *Controller) {
		if m != nil {
			ctl.metrics = m
		}
	}
}

// WithTracer sets the tracer used for save spans.
func WithTracer(t trace.Tracer) Option {
	return func(ctl *Controller) {
		if t != nil {
			ctl.tracer = t
		}
	}
}

// Controller owns the dirty flag and the debounce timer for one engagement.
type Controller struct {
	backend      domain.SnapshotBackend
	engagementID string
	capture      CaptureFunc
	clock        Clock
	debounce     time.Duration
	timeout      time.Duration
	onFailure    func(Notice)
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	tracer       trace.Tracer

	// saveMu serializes saves so an older snapshot never lands after a newer one.
	saveMu sync.Mutex

	mu         sync.Mutex
	dirty      bool
	generation uint64
	timer      Timer
	lastHash   [sha256.Size]byte
	hasHash    bool
	failures   int
	lastSaved  time.Time
	closed     bool
}

// New returns a clean controller saving capture() to backend.
func New(backend domain.SnapshotBackend, engagementID string, capture CaptureFunc, opts ...Option) *Controller {
	c := &Controller{
		backend:      backend,
		engagementID: engagementID,
		capture:      capture,
		clock:        RealClock(),
		debounce:     DefaultDebounce,
		timeout:      30 * time.Second,
		logger:       telemetry.Component(nil, "autosave"),
		tracer:       telemetry.Tracer("autosave"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = telemetry.OrNew(c.metrics)
	return c
}

// MarkClean records snapshot as already persisted, e.g. right after loading
// it from the backend, so an unchanged session is not saved again.
func (c *Controller) MarkClean(snapshot domain.EngagementSnapshot) {
	data, err := domain.EncodeSnapshot(snapshot)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = false
	if err == nil {
		c.lastHash = sha256.Sum256(data)
		c.hasHash = true
	}
	c.metrics.SetDirty(false)
}

// MarkDirty flags unsaved changes and restarts the debounce timer.
func (c *Controller) MarkDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.dirty = true
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.clock.AfterFunc(c.debounce, c.fire)
	c.metrics.SetDirty(true)
}

// Dirty reports whether unsaved changes exist.
func (c *Controller) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// Failures returns the number of consecutive failed saves.
func (c *Controller) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// LastSaved returns the time of the last acknowledged save.
func (c *Controller) LastSaved() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSaved
}

func (c *Controller) fire() {
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	// Failures are reported through the notice and the log.
	_ = c.save(ctx, TriggerDebounce)
}

// Save persists the current state now, cancelling any pending debounce.
func (c *Controller) Save(ctx context.Context) error {
	return c.save(ctx, TriggerExplicit)
}

// Flush saves only when there are unsaved changes.
func (c *Controller) Flush(ctx context.Context) error {
	if !c.Dirty() {
		return nil
	}
	return c.save(ctx, TriggerFlush)
}

// Close flushes pending changes and stops scheduling further saves.
func (c *Controller) Close(ctx context.Context) error {
	err := c.Flush(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return err
}

func (c *Controller) save(ctx context.Context, trigger Trigger) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if trigger != TriggerDebounce && c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	generation := c.generation
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "autosave.save", trace.WithAttributes(
		attribute.String("engagement_id", c.engagementID),
		attribute.String("trigger", string(trigger)),
	))
	started := time.Now()

	snapshot := c.capture()
	snapshot.EngagementID = c.engagementID
	if snapshot.SchemaVersion == "" {
		snapshot.SchemaVersion = domain.SnapshotSchemaVersion
	}
	data, err := domain.EncodeSnapshot(snapshot)
	if err != nil {
		c.failed(trigger, err)
		telemetry.EndSpan(span, err)
		return err
	}
	hash := sha256.Sum256(data)

	c.mu.Lock()
	unchanged := c.hasHash && hash == c.lastHash
	if unchanged && c.generation == generation {
		c.dirty = false
		c.metrics.SetDirty(false)
	}
	c.mu.Unlock()
	if unchanged {
		c.metrics.AutosaveAttempts.WithLabelValues(telemetry.OutcomeSkipped).Inc()
		span.SetAttributes(attribute.Bool("skipped", true))
		telemetry.EndSpan(span, nil)
		return nil
	}

	if err := c.backend.SaveSnapshot(ctx, c.engagementID, snapshot); err != nil {
		c.metrics.AutosaveDuration.Observe(time.Since(started).Seconds())
		c.failed(trigger, err)
		telemetry.EndSpan(span, err)
		return err
	}
	c.metrics.AutosaveDuration.Observe(time.Since(started).Seconds())
	c.metrics.AutosaveAttempts.WithLabelValues(telemetry.OutcomeSuccess).Inc()

	c.mu.Lock()
	c.lastHash = hash
	c.hasHash = true
	c.failures = 0
	c.lastSaved = c.clock.Now()
	// Edits made while the save was in flight keep the session dirty.
	if c.generation == generation {
		c.dirty = false
	}
	dirty := c.dirty
	c.mu.Unlock()
	c.metrics.SetDirty(dirty)

	c.logger.Debug("snapshot saved", "engagement_id", c.engagementID, "trigger", trigger, "bytes", len(data), "still_dirty", dirty)
	telemetry.EndSpan(span, nil)
	return nil
}

func (c *Controller) failed(trigger Trigger, err error) {
	c.mu.Lock()
	c.dirty = true
	c.failures++
	notice := Notice{Trigger: trigger, Err: err, At: c.clock.Now(), Failures: c.failures}
	c.mu.Unlock()
	c.metrics.SetDirty(true)
	c.metrics.AutosaveAttempts.WithLabelValues(telemetry.OutcomeFailure).Inc()
	c.logger.Warn("autosave failed", "engagement_id", c.engagementID, "trigger", trigger, "failures", notice.Failures, "error", err)
	if c.onFailure != nil {
		c.onFailure(notice)
	}
}
