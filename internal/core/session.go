// Package core assembles the engagement Session: the aggregate root that
// owns the entity store, progress tracker, stage pipeline and autosave
// controller of one engagement, and the default rules applied to it.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"engagementcore/internal/autosave"
	"engagementcore/internal/blob"
	"engagementcore/internal/connector"
	"engagementcore/internal/entitystore"
	"engagementcore/internal/ingest"
	"engagementcore/internal/merge"
	"engagementcore/internal/pipeline"
	"engagementcore/internal/progress"
	"engagementcore/internal/telemetry"
	"engagementcore/pkg/domain"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrNotConnected is returned when syncing a connection without a live link.
	ErrNotConnected = errors.New("connection is not connected")
	// ErrNoConnector is returned by Connect when no connector client is configured.
	ErrNoConnector = errors.New("no connector configured")
	// ErrNoBlobStore is returned by document operations without a blob store.
	ErrNoBlobStore = errors.New("no document store configured")
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the structured logger shared by every session component.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus collectors shared by every component.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithTracer sets the tracer used for session operation spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Session) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock sets the time source for timestamps and the autosave debounce.
func WithClock(c autosave.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithIDGenerator overrides entity and artifact id assignment.
func WithIDGenerator(newID func() string) Option {
	return func(s *Session) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithAnalysis sets the collaborator that runs every pipeline stage.
func WithAnalysis(c pipeline.Collaborator) Option {
	return func(s *Session) { s.analysis = c }
}

// WithStageAnalysis routes one stage to its own collaborator.
func WithStageAnalysis(stage domain.StageID, c pipeline.Collaborator) Option {
	return func(s *Session) {
		if c != nil {
			s.stageAnalysis[stage] = c
		}
	}
}

// WithConnector sets the client used to reach external providers.
func WithConnector(c *connector.Client) Option {
	return func(s *Session) { s.connector = c }
}

// WithBlobStore sets the store holding uploaded document content.
func WithBlobStore(store blob.Store) Option {
	return func(s *Session) { s.blobs = store }
}

// WithRules adds rules evaluated on every store commit after the defaults.
func WithRules(rules ...domain.Rule) Option {
	return func(s *Session) { s.rules = append(s.rules, rules...) }
}

// WithAutosave tunes the autosave debounce and per-save timeout. Zero values
// keep the defaults.
func WithAutosave(debounce, saveTimeout time.Duration) Option {
	return func(s *Session) {
		s.debounce = debounce
		s.saveTimeout = saveTimeout
	}
}

// WithAutosaveNotices receives autosave failures.
func WithAutosaveNotices(fn func(autosave.Notice)) Option {
	return func(s *Session) { s.onSaveFailure = fn }
}

// Session is one open engagement. All mutations flow through the entity
// store, so progress and autosave observe every change.
type Session struct {
	id          string
	backend     domain.SnapshotBackend
	store       *entitystore.Store
	ingestor    *ingest.Ingestor
	tracker     *progress.Tracker
	pipeline    *pipeline.Engine
	autosave    *autosave.Controller
	unsubscribe func()

	analysis      pipeline.Collaborator
	stageAnalysis map[domain.StageID]pipeline.Collaborator
	connector     *connector.Client
	blobs         blob.Store
	rules         []domain.Rule

	logger        *slog.Logger
	metrics       *telemetry.Metrics
	tracer        trace.Tracer
	clock         autosave.Clock
	newID         func() string
	debounce      time.Duration
	saveTimeout   time.Duration
	onSaveFailure func(autosave.Notice)

	mu       sync.Mutex
	handles  map[string]*connector.Handle
	inFlight map[string]struct{}
	closed   bool
}

// Open restores engagementID from backend, or starts an empty engagement
// when nothing was saved yet, and wires its components together.
func Open(ctx context.Context, engagementID string, def pipeline.Definition, backend domain.SnapshotBackend, opts ...Option) (*Session, error) {
	if engagementID == "" {
		return nil, errors.New("engagement id required")
	}
	if backend == nil {
		return nil, errors.New("snapshot backend required")
	}
	s := &Session{
		id:            engagementID,
		backend:       backend,
		stageAnalysis: make(map[domain.StageID]pipeline.Collaborator),
		logger:        slog.Default(),
		tracer:        telemetry.Tracer("core"),
		clock:         autosave.RealClock(),
		handles:       make(map[string]*connector.Handle),
		inFlight:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = telemetry.OrNew(s.metrics)
	s.logger = s.logger.With("engagement", engagementID)

	rules := domain.NewRulesEngine(ConnectionTransitionRule(), DuplicateIdentityRule())
	for _, r := range s.rules {
		rules.Register(r)
	}
	storeOpts := []entitystore.Option{
		entitystore.WithClock(s.clock.Now),
		entitystore.WithRulesEngine(rules),
		entitystore.WithLogger(telemetry.Component(s.logger, "entitystore")),
	}
	var resolverOpts []merge.Option
	pipelineOpts := []pipeline.Option{
		pipeline.WithEngagementID(engagementID),
		pipeline.WithClock(s.clock.Now),
		pipeline.WithLogger(telemetry.Component(s.logger, "pipeline")),
		pipeline.WithMetrics(s.metrics),
	}
	if s.newID != nil {
		storeOpts = append(storeOpts, entitystore.WithIDGenerator(s.newID))
		resolverOpts = append(resolverOpts, merge.WithIDGenerator(s.newID))
		pipelineOpts = append(pipelineOpts, pipeline.WithIDGenerator(s.newID))
	}
	for stage, c := range s.stageAnalysis {
		pipelineOpts = append(pipelineOpts, pipeline.WithStageCollaborator(stage, c))
	}

	s.store = entitystore.New(storeOpts...)
	engine, err := pipeline.New(def, s.analysis, pipelineOpts...)
	if err != nil {
		return nil, err
	}
	s.pipeline = engine
	s.ingestor = ingest.New(s.store, merge.NewResolver(resolverOpts...),
		ingest.WithLogger(telemetry.Component(s.logger, "ingest")),
		ingest.WithMetrics(s.metrics),
	)

	loaded, found, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	// The tracker subscribes first so autosave and any later listener see
	// fresh progress.
	s.tracker = progress.NewTracker(s.store, s.metrics)
	saveOpts := []autosave.Option{
		autosave.WithClock(s.clock),
		autosave.WithLogger(telemetry.Component(s.logger, "autosave")),
		autosave.WithMetrics(s.metrics),
		autosave.WithFailureHandler(s.onSaveFailure),
	}
	if s.debounce > 0 {
		saveOpts = append(saveOpts, autosave.WithDebounce(s.debounce))
	}
	if s.saveTimeout > 0 {
		saveOpts = append(saveOpts, autosave.WithSaveTimeout(s.saveTimeout))
	}
	s.autosave = autosave.New(backend, engagementID, s.Snapshot, saveOpts...)
	s.unsubscribe = s.store.Subscribe(func(entitystore.Event) { s.autosave.MarkDirty() })
	s.pipeline.Subscribe(func(pipeline.Event) { s.autosave.MarkDirty() })

	if found {
		s.autosave.MarkClean(loaded)
		if interrupted(loaded.Pipeline) {
			s.autosave.MarkDirty()
		}
	}
	s.logger.Info("session opened", "restored", found, "entities", loaded.Entities.Len(), "pipeline", def.Name)
	return s, nil
}

func (s *Session) load(ctx context.Context) (domain.EngagementSnapshot, bool, error) {
	snap, err := s.backend.LoadSnapshot(ctx, s.id)
	if errors.Is(err, domain.ErrSnapshotNotFound) {
		return domain.EngagementSnapshot{}, false, nil
	}
	if err != nil {
		return domain.EngagementSnapshot{}, false, fmt.Errorf("load engagement %s: %w", s.id, err)
	}
	if err := s.store.Import(snap.Entities); err != nil {
		return domain.EngagementSnapshot{}, false, fmt.Errorf("restore engagement %s: %w", s.id, err)
	}
	s.pipeline.Restore(snap.Pipeline)
	return snap, true, nil
}

func interrupted(p domain.PipelineSnapshot) bool {
	for _, rec := range p.Stages {
		if rec.Status == domain.StageRunning {
			return true
		}
	}
	return false
}

// ID returns the engagement id.
func (s *Session) ID() string { return s.id }

// Store returns the entity store.
func (s *Session) Store() *entitystore.Store { return s.store }

// Pipeline returns the stage engine.
func (s *Session) Pipeline() *pipeline.Engine { return s.pipeline }

// Snapshot captures the full engagement state.
func (s *Session) Snapshot() domain.EngagementSnapshot {
	return domain.EngagementSnapshot{
		SchemaVersion: domain.SnapshotSchemaVersion,
		EngagementID:  s.id,
		Entities:      s.store.Export(),
		Pipeline:      s.pipeline.Snapshot(),
	}
}

// track times an operation; call the result with the operation's error.
func (s *Session) track(ctx context.Context, operation string) func(*error) {
	started := time.Now()
	return func(err *error) {
		s.metrics.Observe(ctx, operation, *err == nil, time.Since(started))
	}
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// begin marks key in flight, failing with domain.ErrInFlight when it already is.
func (s *Session) begin(key string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, busy := s.inFlight[key]; busy {
		return nil, fmt.Errorf("%s: %w", key, domain.ErrInFlight)
	}
	s.inFlight[key] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.inFlight, key)
		s.mu.Unlock()
	}, nil
}

// Add stores a manually entered record as is. No duplicate detection is
// performed; the duplicate identity rule reports suspected duplicates as
// warnings in the result.
func (s *Session) Add(ctx context.Context, e domain.Entity) (created domain.Entity, res domain.Result, err error) {
	defer s.track(ctx, "add")(&err)
	if err := s.checkOpen(); err != nil {
		return nil, domain.Result{}, err
	}
	res, err = s.store.RunInTransaction(ctx, func(tx *entitystore.Transaction) error {
		var err error
		created, err = tx.Add(e)
		return err
	})
	return created, res, err
}

// Update merges the non-empty fields of partial into the record under id.
func (s *Session) Update(ctx context.Context, kind domain.EntityKind, id string, partial domain.Entity) (updated domain.Entity, res domain.Result, err error) {
	defer s.track(ctx, "update")(&err)
	if err := s.checkOpen(); err != nil {
		return nil, domain.Result{}, err
	}
	if partial != nil && partial.Meta().Source == "" {
		meta := partial.Meta()
		meta.Source = domain.SourceManual
		partial = partial.WithMeta(meta)
	}
	res, err = s.store.RunInTransaction(ctx, func(tx *entitystore.Transaction) error {
		var err error
		updated, err = tx.Update(kind, id, partial)
		return err
	})
	return updated, res, err
}

// Remove deletes the record; removing an unknown id is a no-op.
func (s *Session) Remove(ctx context.Context, kind domain.EntityKind, id string) (removed bool, err error) {
	defer s.track(ctx, "remove")(&err)
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.store.Remove(ctx, kind, id)
}

// Get returns the record under id.
func (s *Session) Get(kind domain.EntityKind, id string) (domain.Entity, bool) {
	return s.store.Get(kind, id)
}

// List returns every record of kind in insertion order.
func (s *Session) List(kind domain.EntityKind) []domain.Entity {
	return s.store.List(kind)
}

// Ingest runs adapter through the merge resolver into the store.
func (s *Session) Ingest(ctx context.Context, adapter ingest.Adapter) (report ingest.Report, err error) {
	defer s.track(ctx, "ingest")(&err)
	if err := s.checkOpen(); err != nil {
		return ingest.Report{}, err
	}
	return s.ingestor.Ingest(ctx, adapter)
}

// ImportSpreadsheet ingests a CSV or XLSX file of one kind. Only one import
// per kind runs at a time.
func (s *Session) ImportSpreadsheet(ctx context.Context, kind domain.EntityKind, name string, data []byte) (ingest.Report, error) {
	done, err := s.begin("import:" + string(kind))
	if err != nil {
		return ingest.Report{}, err
	}
	defer done()
	return s.Ingest(ctx, ingest.Spreadsheet{Kind: kind, Name: name, Data: data})
}

// Progress returns the latest intake progress report.
func (s *Session) Progress() progress.Report { return s.tracker.Report() }

// OnProgress registers fn to receive every recomputed progress report.
func (s *Session) OnProgress(fn func(progress.Report)) { s.tracker.OnChange(fn) }

// RunStage runs one pipeline stage against the current entity state.
func (s *Session) RunStage(ctx context.Context, stage domain.StageID) (artifacts []domain.StageArtifact, err error) {
	defer s.track(ctx, "run_stage")(&err)
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.pipeline.Run(ctx, stage, s.store.Export())
}

// Stages returns the status of every stage in definition order.
func (s *Session) Stages() []pipeline.Status { return s.pipeline.Statuses() }

// Dirty reports whether there are unsaved changes.
func (s *Session) Dirty() bool { return s.autosave.Dirty() }

// Save persists the engagement now. The error is returned to the caller; a
// failed save leaves the session dirty and editable.
func (s *Session) Save(ctx context.Context) (err error) {
	defer s.track(ctx, "save")(&err)
	return s.autosave.Save(ctx)
}

// Close flushes unsaved changes, then detaches every component. The session
// is unusable afterwards even when the flush fails.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.handles = make(map[string]*connector.Handle)
	s.mu.Unlock()

	err := s.autosave.Close(ctx)
	s.unsubscribe()
	s.tracker.Close()
	if err != nil {
		s.logger.Warn("flush on close failed", "error", err)
		return fmt.Errorf("flush engagement %s: %w", s.id, err)
	}
	s.logger.Info("session closed")
	return nil
}
