// Package pipeline gates a DAG of analysis stages. A stage runs only when
// every prerequisite holds a successful artifact; fan-out stages call the
// analysis collaborator once per area, sequentially, and keep completed areas
// across failures so a retry only redoes the remainder.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"engagementcore/internal/telemetry"
	"engagementcore/pkg/domain"
)

// InterruptedReason is recorded on stages restored while running.
const InterruptedReason = "interrupted"

// StageInput is sent to the analysis collaborator for one call.
type StageInput struct {
	EngagementID string                                    `json:"engagement_id"`
	Pipeline     string                                    `json:"pipeline"`
	Stage        domain.StageID                            `json:"stage"`
	Area         string                                    `json:"area,omitempty"`
	Entities     domain.EntitySnapshot                     `json:"entities"`
	Prior        map[domain.StageID][]domain.StageArtifact `json:"prior"`
}

// Collaborator performs the analysis for one stage call and returns the
// artifact payload.
type Collaborator interface {
	Invoke(ctx context.Context, input StageInput) (json.RawMessage, error)
}

// CollaboratorFunc adapts a function to Collaborator.
type CollaboratorFunc func(ctx context.Context, input StageInput) (json.RawMessage, error)

// Invoke implements Collaborator.
func (f CollaboratorFunc) Invoke(ctx context.Context, input StageInput) (json.RawMessage, error) {
	return f(ctx, input)
}

// StageError reports a failed collaborator call.
type StageError struct {
	Stage domain.StageID
	Area  string
	Err   error
}

func (e StageError) Error() string {
	if e.Area != "" {
		return fmt.Sprintf("stage %s area %s failed: %v", e.Stage, e.Area, e.Err)
	}
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e StageError) Unwrap() error { return e.Err }

// Event is published after every stage state change.
type Event struct {
	Stage domain.StageID
	State domain.StageState
	Area  string
	Err   error
}

// Status is a read-only view of one stage.
type Status struct {
	Stage          domain.StageID
	State          domain.StageState
	Stale          bool
	StaleBecause   []domain.StageID
	LastError      string
	CompletedAreas []string
	PendingAreas   []string
	Artifacts      []domain.StageArtifact
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the artifact timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

// WithIDGenerator overrides artifact id assignment.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer sets the tracer used for stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithEngagementID tags collaborator inputs with the engagement id.
func WithEngagementID(id string) Option {
	return func(e *Engine) { e.engagementID = id }
}

// WithStageCollaborator routes one stage to its own collaborator.
func WithStageCollaborator(stage domain.StageID, c Collaborator) Option {
	return func(e *Engine) {
		if c != nil {
			e.perStage[stage] = c
		}
	}
}

// Engine is the per-engagement stage state machine.
type Engine struct {
	def          Definition
	collaborator Collaborator
	perStage     map[domain.StageID]Collaborator
	engagementID string
	nowFn        func() time.Time
	newID        func() string
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	tracer       trace.Tracer

	mu        sync.Mutex
	records   map[domain.StageID]*domain.StageRecord
	listeners []func(Event)
}

// New validates def and returns an engine with every stage unrun.
func New(def Definition, collaborator Collaborator, opts ...Option) (*Engine, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		def:          def,
		collaborator: collaborator,
		perStage:     make(map[domain.StageID]Collaborator),
		nowFn:        func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
		logger:       telemetry.Component(nil, "pipeline"),
		tracer:       telemetry.Tracer("pipeline"),
		records:      make(map[domain.StageID]*domain.StageRecord, len(def.Stages)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = telemetry.OrNew(e.metrics)
	for _, s := range def.Stages {
		e.records[s.ID] = &domain.StageRecord{Stage: s.ID}
	}
	return e, nil
}

// Definition returns the workflow the engine gates.
func (e *Engine) Definition() Definition { return e.def }

// Subscribe registers fn for stage events.
func (e *Engine) Subscribe(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) publish(evt Event) {
	e.mu.Lock()
	listeners := append([]func(Event){}, e.listeners...)
	e.mu.Unlock()
	for _, l := range listeners {
		l(evt)
	}
}

// missingLocked returns the prerequisites of def that have not succeeded.
func (e *Engine) missingLocked(def StageDef) []domain.StageID {
	var missing []domain.StageID
	for _, req := range def.Requires {
		if e.records[req].Status != domain.StageSucceeded {
			missing = append(missing, req)
		}
	}
	return missing
}

func (e *Engine) stateLocked(def StageDef) domain.StageState {
	rec := e.records[def.ID]
	if rec.Status != "" {
		return rec.Status
	}
	if len(e.missingLocked(def)) > 0 {
		return domain.StageLocked
	}
	return domain.StageReady
}

// State returns the gating state of stage. Failed is the ready-to-retry
// state: Run accepts a failed stage while its prerequisites hold, keeps the
// areas that already succeeded, and Status carries the last error.
func (e *Engine) State(stage domain.StageID) (domain.StageState, error) {
	def, ok := e.def.stage(stage)
	if !ok {
		return "", fmt.Errorf("unknown stage %s", stage)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(def), nil
}

// Status returns a copy of the stage's state, flags and current artifacts.
func (e *Engine) Status(stage domain.StageID) (Status, error) {
	def, ok := e.def.stage(stage)
	if !ok {
		return Status{}, fmt.Errorf("unknown stage %s", stage)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked(def), nil
}

// Statuses returns every stage status in definition order.
func (e *Engine) Statuses() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Status, 0, len(e.def.Stages))
	for _, def := range e.def.Stages {
		out = append(out, e.statusLocked(def))
	}
	return out
}

func (e *Engine) statusLocked(def StageDef) Status {
	rec := e.records[def.ID]
	st := Status{
		Stage:          def.ID,
		State:          e.stateLocked(def),
		Stale:          rec.Stale,
		StaleBecause:   slices.Clone(rec.StaleBecause),
		LastError:      rec.LastError,
		CompletedAreas: slices.Clone(rec.CompletedAreas),
		Artifacts:      cloneArtifacts(rec.Artifacts),
	}
	if len(def.Areas) > 0 && rec.Status != domain.StageSucceeded {
		for _, area := range def.Areas {
			if !slices.Contains(rec.CompletedAreas, area) {
				st.PendingAreas = append(st.PendingAreas, area)
			}
		}
	}
	return st
}

// Artifacts returns the current artifacts of stage, one per area.
func (e *Engine) Artifacts(stage domain.StageID) []domain.StageArtifact {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[stage]
	if !ok {
		return nil
	}
	return cloneArtifacts(rec.Artifacts)
}

func cloneArtifacts(in []domain.StageArtifact) []domain.StageArtifact {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.StageArtifact, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}

// Run executes stage against entities. It fails with PrerequisiteNotMetError
// when a prerequisite has not succeeded and with domain.ErrInFlight when the
// stage is already running; neither changes any state. A collaborator failure
// leaves the stage Failed with completed areas retained and returns a
// StageError. On success the artifacts produced by this call are returned and
// every succeeded downstream stage is flagged stale.
func (e *Engine) Run(ctx context.Context, stage domain.StageID, entities domain.EntitySnapshot) ([]domain.StageArtifact, error) {
	def, ok := e.def.stage(stage)
	if !ok {
		return nil, fmt.Errorf("unknown stage %s", stage)
	}

	e.mu.Lock()
	rec := e.records[stage]
	if rec.Status == domain.StageRunning {
		e.mu.Unlock()
		return nil, fmt.Errorf("stage %s: %w", stage, domain.ErrInFlight)
	}
	if missing := e.missingLocked(def); len(missing) > 0 {
		e.mu.Unlock()
		return nil, domain.PrerequisiteNotMetError{Stage: stage, Missing: missing}
	}
	if rec.Status != domain.StageFailed {
		rec.CompletedAreas = nil
	}
	var pending []string
	for _, area := range def.areas() {
		if !slices.Contains(rec.CompletedAreas, area) {
			pending = append(pending, area)
		}
	}
	prior := make(map[domain.StageID][]domain.StageArtifact, len(def.Requires))
	for _, req := range def.Requires {
		prior[req] = cloneArtifacts(e.records[req].Artifacts)
	}
	rec.Status = domain.StageRunning
	rec.LastError = ""
	rec.UpdatedAt = e.nowFn()
	e.mu.Unlock()
	e.publish(Event{Stage: stage, State: domain.StageRunning})

	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.Int("areas", len(pending)),
	))
	started := time.Now()
	e.logger.Info("stage started", "stage", stage, "areas", pending)

	var produced []domain.StageArtifact
	for _, area := range pending {
		input := StageInput{
			EngagementID: e.engagementID,
			Pipeline:     e.def.Name,
			Stage:        stage,
			Area:         area,
			Entities:     entities,
			Prior:        prior,
		}
		payload, err := e.invoke(ctx, input)
		if err != nil {
			stageErr := StageError{Stage: stage, Area: area, Err: err}
			e.fail(stage, stageErr)
			e.metrics.StageRuns.WithLabelValues(string(stage), telemetry.OutcomeFailure).Inc()
			e.metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(started).Seconds())
			telemetry.EndSpan(span, stageErr)
			return produced, stageErr
		}
		produced = append(produced, e.record(stage, area, entities.Version, payload))
	}

	stale := e.succeed(stage)
	e.metrics.StageRuns.WithLabelValues(string(stage), telemetry.OutcomeSuccess).Inc()
	e.metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(started).Seconds())
	telemetry.EndSpan(span, nil)
	e.logger.Info("stage succeeded", "stage", stage, "artifacts", len(produced), "stale_downstream", stale)
	e.publish(Event{Stage: stage, State: domain.StageSucceeded})
	return produced, nil
}

func (e *Engine) invoke(ctx context.Context, input StageInput) (json.RawMessage, error) {
	c := e.collaborator
	if per, ok := e.perStage[input.Stage]; ok {
		c = per
	}
	if c == nil {
		return nil, errors.New("no analysis collaborator configured")
	}
	payload, err := c.Invoke(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return nil, errors.New("collaborator returned invalid JSON")
	}
	return payload, nil
}

// record stores a new artifact for area, superseding the current one.
func (e *Engine) record(stage domain.StageID, area string, inputVersion uint64, payload json.RawMessage) domain.StageArtifact {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.records[stage]
	artifact := domain.StageArtifact{
		ID:           e.newID(),
		Stage:        stage,
		Area:         area,
		Sequence:     1,
		InputVersion: inputVersion,
		Payload:      append(json.RawMessage(nil), payload...),
		ProducedAt:   e.nowFn(),
	}
	replaced := false
	for i, existing := range rec.Artifacts {
		if existing.Area == area {
			artifact.Sequence = existing.Sequence + 1
			rec.Artifacts[i] = artifact
			rec.Superseded++
			replaced = true
			break
		}
	}
	if !replaced {
		rec.Artifacts = append(rec.Artifacts, artifact)
	}
	rec.CompletedAreas = append(rec.CompletedAreas, area)
	rec.UpdatedAt = artifact.ProducedAt
	return artifact.Clone()
}

func (e *Engine) fail(stage domain.StageID, err error) {
	e.mu.Lock()
	rec := e.records[stage]
	rec.Status = domain.StageFailed
	rec.LastError = err.Error()
	rec.UpdatedAt = e.nowFn()
	completed := slices.Clone(rec.CompletedAreas)
	e.mu.Unlock()
	e.logger.Warn("stage failed", "stage", stage, "completed_areas", completed, "error", err)
	e.publish(Event{Stage: stage, State: domain.StageFailed, Err: err})
}

// succeed marks stage Succeeded and flags succeeded downstream stages stale.
func (e *Engine) succeed(stage domain.StageID) []domain.StageID {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.records[stage]
	rec.Status = domain.StageSucceeded
	rec.Stale = false
	rec.StaleBecause = nil
	rec.UpdatedAt = e.nowFn()
	var stale []domain.StageID
	for _, id := range e.def.Downstream(stage) {
		down := e.records[id]
		if down.Status != domain.StageSucceeded {
			continue
		}
		down.Stale = true
		if !slices.Contains(down.StaleBecause, stage) {
			down.StaleBecause = append(down.StaleBecause, stage)
		}
		stale = append(stale, id)
	}
	return stale
}

// Snapshot captures every stage record in definition order.
func (e *Engine) Snapshot() domain.PipelineSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := domain.PipelineSnapshot{Stages: make([]domain.StageRecord, 0, len(e.def.Stages))}
	for _, def := range e.def.Stages {
		rec := *e.records[def.ID]
		rec.StaleBecause = slices.Clone(rec.StaleBecause)
		rec.CompletedAreas = slices.Clone(rec.CompletedAreas)
		rec.Artifacts = cloneArtifacts(rec.Artifacts)
		snap.Stages = append(snap.Stages, rec)
	}
	return snap
}

// Restore replaces stage records from snap. Stages unknown to the definition
// are dropped; a stage saved while running comes back Failed and retryable.
func (e *Engine) Restore(snap domain.PipelineSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, def := range e.def.Stages {
		e.records[def.ID] = &domain.StageRecord{Stage: def.ID}
	}
	for _, saved := range snap.Stages {
		if _, ok := e.records[saved.Stage]; !ok {
			e.logger.Warn("dropping unknown stage from snapshot", "stage", saved.Stage)
			continue
		}
		rec := saved
		rec.StaleBecause = slices.Clone(saved.StaleBecause)
		rec.CompletedAreas = slices.Clone(saved.CompletedAreas)
		rec.Artifacts = cloneArtifacts(saved.Artifacts)
		switch rec.Status {
		case domain.StageRunning:
			rec.Status = domain.StageFailed
			rec.LastError = InterruptedReason
		case domain.StageLocked, domain.StageReady:
			rec.Status = ""
		}
		e.records[saved.Stage] = &rec
	}
}
