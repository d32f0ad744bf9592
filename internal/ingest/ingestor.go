package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"engagementcore/internal/entitystore"
	"engagementcore/internal/merge"
	"engagementcore/internal/telemetry"
	"engagementcore/pkg/domain"
)

// Report summarises one ingestion run.
type Report struct {
	Kind     domain.EntityKind    `json:"kind,omitempty"`
	Source   domain.SourceChannel `json:"source"`
	Accepted int                  `json:"accepted"`
	Created  int                  `json:"created"`
	Updated  int                  `json:"updated"`
	Removed  int                  `json:"removed"`
	Rejected []RowError           `json:"rejected,omitempty"`
	// IDs lists the stored id of every accepted record in batch order.
	IDs      []string           `json:"ids,omitempty"`
	Warnings []domain.Violation `json:"warnings,omitempty"`
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(in *Ingestor) {
		if logger != nil {
			in.logger = logger
		}
	}
}

// WithMetrics sets the collectors ingestion outcomes are counted on.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(in *Ingestor) { in.metrics = m }
}

// WithTracer sets the tracer used for ingestion spans.
func WithTracer(t trace.Tracer) Option {
	return func(in *Ingestor) {
		if t != nil {
			in.tracer = t
		}
	}
}

// Ingestor applies adapter batches to an entity store.
type Ingestor struct {
	store    *entitystore.Store
	resolver *merge.Resolver
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
}

// New returns an Ingestor writing to store. A nil resolver uses the default matchers.
func New(store *entitystore.Store, resolver *merge.Resolver, opts ...Option) *Ingestor {
	if resolver == nil {
		resolver = merge.NewResolver()
	}
	in := &Ingestor{
		store:    store,
		resolver: resolver,
		logger:   telemetry.Component(nil, "ingest"),
		tracer:   telemetry.Tracer("ingest"),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.metrics = telemetry.OrNew(in.metrics)
	return in
}

// Ingest parses adapter and applies the accepted records in one store
// transaction. Parse failures leave the store untouched. Rejected rows are
// reported but never block the valid ones.
func (in *Ingestor) Ingest(ctx context.Context, adapter Adapter) (report Report, err error) {
	ctx, span := in.tracer.Start(ctx, "ingest.Ingest")
	defer func() { telemetry.EndSpan(span, err) }()

	batch, err := adapter.Parse(ctx)
	if err != nil {
		in.logger.Warn("ingest parse failed", "error", err)
		return Report{}, err
	}
	span.SetAttributes(
		attribute.String("ingest.source", string(batch.Source)),
		attribute.String("ingest.kind", string(batch.Kind)),
		attribute.Int("ingest.records", len(batch.Records)),
		attribute.Int("ingest.rejected", len(batch.Rejected)),
	)
	return in.Apply(ctx, batch)
}

// Apply resolves and commits an already parsed batch.
func (in *Ingestor) Apply(ctx context.Context, batch Batch) (Report, error) {
	report := Report{Kind: batch.Kind, Source: batch.Source, Rejected: batch.Rejected}
	var policy merge.Policy = merge.MergeFields
	if batch.Replace {
		policy = replaceOwnSync(batch.ConnectionID)
	}
	replace := batch.Replace && len(batch.Rejected) == 0
	if batch.Replace && !replace {
		in.logger.Warn("sync batch has rejected records; keeping unmatched records",
			"connection", batch.ConnectionID, "kind", batch.Kind, "rejected", len(batch.Rejected))
	}

	result, err := in.store.RunInTransaction(ctx, func(tx *entitystore.Transaction) error {
		records := make([]domain.Entity, len(batch.Records))
		for i, e := range batch.Records {
			records[i] = stamp(e, batch)
		}
		plan, err := in.resolver.Resolve(tx, records, policy)
		if err != nil {
			return err
		}
		report.IDs = make([]string, 0, len(plan.Decisions))
		for _, d := range plan.Decisions {
			switch d.Op {
			case merge.OpCreate:
				if _, err := tx.Add(d.Record); err != nil {
					return fmt.Errorf("record %d: %w", d.Index, err)
				}
				report.Created++
			case merge.OpUpdate:
				if _, err := tx.Put(d.Record); err != nil {
					return fmt.Errorf("record %d: %w", d.Index, err)
				}
				report.Updated++
			}
			report.IDs = append(report.IDs, d.ID)
		}
		if replace && batch.Kind != "" {
			touched := plan.Touched()
			for _, e := range tx.List(batch.Kind) {
				meta := e.Meta()
				if meta.Origin != domain.SourceSync || meta.ConnectionID != batch.ConnectionID {
					continue
				}
				if _, ok := touched[meta.ID]; ok {
					continue
				}
				if tx.Remove(batch.Kind, meta.ID) {
					report.Removed++
				}
			}
		}
		return nil
	})
	if err != nil {
		in.count(batch, telemetry.OutcomeRejected, len(batch.Records)+len(batch.Rejected))
		in.logger.Warn("ingest rejected", "source", batch.Source, "kind", batch.Kind, "error", err)
		return Report{}, err
	}
	report.Accepted = report.Created + report.Updated
	report.Warnings = result.Warnings()

	in.count(batch, telemetry.OutcomeAccepted, report.Accepted)
	in.count(batch, telemetry.OutcomeRejected, len(batch.Rejected))
	in.count(batch, telemetry.OutcomeCreated, report.Created)
	in.count(batch, telemetry.OutcomeUpdated, report.Updated)
	in.count(batch, telemetry.OutcomeRemoved, report.Removed)
	in.logger.Info("ingested",
		"source", batch.Source,
		"kind", batch.Kind,
		"created", report.Created,
		"updated", report.Updated,
		"removed", report.Removed,
		"rejected", len(batch.Rejected),
		"warnings", len(report.Warnings),
	)
	return report, nil
}

func (in *Ingestor) count(batch Batch, outcome string, n int) {
	if n == 0 {
		return
	}
	kind := string(batch.Kind)
	if kind == "" {
		kind = "mixed"
	}
	in.metrics.IngestRows.WithLabelValues(kind, string(batch.Source), outcome).Add(float64(n))
}

// stamp tags e with the batch provenance unless the record already has it.
func stamp(e domain.Entity, batch Batch) domain.Entity {
	meta := e.Meta()
	if meta.Source == "" {
		meta.Source = batch.Source
	}
	if meta.ConnectionID == "" {
		meta.ConnectionID = batch.ConnectionID
	}
	return e.WithMeta(meta)
}

// replaceOwnSync replaces records a connection previously synced wholesale,
// so fields the provider dropped are cleared. Records first entered by hand
// or by import only have their non-empty fields overwritten.
func replaceOwnSync(connectionID string) merge.Policy {
	return func(existing, incoming domain.Entity) (domain.Entity, error) {
		meta := existing.Meta()
		if meta.Origin != domain.SourceSync || meta.ConnectionID != connectionID {
			return merge.MergeFields(existing, incoming)
		}
		if existing.Kind() != incoming.Kind() {
			return nil, fmt.Errorf("%w: replace %s with %s", domain.ErrKindMismatch, existing.Kind(), incoming.Kind())
		}
		next := incoming.Meta()
		next.ID = meta.ID
		next.Origin = meta.Origin
		next.CreatedAt = meta.CreatedAt
		return incoming.WithMeta(next), nil
	}
}
