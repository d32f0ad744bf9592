// Package ingest turns foreign data into entity records. Adapters parse their
// input into a Batch; the Ingestor resolves the batch against the store and
// applies it in one transaction.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"engagementcore/pkg/domain"
)

// RowError describes one rejected input row. Row is 1-based and counts the
// header, so it matches the row number a spreadsheet program shows.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

func (e RowError) Error() string { return fmt.Sprintf("row %d: %s", e.Row, e.Reason) }

// Batch is the output of one adapter run.
type Batch struct {
	// Kind is the single kind carried by the batch; empty for mixed batches.
	Kind         domain.EntityKind
	Source       domain.SourceChannel
	ConnectionID string
	Records      []domain.Entity
	Rejected     []RowError
	// Replace removes the connection's sync-origin records of Kind that the
	// batch did not match.
	Replace bool
}

// Adapter parses one input into a batch of partial records. A returned error
// means nothing was parsed and the store must not be touched.
type Adapter interface {
	Parse(ctx context.Context) (Batch, error)
}

// Manual wraps records entered through a form.
type Manual struct {
	Records []domain.Entity
}

// NewManual returns a manual adapter for records.
func NewManual(records ...domain.Entity) Manual {
	return Manual{Records: records}
}

// Parse implements Adapter.
func (m Manual) Parse(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	batch := Batch{Source: domain.SourceManual, Records: make([]domain.Entity, 0, len(m.Records))}
	for i, e := range m.Records {
		if e == nil {
			return Batch{}, fmt.Errorf("manual record %d: nil entity", i)
		}
		batch.Records = append(batch.Records, domain.Clone(e))
	}
	if kind, ok := singleKind(batch.Records); ok {
		batch.Kind = kind
	}
	return batch, nil
}

// RecordSource pulls a full snapshot of one kind from an external system.
type RecordSource interface {
	Records(ctx context.Context, kind domain.EntityKind) ([]domain.Entity, error)
}

// Sync pulls records of Kind through Source on behalf of Connection. Each run
// is a full snapshot that replaces the connection's previous sync records.
type Sync struct {
	Connection domain.ExternalConnection
	Kind       domain.EntityKind
	Source     RecordSource
}

// Parse implements Adapter.
func (s Sync) Parse(ctx context.Context) (Batch, error) {
	if s.Source == nil {
		return Batch{}, errors.New("sync: no record source")
	}
	if s.Connection.ID == "" {
		return Batch{}, errors.New("sync: connection has no id")
	}
	records, err := s.Source.Records(ctx, s.Kind)
	if err != nil {
		return Batch{}, err
	}
	batch := Batch{
		Kind:         s.Kind,
		Source:       domain.SourceSync,
		ConnectionID: s.Connection.ID,
		Replace:      true,
		Records:      make([]domain.Entity, 0, len(records)),
	}
	for i, e := range records {
		if e == nil || e.Kind() != s.Kind {
			batch.Rejected = append(batch.Rejected, RowError{Row: i + 1, Reason: fmt.Sprintf("expected %s record", s.Kind)})
			continue
		}
		// Provider-side ids are not ours; identity comes from match keys.
		meta := e.Meta()
		meta.ID = ""
		meta.Source = domain.SourceSync
		meta.ConnectionID = s.Connection.ID
		batch.Records = append(batch.Records, e.WithMeta(meta))
	}
	return batch, nil
}

func singleKind(records []domain.Entity) (domain.EntityKind, bool) {
	if len(records) == 0 {
		return "", false
	}
	kind := records[0].Kind()
	for _, e := range records[1:] {
		if e.Kind() != kind {
			return "", false
		}
	}
	return kind, true
}
