// Package postgres persists engagement snapshots as JSONB rows keyed by
// engagement id.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"engagementcore/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

var _ domain.SnapshotBackend = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/engagementcore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// OverrideSQLOpen swaps the sql.Open implementation, returning a restore func.
func OverrideSQLOpen(fn func(driverName, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}

// Store is a Postgres-backed snapshot backend.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects using dsn (defaultDSN when empty) and ensures the snapshots
// table exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureSnapshotTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

func ensureSnapshotTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS snapshots (
		engagement_id TEXT PRIMARY KEY,
		schema_version TEXT NOT NULL,
		payload JSONB NOT NULL,
		saved_at TIMESTAMPTZ NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure snapshots table: %w", err)
	}
	return nil
}

// SaveSnapshot upserts the snapshot row for engagementID.
func (s *Store) SaveSnapshot(ctx context.Context, engagementID string, snapshot domain.EngagementSnapshot) error {
	snapshot.EngagementID = engagementID
	if snapshot.SchemaVersion == "" {
		snapshot.SchemaVersion = domain.SnapshotSchemaVersion
	}
	payload, err := domain.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	const upsert = `INSERT INTO snapshots(engagement_id, schema_version, payload, saved_at) VALUES($1,$2,$3,$4)
		ON CONFLICT(engagement_id) DO UPDATE SET schema_version=EXCLUDED.schema_version, payload=EXCLUDED.payload, saved_at=EXCLUDED.saved_at`
	if _, err := tx.ExecContext(ctx, upsert, engagementID, snapshot.SchemaVersion, string(payload), s.now().UTC()); err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", engagementID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// LoadSnapshot reads the snapshot row for engagementID.
func (s *Store) LoadSnapshot(ctx context.Context, engagementID string) (domain.EngagementSnapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE engagement_id = $1`, engagementID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EngagementSnapshot{}, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return domain.EngagementSnapshot{}, fmt.Errorf("select snapshot %s: %w", engagementID, err)
	}
	return domain.DecodeSnapshot(payload)
}
