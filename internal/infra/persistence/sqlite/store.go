// Package sqlite persists engagement snapshots to a local SQLite database
// using the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"engagementcore/pkg/domain"

	_ "modernc.org/sqlite" // register the sqlite driver
)

var _ domain.SnapshotBackend = (*Store)(nil)

const schema = `CREATE TABLE IF NOT EXISTS snapshots (
	engagement_id TEXT PRIMARY KEY,
	schema_version TEXT NOT NULL,
	payload BLOB NOT NULL,
	saved_at TIMESTAMP NOT NULL
)`

// Store is a SQLite-backed snapshot backend.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open creates (if needed) and opens the database at path. An empty path or
// ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}
	return &Store{db: db, path: path, now: time.Now}, nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// SaveSnapshot upserts the snapshot for engagementID.
func (s *Store) SaveSnapshot(ctx context.Context, engagementID string, snapshot domain.EngagementSnapshot) (err error) {
	snapshot.EngagementID = engagementID
	payload, err := domain.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	version := snapshot.SchemaVersion
	if version == "" {
		version = domain.SnapshotSchemaVersion
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
	_, err = tx.ExecContext(ctx, `INSERT INTO snapshots(engagement_id, schema_version, payload, saved_at) VALUES(?,?,?,?)
		ON CONFLICT(engagement_id) DO UPDATE SET schema_version=excluded.schema_version, payload=excluded.payload, saved_at=excluded.saved_at`,
		engagementID, version, payload, s.now().UTC())
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", engagementID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// LoadSnapshot reads the snapshot for engagementID.
func (s *Store) LoadSnapshot(ctx context.Context, engagementID string) (domain.EngagementSnapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE engagement_id = ?`, engagementID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EngagementSnapshot{}, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return domain.EngagementSnapshot{}, fmt.Errorf("select snapshot %s: %w", engagementID, err)
	}
	return domain.DecodeSnapshot(payload)
}

// Engagements lists stored engagement ids.
func (s *Store) Engagements(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT engagement_id FROM snapshots ORDER BY engagement_id`)
	if err != nil {
		return nil, fmt.Errorf("select engagements: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan engagement: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
