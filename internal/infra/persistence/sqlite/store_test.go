package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"engagementcore/pkg/domain"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "engagements.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func snapshotWith(name string) domain.EngagementSnapshot {
	return domain.EngagementSnapshot{
		Entities: domain.NewEntitySnapshot(1, []domain.Entity{
			domain.Employee{Base: domain.Base{ID: "e1"}, Name: name},
		}),
	}
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t)
	if err := store.SaveSnapshot(ctx, "eng-1", snapshotWith("Ada")); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.LoadSnapshot(ctx, "eng-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.EngagementID != "eng-1" || got.Entities.Employees[0].Name != "Ada" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestRepeatedSavesUpsertOneRow(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t)
	for _, name := range []string{"a", "b", "c"} {
		if err := store.SaveSnapshot(ctx, "eng-1", snapshotWith(name)); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}
	var count int
	if err := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
	got, _ := store.LoadSnapshot(ctx, "eng-1")
	if got.Entities.Employees[0].Name != "c" {
		t.Fatalf("expected latest save, got %q", got.Entities.Employees[0].Name)
	}
}

func TestLoadMissingSnapshot(t *testing.T) {
	_, err := openTemp(t).LoadSnapshot(context.Background(), "missing")
	if !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.sqlite")
	first, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.SaveSnapshot(ctx, "eng-2", snapshotWith("Bo")); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = first.Close()

	second, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = second.Close() }()
	ids, err := second.Engagements(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "eng-2" {
		t.Fatalf("unexpected engagements %v (%v)", ids, err)
	}
}

func TestIncompatibleSchemaIsRejected(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t)
	_, err := store.DB().ExecContext(ctx, `INSERT INTO snapshots(engagement_id, schema_version, payload, saved_at) VALUES(?,?,?,CURRENT_TIMESTAMP)`,
		"old", "2.0.0", []byte(`{"schema_version":"2.0.0","engagement_id":"old"}`))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.LoadSnapshot(ctx, "old"); !errors.Is(err, domain.ErrIncompatibleSnapshot) {
		t.Fatalf("expected ErrIncompatibleSnapshot, got %v", err)
	}
}

func TestInMemoryDatabase(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = store.Close() }()
	if store.Path() != ":memory:" {
		t.Fatalf("unexpected path %q", store.Path())
	}
	if err := store.SaveSnapshot(ctx, "eng", snapshotWith("x")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.LoadSnapshot(ctx, "eng"); err != nil {
		t.Fatalf("load: %v", err)
	}
}
