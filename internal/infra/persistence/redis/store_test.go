package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"engagementcore/pkg/domain"
)

func setupTestRedis(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := Open(context.Background(), "redis://"+s.Addr(), "test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	store, srv := setupTestRedis(t)
	ctx := context.Background()
	snap := domain.EngagementSnapshot{
		Entities: domain.NewEntitySnapshot(2, []domain.Entity{
			domain.Employee{Base: domain.Base{ID: "e1"}, Name: "Ada"},
		}),
	}
	require.NoError(t, store.SaveSnapshot(ctx, "eng-1", snap))
	require.True(t, srv.Exists("test:snapshot:eng-1"))

	got, err := store.LoadSnapshot(ctx, "eng-1")
	require.NoError(t, err)
	require.Equal(t, "eng-1", got.EngagementID)
	require.Equal(t, domain.SnapshotSchemaVersion, got.SchemaVersion)
	require.Equal(t, "Ada", got.Entities.Employees[0].Name)
}

func TestRepeatedSavesKeepOneKey(t *testing.T) {
	store, srv := setupTestRedis(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveSnapshot(ctx, "eng-1", domain.EngagementSnapshot{}))
	}
	require.Len(t, srv.Keys(), 2, "one snapshot key plus the index")
	ids, err := store.Engagements(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"eng-1"}, ids)
}

func TestLoadMissingSnapshot(t *testing.T) {
	store, _ := setupTestRedis(t)
	_, err := store.LoadSnapshot(context.Background(), "none")
	require.ErrorIs(t, err, domain.ErrSnapshotNotFound)
}

func TestCorruptPayload(t *testing.T) {
	store, srv := setupTestRedis(t)
	require.NoError(t, srv.Set("test:snapshot:bad", "{not json"))
	_, err := store.LoadSnapshot(context.Background(), "bad")
	require.ErrorContains(t, err, "decode snapshot")
}

func TestServerUnavailable(t *testing.T) {
	store, srv := setupTestRedis(t)
	srv.Close()
	err := store.SaveSnapshot(context.Background(), "eng-1", domain.EngagementSnapshot{})
	require.Error(t, err)
}

func TestOpenRejectsBadURL(t *testing.T) {
	_, err := Open(context.Background(), "://bad", "")
	require.ErrorContains(t, err, "parse redis url")
}

func TestDefaultPrefix(t *testing.T) {
	srv := miniredis.RunT(t)
	store, err := Open(context.Background(), "redis://"+srv.Addr(), "")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.SaveSnapshot(context.Background(), "x", domain.EngagementSnapshot{}))
	require.True(t, srv.Exists(DefaultPrefix+"snapshot:x"))
}
