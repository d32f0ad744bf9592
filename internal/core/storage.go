package core

import (
	"context"
	"fmt"

	"engagementcore/internal/blob"
	"engagementcore/internal/config"
	"engagementcore/internal/infra/persistence/memory"
	"engagementcore/internal/infra/persistence/postgres"
	"engagementcore/internal/infra/persistence/redis"
	"engagementcore/internal/infra/persistence/sqlite"
	"engagementcore/pkg/domain"
)

// StorageDriver identifies a snapshot backend implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageRedis    StorageDriver = "redis"    // Redis keyspace
)

// SnapshotStore is a snapshot backend owned by the caller, who closes it.
type SnapshotStore interface {
	domain.SnapshotBackend
	Close() error
}

type memoryBackend struct{ *memory.Store }

func (memoryBackend) Close() error { return nil }

// OpenSnapshotStore selects a backend from cfg. An empty driver means sqlite.
func OpenSnapshotStore(ctx context.Context, cfg config.StorageConfig) (SnapshotStore, error) {
	driver := StorageDriver(cfg.Driver)
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memoryBackend{memory.NewStore()}, nil
	case StorageSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StorageRedis:
		store, err := redis.Open(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

// OpenBlobStore builds the document content store from cfg.
func OpenBlobStore(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	return blob.Open(ctx, blob.Config{
		Driver: blob.Driver(cfg.Driver),
		FSRoot: cfg.FSRoot,
		S3: blob.S3Config{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PathStyle:       cfg.S3.PathStyle,
		},
	})
}
