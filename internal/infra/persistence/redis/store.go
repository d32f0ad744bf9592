// Package redis persists engagement snapshots as Redis string values, with a
// set indexing the engagements that have been saved.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"engagementcore/pkg/domain"
)

var _ domain.SnapshotBackend = (*Store)(nil)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "engagementcore:"

// Store implements domain.SnapshotBackend on top of a Redis client.
type Store struct {
	client *goredis.Client
	prefix string
}

// Open parses redisURL, connects, and verifies the connection.
func Open(ctx context.Context, redisURL, prefix string) (*Store, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client, prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(engagementID string) string {
	return s.prefix + "snapshot:" + engagementID
}

func (s *Store) indexKey() string { return s.prefix + "engagements" }

// SaveSnapshot overwrites the snapshot key and indexes the engagement in one
// MULTI/EXEC block.
func (s *Store) SaveSnapshot(ctx context.Context, engagementID string, snapshot domain.EngagementSnapshot) error {
	snapshot.EngagementID = engagementID
	data, err := domain.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.key(engagementID), data, 0)
		pipe.SAdd(ctx, s.indexKey(), engagementID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", engagementID, err)
	}
	return nil
}

// LoadSnapshot reads and decodes the snapshot for engagementID.
func (s *Store) LoadSnapshot(ctx context.Context, engagementID string) (domain.EngagementSnapshot, error) {
	data, err := s.client.Get(ctx, s.key(engagementID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.EngagementSnapshot{}, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return domain.EngagementSnapshot{}, fmt.Errorf("load snapshot %s: %w", engagementID, err)
	}
	return domain.DecodeSnapshot(data)
}

// Engagements lists indexed engagement ids.
func (s *Store) Engagements(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list engagements: %w", err)
	}
	return ids, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
