package domain

import "context"

// SnapshotBackend is the persistence backend of record. Saves are upserts
// keyed by engagement id, so repeating a save never creates a second record.
type SnapshotBackend interface {
	SaveSnapshot(ctx context.Context, engagementID string, snapshot EngagementSnapshot) error
	// LoadSnapshot returns ErrSnapshotNotFound when nothing was saved for engagementID.
	LoadSnapshot(ctx context.Context, engagementID string) (EngagementSnapshot, error)
}
