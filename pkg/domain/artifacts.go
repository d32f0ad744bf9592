package domain

import (
	"encoding/json"
	"time"
)

// StageID names an analysis stage within a pipeline.
type StageID string

// StageState is the gating state of one pipeline stage.
type StageState string

// Stage states. Locked and Ready are derived from prerequisites; Running,
// Succeeded and Failed are recorded.
const (
	StageLocked    StageState = "locked"
	StageReady     StageState = "ready"
	StageRunning   StageState = "running"
	StageSucceeded StageState = "succeeded"
	StageFailed    StageState = "failed"
)

// StageArtifact is the immutable output of one stage run (or of one area of
// a fan-out stage). A re-run produces a new artifact with a higher Sequence.
type StageArtifact struct {
	ID           string          `json:"id"`
	Stage        StageID         `json:"stage"`
	Area         string          `json:"area,omitempty"`
	Sequence     int             `json:"sequence"`
	InputVersion uint64          `json:"input_version"`
	Payload      json.RawMessage `json:"payload"`
	ProducedAt   time.Time       `json:"produced_at"`
}

// Clone returns a copy that does not share the payload buffer.
func (a StageArtifact) Clone() StageArtifact {
	if a.Payload != nil {
		payload := make(json.RawMessage, len(a.Payload))
		copy(payload, a.Payload)
		a.Payload = payload
	}
	return a
}

// StageRecord is the persisted state of one stage.
type StageRecord struct {
	Stage          StageID         `json:"stage"`
	Status         StageState      `json:"status,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Stale          bool            `json:"stale,omitempty"`
	StaleBecause   []StageID       `json:"stale_because,omitempty"`
	CompletedAreas []string        `json:"completed_areas,omitempty"`
	Artifacts      []StageArtifact `json:"artifacts,omitempty"`
	Superseded     int             `json:"superseded,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// PipelineSnapshot captures every stage record in definition order.
type PipelineSnapshot struct {
	Stages []StageRecord `json:"stages"`
}
