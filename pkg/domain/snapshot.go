package domain

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SnapshotSchemaVersion is written into every encoded engagement snapshot.
const SnapshotSchemaVersion = "1.0.0"

// supportedSnapshots accepts any 1.x snapshot.
var supportedSnapshots = mustConstraint("^1.0.0")

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(fmt.Errorf("snapshot constraint %q: %w", c, err))
	}
	return constraint
}

// EntitySnapshot is a point-in-time copy of every entity collection. Slices
// keep insertion order so identical state always encodes to identical bytes.
type EntitySnapshot struct {
	Version     uint64               `json:"version"`
	Employees   []Employee           `json:"employees"`
	Projects    []Project            `json:"projects"`
	Supplies    []SupplyExpense      `json:"supplies"`
	Contracts   []ContractResearch   `json:"contracts"`
	Documents   []UploadedDocument   `json:"documents"`
	Connections []ExternalConnection `json:"connections"`
}

// NewEntitySnapshot buckets entities by kind, preserving order.
func NewEntitySnapshot(version uint64, entities []Entity) EntitySnapshot {
	s := EntitySnapshot{
		Version:     version,
		Employees:   []Employee{},
		Projects:    []Project{},
		Supplies:    []SupplyExpense{},
		Contracts:   []ContractResearch{},
		Documents:   []UploadedDocument{},
		Connections: []ExternalConnection{},
	}
	for _, e := range entities {
		switch v := Clone(e).(type) {
		case Employee:
			s.Employees = append(s.Employees, v)
		case Project:
			s.Projects = append(s.Projects, v)
		case SupplyExpense:
			s.Supplies = append(s.Supplies, v)
		case ContractResearch:
			s.Contracts = append(s.Contracts, v)
		case UploadedDocument:
			s.Documents = append(s.Documents, v)
		case ExternalConnection:
			s.Connections = append(s.Connections, v)
		}
	}
	return s
}

// Entities flattens the snapshot in canonical kind order.
func (s EntitySnapshot) Entities() []Entity {
	out := make([]Entity, 0, s.Len())
	for _, v := range s.Employees {
		out = append(out, Clone(v))
	}
	for _, v := range s.Projects {
		out = append(out, Clone(v))
	}
	for _, v := range s.Supplies {
		out = append(out, Clone(v))
	}
	for _, v := range s.Contracts {
		out = append(out, Clone(v))
	}
	for _, v := range s.Documents {
		out = append(out, Clone(v))
	}
	for _, v := range s.Connections {
		out = append(out, Clone(v))
	}
	return out
}

// Len returns the number of entities across all kinds.
func (s EntitySnapshot) Len() int {
	return len(s.Employees) + len(s.Projects) + len(s.Supplies) + len(s.Contracts) + len(s.Documents) + len(s.Connections)
}

// EngagementSnapshot is the persisted aggregate: every entity collection and
// every stage record of one engagement.
type EngagementSnapshot struct {
	SchemaVersion string           `json:"schema_version"`
	EngagementID  string           `json:"engagement_id"`
	Entities      EntitySnapshot   `json:"entities"`
	Pipeline      PipelineSnapshot `json:"pipeline"`
}

// EncodeSnapshot serializes s, stamping the current schema version when unset.
func EncodeSnapshot(s EngagementSnapshot) ([]byte, error) {
	if s.SchemaVersion == "" {
		s.SchemaVersion = SnapshotSchemaVersion
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %s: %w", s.EngagementID, err)
	}
	return data, nil
}

// DecodeSnapshot parses data and rejects unsupported schema versions.
func DecodeSnapshot(data []byte) (EngagementSnapshot, error) {
	var s EngagementSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return EngagementSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := CheckSchemaVersion(s.SchemaVersion); err != nil {
		return EngagementSnapshot{}, err
	}
	return s, nil
}

// CheckSchemaVersion validates a stored schema version string.
func CheckSchemaVersion(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrIncompatibleSnapshot, v, err)
	}
	if !supportedSnapshots.Check(version) {
		return fmt.Errorf("%w: %s", ErrIncompatibleSnapshot, v)
	}
	return nil
}
