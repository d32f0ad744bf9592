// Package domain defines the engagement entities, stage artifacts, rule
// evaluation primitives and persistence contracts shared by every
// engagementcore component.
package domain

import (
	"strings"
	"time"
)

// EntityKind identifies the collection a record belongs to.
type EntityKind string

// Supported entity kinds used in Change records, match keys and snapshot buckets.
const (
	// KindEmployee identifies an employee (wage) record.
	KindEmployee EntityKind = "employee"
	// KindProject identifies a research project record.
	KindProject EntityKind = "project"
	// KindSupplyExpense identifies a supply expense record.
	KindSupplyExpense EntityKind = "supply_expense"
	// KindContractResearch identifies a contract research expense record.
	KindContractResearch EntityKind = "contract_research"
	// KindDocument identifies an uploaded supporting document.
	KindDocument EntityKind = "document"
	// KindConnection identifies a link to a third-party payroll or accounting system.
	KindConnection EntityKind = "connection"
)

// Kinds returns every entity kind in canonical order.
func Kinds() []EntityKind {
	return []EntityKind{KindEmployee, KindProject, KindSupplyExpense, KindContractResearch, KindDocument, KindConnection}
}

// Valid reports whether k is a known kind.
func (k EntityKind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// SourceChannel tags which ingestion path produced a record.
type SourceChannel string

// Source channels.
const (
	SourceManual SourceChannel = "manual"
	SourceImport SourceChannel = "import"
	SourceSync   SourceChannel = "sync"
)

// Base contains the identity and provenance fields shared by all entities.
//
// Origin is the channel of first observation and never changes once set.
// Source is the channel of the most recent write.
type Base struct {
	ID           string        `json:"id"`
	Source       SourceChannel `json:"source_channel"`
	Origin       SourceChannel `json:"origin_channel"`
	ConnectionID string        `json:"connection_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Entity is the tagged variant implemented by every record kind. All
// implementations are value types so copies never alias store state.
type Entity interface {
	Kind() EntityKind
	Meta() Base
	WithMeta(Base) Entity
	// Merge overlays the non-empty fields of partial onto the receiver.
	// It fails with ErrKindMismatch when partial is another kind.
	Merge(partial Entity) (Entity, error)
}

// Employee is a wage record for a person whose time may qualify.
type Employee struct {
	Base
	Name        string  `json:"name"`
	Department  string  `json:"department"`
	Title       string  `json:"title,omitempty"`
	EmployeeID  string  `json:"employee_id,omitempty"`
	State       string  `json:"state,omitempty"`
	AnnualWages float64 `json:"annual_wages"`
	// QualifiedPercent is the share of time spent on qualified activities (0-100).
	QualifiedPercent float64 `json:"qualified_percent,omitempty"`
}

// Project is a research project and the four-part test it must satisfy.
type Project struct {
	Base
	Name              string       `json:"name"`
	Description       string       `json:"description"`
	BusinessComponent string       `json:"business_component,omitempty"`
	Test              FourPartTest `json:"four_part_test"`
}

// SupplyExpense is a consumable purchase used in research.
type SupplyExpense struct {
	Base
	Vendor      string    `json:"vendor"`
	Description string    `json:"description,omitempty"`
	Date        time.Time `json:"date"`
	Amount      float64   `json:"amount"`
	ProjectID   string    `json:"project_id,omitempty"`
	GLAccount   string    `json:"gl_account,omitempty"`
}

// ContractResearch is an amount paid to a third party performing research.
type ContractResearch struct {
	Base
	Contractor       string    `json:"contractor"`
	Description      string    `json:"description,omitempty"`
	Date             time.Time `json:"date"`
	Amount           float64   `json:"amount"`
	ProjectID        string    `json:"project_id,omitempty"`
	QualifiedPercent float64   `json:"qualified_percent,omitempty"`
}

// UploadedDocument references supporting evidence held in blob storage.
type UploadedDocument struct {
	Base
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Category    string `json:"category,omitempty"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum,omitempty"`
	BlobKey     string `json:"blob_key,omitempty"`
}

// ConnectionState tracks the lifecycle of an external system link.
type ConnectionState string

// Connection states.
const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionPending      ConnectionState = "pending"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionFailed       ConnectionState = "error"
)

// ExternalConnection is a live link to a payroll or accounting provider.
type ExternalConnection struct {
	Base
	Provider      string          `json:"provider"`
	State         ConnectionState `json:"state"`
	LastSyncedAt  *time.Time      `json:"last_synced_at,omitempty"`
	RecordsSynced int             `json:"records_synced"`
	LastError     string          `json:"last_error,omitempty"`
}

// Complete reports whether the employee counts towards intake progress.
func (e Employee) Complete() bool {
	return strings.TrimSpace(e.Name) != "" && e.AnnualWages > 0
}

// Complete reports whether the project counts towards intake progress. Only
// the permitted purpose narrative gates completion; see TestComplete for the
// full four-part test.
func (p Project) Complete() bool {
	return strings.TrimSpace(p.Name) != "" &&
		strings.TrimSpace(p.Description) != "" &&
		strings.TrimSpace(p.Test.PermittedPurpose.Narrative) != ""
}

// TestComplete reports whether all four narratives are filled in.
func (p Project) TestComplete() bool {
	return p.Test.Complete()
}

func (Employee) Kind() EntityKind           { return KindEmployee }
func (Project) Kind() EntityKind            { return KindProject }
func (SupplyExpense) Kind() EntityKind      { return KindSupplyExpense }
func (ContractResearch) Kind() EntityKind   { return KindContractResearch }
func (UploadedDocument) Kind() EntityKind   { return KindDocument }
func (ExternalConnection) Kind() EntityKind { return KindConnection }

func (e Employee) Meta() Base           { return e.Base }
func (p Project) Meta() Base            { return p.Base }
func (s SupplyExpense) Meta() Base      { return s.Base }
func (c ContractResearch) Meta() Base   { return c.Base }
func (d UploadedDocument) Meta() Base   { return d.Base }
func (c ExternalConnection) Meta() Base { return c.Base }

// WithMeta returns a copy carrying meta.
func (e Employee) WithMeta(meta Base) Entity { e.Base = meta; return e }

// WithMeta returns a copy carrying meta.
func (p Project) WithMeta(meta Base) Entity { p.Base = meta; p.Test = p.Test.clone(); return p }

// WithMeta returns a copy carrying meta.
func (s SupplyExpense) WithMeta(meta Base) Entity { s.Base = meta; return s }

// WithMeta returns a copy carrying meta.
func (c ContractResearch) WithMeta(meta Base) Entity { c.Base = meta; return c }

// WithMeta returns a copy carrying meta.
func (d UploadedDocument) WithMeta(meta Base) Entity { d.Base = meta; return d }

// WithMeta returns a copy carrying meta.
func (c ExternalConnection) WithMeta(meta Base) Entity {
	c.Base = meta
	if c.LastSyncedAt != nil {
		ts := *c.LastSyncedAt
		c.LastSyncedAt = &ts
	}
	return c
}

// Clone returns an independent copy of e.
func Clone(e Entity) Entity {
	if e == nil {
		return nil
	}
	return e.WithMeta(e.Meta())
}
