package domain

import (
	"fmt"
	"strings"
	"time"
)

// mergeBase keeps the identity of dst and takes the most recent provenance
// from src. Origin and CreatedAt are never overwritten once set.
func mergeBase(dst, src Base) Base {
	out := dst
	if src.Source != "" {
		out.Source = src.Source
	}
	if out.Origin == "" {
		out.Origin = src.Origin
	}
	if src.ConnectionID != "" {
		out.ConnectionID = src.ConnectionID
	}
	return out
}

func setString(dst *string, src string) {
	if strings.TrimSpace(src) != "" {
		*dst = src
	}
}

func setFloat(dst *float64, src float64) {
	if src != 0 {
		*dst = src
	}
}

func setTime(dst *time.Time, src time.Time) {
	if !src.IsZero() {
		*dst = src
	}
}

func mismatch(want EntityKind, got Entity) error {
	if got == nil {
		return fmt.Errorf("%w: merge %s with nil", ErrKindMismatch, want)
	}
	return fmt.Errorf("%w: merge %s with %s", ErrKindMismatch, want, got.Kind())
}

// Merge overlays the non-empty fields of partial.
func (e Employee) Merge(partial Entity) (Entity, error) {
	p, ok := partial.(Employee)
	if !ok {
		return nil, mismatch(KindEmployee, partial)
	}
	out := e
	out.Base = mergeBase(e.Base, p.Base)
	setString(&out.Name, p.Name)
	setString(&out.Department, p.Department)
	setString(&out.Title, p.Title)
	setString(&out.EmployeeID, p.EmployeeID)
	setString(&out.State, p.State)
	setFloat(&out.AnnualWages, p.AnnualWages)
	setFloat(&out.QualifiedPercent, p.QualifiedPercent)
	return out, nil
}

// Merge overlays the non-empty fields of partial, including the four-part test
// narratives and any explicitly supplied criteria.
func (pr Project) Merge(partial Entity) (Entity, error) {
	p, ok := partial.(Project)
	if !ok {
		return nil, mismatch(KindProject, partial)
	}
	out := pr
	out.Base = mergeBase(pr.Base, p.Base)
	setString(&out.Name, p.Name)
	setString(&out.Description, p.Description)
	setString(&out.BusinessComponent, p.BusinessComponent)
	out.Test = pr.Test.merge(p.Test)
	return out, nil
}

// Merge overlays the non-empty fields of partial.
func (s SupplyExpense) Merge(partial Entity) (Entity, error) {
	p, ok := partial.(SupplyExpense)
	if !ok {
		return nil, mismatch(KindSupplyExpense, partial)
	}
	out := s
	out.Base = mergeBase(s.Base, p.Base)
	setString(&out.Vendor, p.Vendor)
	setString(&out.Description, p.Description)
	setTime(&out.Date, p.Date)
	setFloat(&out.Amount, p.Amount)
	setString(&out.ProjectID, p.ProjectID)
	setString(&out.GLAccount, p.GLAccount)
	return out, nil
}

// Merge overlays the non-empty fields of partial.
func (c ContractResearch) Merge(partial Entity) (Entity, error) {
	p, ok := partial.(ContractResearch)
	if !ok {
		return nil, mismatch(KindContractResearch, partial)
	}
	out := c
	out.Base = mergeBase(c.Base, p.Base)
	setString(&out.Contractor, p.Contractor)
	setString(&out.Description, p.Description)
	setTime(&out.Date, p.Date)
	setFloat(&out.Amount, p.Amount)
	setString(&out.ProjectID, p.ProjectID)
	setFloat(&out.QualifiedPercent, p.QualifiedPercent)
	return out, nil
}

// Merge overlays the non-empty fields of partial.
func (d UploadedDocument) Merge(partial Entity) (Entity, error) {
	p, ok := partial.(UploadedDocument)
	if !ok {
		return nil, mismatch(KindDocument, partial)
	}
	out := d
	out.Base = mergeBase(d.Base, p.Base)
	setString(&out.Name, p.Name)
	setString(&out.ContentType, p.ContentType)
	setString(&out.Category, p.Category)
	setString(&out.Checksum, p.Checksum)
	setString(&out.BlobKey, p.BlobKey)
	if p.Size != 0 {
		out.Size = p.Size
	}
	return out, nil
}

// Merge overlays the non-empty fields of partial. LastError is cleared when
// the partial moves the connection out of the error state.
func (c ExternalConnection) Merge(partial Entity) (Entity, error) {
	p, ok := partial.(ExternalConnection)
	if !ok {
		return nil, mismatch(KindConnection, partial)
	}
	out := c.WithMeta(mergeBase(c.Base, p.Base)).(ExternalConnection)
	setString(&out.Provider, p.Provider)
	if p.State != "" {
		out.State = p.State
		if p.State != ConnectionFailed {
			out.LastError = ""
		}
	}
	if p.LastSyncedAt != nil {
		ts := *p.LastSyncedAt
		out.LastSyncedAt = &ts
	}
	if p.RecordsSynced != 0 {
		out.RecordsSynced = p.RecordsSynced
	}
	setString(&out.LastError, p.LastError)
	return out, nil
}
