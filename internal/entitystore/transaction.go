package entitystore

import (
	"errors"
	"fmt"
	"time"

	"engagementcore/pkg/domain"
)

// Transaction is a mutation set applied to a private copy of the store state.
// It is only valid inside the RunInTransaction callback.
type Transaction struct {
	store   *Store
	state   state
	changes []domain.Change
	now     time.Time
}

func (tx *Transaction) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

// Changes returns the changes recorded so far.
func (tx *Transaction) Changes() []domain.Change {
	out := make([]domain.Change, len(tx.changes))
	copy(out, tx.changes)
	return out
}

// Get looks up an entity within the transaction scope.
func (tx *Transaction) Get(kind domain.EntityKind, id string) (domain.Entity, bool) {
	return tx.state.get(kind, id)
}

// List returns every entity of kind within the transaction scope.
func (tx *Transaction) List(kind domain.EntityKind) []domain.Entity {
	return tx.state.list(kind)
}

// Find implements domain.RuleView.
func (tx *Transaction) Find(kind domain.EntityKind, id string) (domain.Entity, bool) {
	return tx.Get(kind, id)
}

// NewID returns a fresh entity id from the store's generator.
func (tx *Transaction) NewID() string {
	return tx.store.newID()
}

// Add inserts e. A missing id is generated, timestamps are stamped and the
// origin channel defaults to the source channel.
func (tx *Transaction) Add(e domain.Entity) (domain.Entity, error) {
	if e == nil {
		return nil, errors.New("add: nil entity")
	}
	if !e.Kind().Valid() {
		return nil, fmt.Errorf("add: unknown kind %q", e.Kind())
	}
	meta := e.Meta()
	if meta.ID == "" {
		meta.ID = tx.store.newID()
	}
	if _, exists := tx.state.collections[e.Kind()].items[meta.ID]; exists {
		return nil, fmt.Errorf("%w: %s %q", ErrExists, e.Kind(), meta.ID)
	}
	if meta.Source == "" {
		meta.Source = domain.SourceManual
	}
	if meta.Origin == "" {
		meta.Origin = meta.Source
	}
	meta.CreatedAt = tx.now
	meta.UpdatedAt = tx.now
	created := e.WithMeta(meta)
	tx.state.put(created)
	tx.recordChange(domain.Change{Kind: e.Kind(), Action: domain.ActionCreate, ID: meta.ID, After: domain.Clone(created)})
	return domain.Clone(created), nil
}

// Update merges the non-empty fields of partial into the entity stored under
// id. The id and creation timestamp never change.
func (tx *Transaction) Update(kind domain.EntityKind, id string, partial domain.Entity) (domain.Entity, error) {
	current, ok := tx.state.get(kind, id)
	if !ok {
		return nil, domain.NotFoundError{Kind: kind, ID: id}
	}
	merged, err := current.Merge(partial)
	if err != nil {
		return nil, err
	}
	return tx.replace(current, merged), nil
}

// Put replaces the entity stored under e's id wholesale. The id, origin and
// creation timestamp of the stored entity are retained.
func (tx *Transaction) Put(e domain.Entity) (domain.Entity, error) {
	if e == nil {
		return nil, errors.New("put: nil entity")
	}
	current, ok := tx.state.get(e.Kind(), e.Meta().ID)
	if !ok {
		return nil, domain.NotFoundError{Kind: e.Kind(), ID: e.Meta().ID}
	}
	return tx.replace(current, e), nil
}

func (tx *Transaction) replace(current, next domain.Entity) domain.Entity {
	before := current.Meta()
	meta := next.Meta()
	meta.ID = before.ID
	meta.CreatedAt = before.CreatedAt
	meta.UpdatedAt = tx.now
	if before.Origin != "" {
		meta.Origin = before.Origin
	}
	if meta.Source == "" {
		meta.Source = before.Source
	}
	updated := next.WithMeta(meta)
	tx.state.put(updated)
	tx.recordChange(domain.Change{Kind: updated.Kind(), Action: domain.ActionUpdate, ID: meta.ID, Before: current, After: domain.Clone(updated)})
	return domain.Clone(updated)
}

// Remove deletes the entity and reports whether it existed.
func (tx *Transaction) Remove(kind domain.EntityKind, id string) bool {
	if _, ok := tx.state.collections[kind]; !ok {
		return false
	}
	removed, ok := tx.state.remove(kind, id)
	if !ok {
		return false
	}
	tx.recordChange(domain.Change{Kind: kind, Action: domain.ActionDelete, ID: id, Before: domain.Clone(removed)})
	return true
}
