// Package merge reconciles incoming partial records with the canonical entity
// set. A single Resolver serves every entity kind; kind-specific behaviour
// lives in Matchers. The resolver only plans: applying the plan is the
// caller's job, so it never touches the store directly.
package merge

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"engagementcore/pkg/domain"
)

// Op is the action a Decision asks the caller to apply.
type Op string

// Decision operations.
const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
)

// Decision describes how one incoming record is reconciled.
type Decision struct {
	Op Op
	// Index is the position of the incoming record in the batch.
	Index int
	ID    string
	// Before is the working copy the record matched, nil for creates.
	Before domain.Entity
	// Record is the complete entity to store under ID.
	Record domain.Entity
}

// Plan is the ordered list of decisions for one batch.
type Plan struct {
	Decisions []Decision
}

// Created returns the number of create decisions.
func (p Plan) Created() int { return p.count(OpCreate) }

// Updated returns the number of update decisions.
func (p Plan) Updated() int { return p.count(OpUpdate) }

func (p Plan) count(op Op) int {
	n := 0
	for _, d := range p.Decisions {
		if d.Op == op {
			n++
		}
	}
	return n
}

// Touched returns the ids of every entity the plan creates or updates.
func (p Plan) Touched() map[string]struct{} {
	out := make(map[string]struct{}, len(p.Decisions))
	for _, d := range p.Decisions {
		out[d.ID] = struct{}{}
	}
	return out
}

// Matcher supplies the identity rules for one kind.
type Matcher struct {
	Kind domain.EntityKind
	// Keys returns identity keys in priority order.
	Keys func(domain.Entity) []string
	// Compatible vetoes a key match. Nil means every key match is accepted.
	Compatible func(existing, incoming domain.Entity) bool
}

// DefaultMatchers returns the matchers for every known kind.
func DefaultMatchers() []Matcher {
	out := make([]Matcher, 0, len(domain.Kinds()))
	for _, kind := range domain.Kinds() {
		out = append(out, Matcher{Kind: kind, Keys: domain.MatchKeys, Compatible: domain.Compatible})
	}
	return out
}

// Policy combines a matched working record with an incoming record.
type Policy func(existing, incoming domain.Entity) (domain.Entity, error)

// MergeFields is the default policy: non-empty incoming fields overwrite,
// last write wins per field.
func MergeFields(existing, incoming domain.Entity) (domain.Entity, error) {
	return existing.Merge(incoming)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithIDGenerator overrides id assignment for new entities.
func WithIDGenerator(newID func() string) Option {
	return func(r *Resolver) {
		if newID != nil {
			r.newID = newID
		}
	}
}

// WithMatcher installs or replaces the matcher for m.Kind.
func WithMatcher(m Matcher) Option {
	return func(r *Resolver) {
		r.matchers[m.Kind] = m
	}
}

// Resolver decides whether incoming records are new or updates.
type Resolver struct {
	matchers map[domain.EntityKind]Matcher
	newID    func() string
}

// NewResolver constructs a resolver with the default matchers.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		matchers: make(map[domain.EntityKind]Matcher),
		newID:    uuid.NewString,
	}
	for _, m := range DefaultMatchers() {
		r.matchers[m.Kind] = m
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve plans batch against the entities visible through current. Records
// are processed in batch order against a working copy, so when two incoming
// records match the same entity the later one wins field by field. A nil
// policy means MergeFields.
func (r *Resolver) Resolve(current domain.RuleView, batch []domain.Entity, policy Policy) (Plan, error) {
	if policy == nil {
		policy = MergeFields
	}
	indexes := make(map[domain.EntityKind]*workingIndex)
	plan := Plan{Decisions: make([]Decision, 0, len(batch))}
	for i, incoming := range batch {
		if incoming == nil {
			return Plan{}, fmt.Errorf("resolve record %d: nil entity", i)
		}
		kind := incoming.Kind()
		matcher, ok := r.matchers[kind]
		if !ok {
			return Plan{}, fmt.Errorf("resolve record %d: no matcher for kind %q", i, kind)
		}
		idx, ok := indexes[kind]
		if !ok {
			idx = newWorkingIndex(matcher, current.List(kind))
			indexes[kind] = idx
		}

		if existing, found := idx.match(incoming); found {
			merged, err := policy(existing, incoming)
			if err != nil {
				return Plan{}, fmt.Errorf("resolve record %d: %w", i, err)
			}
			meta := merged.Meta()
			meta.ID = existing.Meta().ID
			merged = merged.WithMeta(meta)
			idx.replace(merged)
			plan.Decisions = append(plan.Decisions, Decision{Op: OpUpdate, Index: i, ID: meta.ID, Before: existing, Record: domain.Clone(merged)})
			continue
		}

		meta := incoming.Meta()
		if meta.ID == "" {
			meta.ID = r.newID()
		}
		created := incoming.WithMeta(meta)
		idx.insert(created)
		plan.Decisions = append(plan.Decisions, Decision{Op: OpCreate, Index: i, ID: meta.ID, Record: domain.Clone(created)})
	}
	return plan, nil
}

// workingIndex mirrors one kind's collection in insertion order. Each key
// lists the ids holding it ordered by position, so lookups pick the earliest
// compatible entity exactly as a fresh index built from the store would.
type workingIndex struct {
	matcher  Matcher
	order    []string
	pos      map[string]int
	records  map[string]domain.Entity
	keysByID map[string][]string
	byKey    map[string][]string
}

func newWorkingIndex(m Matcher, entities []domain.Entity) *workingIndex {
	idx := &workingIndex{
		matcher:  m,
		pos:      make(map[string]int, len(entities)),
		records:  make(map[string]domain.Entity, len(entities)),
		keysByID: make(map[string][]string, len(entities)),
		byKey:    make(map[string][]string),
	}
	for _, e := range entities {
		idx.insert(e)
	}
	return idx
}

func (w *workingIndex) match(incoming domain.Entity) (domain.Entity, bool) {
	if id := incoming.Meta().ID; id != "" {
		if e, ok := w.records[id]; ok {
			return e, true
		}
	}
	for _, key := range w.matcher.Keys(incoming) {
		for _, id := range w.byKey[key] {
			candidate := w.records[id]
			if w.matcher.Compatible == nil || w.matcher.Compatible(candidate, incoming) {
				return candidate, true
			}
		}
	}
	return nil, false
}

func (w *workingIndex) insert(e domain.Entity) {
	id := e.Meta().ID
	if _, exists := w.records[id]; exists {
		w.replace(e)
		return
	}
	w.pos[id] = len(w.order)
	w.order = append(w.order, id)
	w.records[id] = domain.Clone(e)
	w.indexKeys(id, e)
}

func (w *workingIndex) replace(e domain.Entity) {
	id := e.Meta().ID
	for _, key := range w.keysByID[id] {
		ids := w.byKey[key]
		for i, existing := range ids {
			if existing == id {
				ids = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(w.byKey, key)
		} else {
			w.byKey[key] = ids
		}
	}
	w.records[id] = domain.Clone(e)
	w.indexKeys(id, e)
}

func (w *workingIndex) indexKeys(id string, e domain.Entity) {
	keys := w.matcher.Keys(e)
	w.keysByID[id] = keys
	for _, key := range keys {
		ids := w.byKey[key]
		at := sort.Search(len(ids), func(i int) bool { return w.pos[ids[i]] > w.pos[id] })
		ids = append(ids, "")
		copy(ids[at+1:], ids[at:])
		ids[at] = id
		w.byKey[key] = ids
	}
}
