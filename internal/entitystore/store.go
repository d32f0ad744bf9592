// Package entitystore provides the in-memory, transactional store of record
// for every engagement entity. Each transaction runs against a copy of the
// committed state; the copy replaces the committed state only when the
// callback succeeds and no blocking rule fires.
package entitystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"engagementcore/pkg/domain"
)

// Event is published to listeners after every committed transaction that
// changed at least one entity.
type Event struct {
	Version uint64
	Changes []domain.Change
	Result  domain.Result
}

// Listener receives committed events synchronously, in commit order.
// Listeners may read the store but must not mutate it from inside the callback.
type Listener func(Event)

type listenerEntry struct {
	id int
	fn Listener
}

type collection struct {
	order []string
	items map[string]domain.Entity
}

type state struct {
	collections map[domain.EntityKind]*collection
}

func newState() state {
	s := state{collections: make(map[domain.EntityKind]*collection, len(domain.Kinds()))}
	for _, kind := range domain.Kinds() {
		s.collections[kind] = &collection{items: make(map[string]domain.Entity)}
	}
	return s
}

func (s state) clone() state {
	out := state{collections: make(map[domain.EntityKind]*collection, len(s.collections))}
	for kind, c := range s.collections {
		items := make(map[string]domain.Entity, len(c.items))
		for id, e := range c.items {
			items[id] = e
		}
		order := make([]string, len(c.order))
		copy(order, c.order)
		out.collections[kind] = &collection{order: order, items: items}
	}
	return out
}

func (s state) get(kind domain.EntityKind, id string) (domain.Entity, bool) {
	c, ok := s.collections[kind]
	if !ok {
		return nil, false
	}
	e, ok := c.items[id]
	if !ok {
		return nil, false
	}
	return domain.Clone(e), true
}

func (s state) list(kind domain.EntityKind) []domain.Entity {
	c, ok := s.collections[kind]
	if !ok {
		return nil
	}
	out := make([]domain.Entity, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, domain.Clone(c.items[id]))
	}
	return out
}

func (s state) put(e domain.Entity) {
	c := s.collections[e.Kind()]
	id := e.Meta().ID
	if _, exists := c.items[id]; !exists {
		c.order = append(c.order, id)
	}
	c.items[id] = domain.Clone(e)
}

func (s state) remove(kind domain.EntityKind, id string) (domain.Entity, bool) {
	c := s.collections[kind]
	e, ok := c.items[id]
	if !ok {
		return nil, false
	}
	delete(c.items, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return e, true
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithIDGenerator overrides id assignment for new entities.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithRulesEngine evaluates engine against every transaction before commit.
func WithRulesEngine(engine *domain.RulesEngine) Option {
	return func(s *Store) {
		if engine != nil {
			s.engine = engine
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store is the single source of truth for engagement entities.
type Store struct {
	mu      sync.RWMutex
	state   state
	version uint64
	engine  *domain.RulesEngine
	nowFn   func() time.Time
	newID   func() string
	logger  *slog.Logger

	// publishMu keeps event delivery in commit order without holding mu
	// while listeners run.
	publishMu    sync.Mutex
	listenersMu  sync.Mutex
	listeners    []listenerEntry
	nextListener int
}

// New constructs an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		state:  newState(),
		engine: domain.NewRulesEngine(),
		nowFn:  func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		logger: slog.Default().With("component", "entitystore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RulesEngine exposes the engine so callers can register additional rules.
func (s *Store) RulesEngine() *domain.RulesEngine {
	return s.engine
}

// Version returns the number of committed mutating transactions.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Subscribe registers l and returns a function that removes it. Listeners
// are notified in subscription order.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.nextListener++
	id := s.nextListener
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: l})
	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		for i, entry := range s.listeners {
			if entry.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) snapshotListeners() []Listener {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	out := make([]Listener, len(s.listeners))
	for i, entry := range s.listeners {
		out[i] = entry.fn
	}
	return out
}

// RunInTransaction executes fn against a private copy of the state. The copy
// is committed when fn returns nil and no blocking rule fires; otherwise the
// committed state is left untouched.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Transaction) error) (domain.Result, error) {
	if err := ctx.Err(); err != nil {
		return domain.Result{}, err
	}
	s.mu.Lock()
	tx := &Transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return domain.Result{}, err
	}
	if len(tx.changes) == 0 {
		s.mu.Unlock()
		return domain.Result{}, nil
	}

	result, err := s.engine.Evaluate(ctx, view{state: tx.state}, tx.changes)
	if err != nil {
		s.mu.Unlock()
		return domain.Result{}, err
	}
	if result.HasBlocking() {
		s.mu.Unlock()
		return result, domain.RuleViolationError{Result: result}
	}

	s.state = tx.state
	s.version++
	evt := Event{Version: s.version, Changes: tx.changes, Result: result}
	s.publishMu.Lock()
	s.mu.Unlock()
	defer s.publishMu.Unlock()

	for _, v := range result.Warnings() {
		s.logger.Warn("rule warning", "rule", v.Rule, "kind", v.Kind, "id", v.EntityID, "message", v.Message)
	}
	for _, l := range s.snapshotListeners() {
		l(evt)
	}
	return result, nil
}

// Add inserts e, assigning an id when it has none.
func (s *Store) Add(ctx context.Context, e domain.Entity) (domain.Entity, error) {
	var created domain.Entity
	_, err := s.RunInTransaction(ctx, func(tx *Transaction) error {
		var err error
		created, err = tx.Add(e)
		return err
	})
	return created, err
}

// Update merges the non-empty fields of partial into the stored entity.
func (s *Store) Update(ctx context.Context, kind domain.EntityKind, id string, partial domain.Entity) (domain.Entity, error) {
	var updated domain.Entity
	_, err := s.RunInTransaction(ctx, func(tx *Transaction) error {
		var err error
		updated, err = tx.Update(kind, id, partial)
		return err
	})
	return updated, err
}

// Remove deletes the entity. Removing an absent id succeeds and reports false.
func (s *Store) Remove(ctx context.Context, kind domain.EntityKind, id string) (bool, error) {
	var removed bool
	_, err := s.RunInTransaction(ctx, func(tx *Transaction) error {
		removed = tx.Remove(kind, id)
		return nil
	})
	return removed, err
}

// Get returns a copy of the entity.
func (s *Store) Get(kind domain.EntityKind, id string) (domain.Entity, bool) {
	return s.View().Find(kind, id)
}

// List returns copies of every entity of kind in insertion order.
func (s *Store) List(kind domain.EntityKind) []domain.Entity {
	return s.View().List(kind)
}

// View returns a read-only view of the committed state. Committed states are
// never mutated in place, so the view stays consistent after later commits.
func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return View{view: view{state: s.state}, version: s.version}
}

// Export captures the committed state for persistence.
func (s *Store) Export() domain.EntitySnapshot {
	v := s.View()
	var all []domain.Entity
	for _, kind := range domain.Kinds() {
		all = append(all, v.List(kind)...)
	}
	return domain.NewEntitySnapshot(v.version, all)
}

// Import replaces the committed state with snapshot. Listeners are not
// notified; Import is used to restore state before the session starts.
func (s *Store) Import(snapshot domain.EntitySnapshot) error {
	next := newState()
	for _, e := range snapshot.Entities() {
		id := e.Meta().ID
		if id == "" {
			return fmt.Errorf("import %s: entity without id", e.Kind())
		}
		if _, dup := next.collections[e.Kind()].items[id]; dup {
			return fmt.Errorf("import %s: duplicate id %q", e.Kind(), id)
		}
		next.put(e)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = next
	s.version = snapshot.Version
	return nil
}

type view struct {
	state state
}

func (v view) List(kind domain.EntityKind) []domain.Entity { return v.state.list(kind) }

func (v view) Find(kind domain.EntityKind, id string) (domain.Entity, bool) {
	return v.state.get(kind, id)
}

// View is a consistent read-only snapshot of the store.
type View struct {
	view
	version uint64
}

// Version returns the store version the view was taken at.
func (v View) Version() uint64 { return v.version }

// ListAs returns every entity of kind as T, skipping values of other types.
func ListAs[T domain.Entity](r domain.RuleView, kind domain.EntityKind) []T {
	entities := r.List(kind)
	out := make([]T, 0, len(entities))
	for _, e := range entities {
		if typed, ok := e.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

// ErrExists is returned when adding an entity whose id is already taken.
var ErrExists = errors.New("entity already exists")
