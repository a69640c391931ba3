// Package grid implements the Grid Store: the authoritative map of every
// order the grid knows about, plus the byState/byType indices the Sync
// and Strategy Engines scan on every cycle. Uses a map-plus-indices shape,
// keyed by stable local id with explicit index-repair support.
//
// Single-writer discipline: Store holds no mutex of its own, so reads are
// safe only while no write is in progress. The orchestrator's gridLock
// serializes all mutation so the Sync and Strategy Engines never race
// each other's writes. Store's exported methods assume that discipline
// and do not themselves guard against a concurrent writer.
package grid

import (
	"gridcore/internal/core"
	"gridcore/pkg/apperrors"
)

// Store holds every order in the grid plus derived indices for fast
// lookup by state and by type.
type Store struct {
	orders map[string]core.Order // id -> order

	byState map[core.State]map[string]bool
	byType  map[core.OrderType]map[string]bool
	byChain map[string]string // chainID -> local id, for orders that have gone on-chain

	logger  core.ILogger
	version uint64 // bumped on every successful Upsert/Delete
}

// Version returns the store's current write version. A strategy plan
// computed while holding the grid lock captures this before it starts
// reading, then re-checks it immediately before committing any mutation:
// a mismatch means the store advanced out from under the plan and it must
// be recomputed rather than applied against stale data.
func (s *Store) Version() uint64 {
	return s.version
}

// New returns an empty Store. logger records phantom auto-downgrades that
// Upsert performs silently rather than rejects.
func New(logger core.ILogger) *Store {
	return &Store{
		orders:  make(map[string]core.Order),
		byState: newStateIndex(),
		byType:  newTypeIndex(),
		byChain: make(map[string]string),
		logger:  logger,
	}
}

func newStateIndex() map[core.State]map[string]bool {
	return map[core.State]map[string]bool{
		core.Virtual: make(map[string]bool),
		core.Active:  make(map[string]bool),
		core.Partial: make(map[string]bool),
	}
}

func newTypeIndex() map[core.OrderType]map[string]bool {
	return map[core.OrderType]map[string]bool{
		core.TypeGrid:   make(map[string]bool),
		core.TypeSpread: make(map[string]bool),
	}
}

// Upsert inserts or replaces an order, keeping byState/byType/byChain in
// sync. The caller holds gridLock for the duration of the call.
//
// Upsert is the single point every illegal-state rule is enforced at,
// since callers range from Sync/Strategy Engine transitions to a raw
// persisted snapshot loaded at boot. A SPREAD order is rejected outright
// if it claims ACTIVE/PARTIAL — a spread order never goes on-chain. An
// order claiming ACTIVE/PARTIAL with no ChainID is a phantom: rather than
// reject it, Upsert downgrades it to VIRTUAL and logs, since this shape
// can arise from a stale snapshot rather than a live bug. An order with no
// ID is always rejected.
func (s *Store) Upsert(o core.Order) error {
	if o.ID == "" {
		return apperrors.New(apperrors.KindInvariantViolation, "upsert: order has no id")
	}
	if o.Type == core.TypeSpread && (o.State == core.Active || o.State == core.Partial) {
		return core.IllegalTransitionError(o.ID, o.State, o.State)
	}
	if (o.State == core.Active || o.State == core.Partial) && o.ChainID == "" {
		if s.logger != nil {
			s.logger.Error("upsert: phantom order downgraded to VIRTUAL", "order_id", o.ID, "state", o.State.String())
		}
		o.State = core.Virtual
	}

	if old, ok := s.orders[o.ID]; ok {
		s.unindex(old)
	}
	s.orders[o.ID] = o
	s.index(o)
	s.version++
	return nil
}

func (s *Store) index(o core.Order) {
	s.byState[o.State][o.ID] = true
	s.byType[o.Type][o.ID] = true
	if o.ChainID != "" {
		s.byChain[o.ChainID] = o.ID
	}
}

func (s *Store) unindex(o core.Order) {
	delete(s.byState[o.State], o.ID)
	delete(s.byType[o.Type], o.ID)
	if o.ChainID != "" {
		delete(s.byChain, o.ChainID)
	}
}

// Get returns a copy of the order with the given id.
func (s *Store) Get(id string) (core.Order, bool) {
	o, ok := s.orders[id]
	return o, ok
}

// GetByChainID returns a copy of the order currently carrying chainID.
func (s *Store) GetByChainID(chainID string) (core.Order, bool) {
	id, ok := s.byChain[chainID]
	if !ok {
		return core.Order{}, false
	}
	return s.Get(id)
}

// Delete removes an order and its index entries.
func (s *Store) Delete(id string) {
	o, ok := s.orders[id]
	if !ok {
		return
	}
	s.unindex(o)
	delete(s.orders, id)
	s.version++
}

// All returns a copy of every order, unordered.
func (s *Store) All() []core.Order {
	out := make([]core.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out
}

// ByState returns copies of every order currently in the given state.
func (s *Store) ByState(state core.State) []core.Order {
	ids := s.byState[state]
	out := make([]core.Order, 0, len(ids))
	for id := range ids {
		out = append(out, s.orders[id])
	}
	return out
}

// ByTypeAndState returns copies of every order matching both type and
// state — the query the Strategy Engine runs most often (e.g. every ACTIVE
// GRID order on the buy side, filtered further by side at the caller).
func (s *Store) ByTypeAndState(t core.OrderType, state core.State) []core.Order {
	typeIDs := s.byType[t]
	out := make([]core.Order, 0)
	for id := range typeIDs {
		if s.byState[state][id] {
			out = append(out, s.orders[id])
		}
	}
	return out
}

// Count returns the number of orders currently tracked.
func (s *Store) Count() int {
	return len(s.orders)
}

// ValidateIndices checks that byState/byType/byChain exactly match the
// authoritative order map, returning a KindIndexCorruption error
// describing the first mismatch found.
func (s *Store) ValidateIndices() error {
	seen := make(map[string]bool, len(s.orders))
	for id, o := range s.orders {
		seen[id] = true
		if !s.byState[o.State][id] {
			return apperrors.New(apperrors.KindIndexCorruption,
				"order %s: missing from byState[%s]", id, o.State)
		}
		if !s.byType[o.Type][id] {
			return apperrors.New(apperrors.KindIndexCorruption,
				"order %s: missing from byType[%s]", id, o.Type)
		}
		if o.ChainID != "" {
			if mapped, ok := s.byChain[o.ChainID]; !ok || mapped != id {
				return apperrors.New(apperrors.KindIndexCorruption,
					"order %s: missing or stale byChain[%s]", id, o.ChainID)
			}
		}
	}
	for state, ids := range s.byState {
		for id := range ids {
			if !seen[id] {
				return apperrors.New(apperrors.KindIndexCorruption,
					"byState[%s] references unknown order %s", state, id)
			}
		}
	}
	for t, ids := range s.byType {
		for id := range ids {
			if !seen[id] {
				return apperrors.New(apperrors.KindIndexCorruption,
					"byType[%s] references unknown order %s", t, id)
			}
		}
	}
	for chainID, id := range s.byChain {
		if !seen[id] {
			return apperrors.New(apperrors.KindIndexCorruption,
				"byChain[%s] references unknown order %s", chainID, id)
		}
	}
	return nil
}

// RepairIndices rebuilds byState/byType/byChain from the authoritative
// order map, discarding whatever they currently hold. Used when
// ValidateIndices reports corruption and the orchestrator decides to
// self-heal rather than halt.
func (s *Store) RepairIndices() {
	s.byState = newStateIndex()
	s.byType = newTypeIndex()
	s.byChain = make(map[string]string)
	for _, o := range s.orders {
		s.index(o)
	}
}
