// Package core defines the shared value types used across the grid
// engine: orders and their state machine. Orders are plain value
// records with a stable local id; strategy and accounting code work
// from copies or explicit indices, never from shared mutable references.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is which side of the book an order rests on.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "SELL"
	}
	return "BUY"
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType distinguishes a grid's two roles for a resting order.
type OrderType int

const (
	// TypeGrid orders rest at a fixed grid level, rotating between ACTIVE
	// and VIRTUAL as price crosses their level.
	TypeGrid OrderType = iota
	// TypeSpread orders sit just inside the configured spread band and are
	// never broadcast to chain.
	TypeSpread
)

func (t OrderType) String() string {
	if t == TypeSpread {
		return "SPREAD"
	}
	return "GRID"
}

// State is a position in the order state machine (VIRTUAL/ACTIVE/PARTIAL).
type State int

const (
	// Virtual is a planned level with no resting on-chain order.
	Virtual State = iota
	// Active is a resting on-chain limit order, fully open.
	Active
	// Partial is a resting on-chain limit order with a partial fill.
	Partial
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Partial:
		return "PARTIAL"
	default:
		return "VIRTUAL"
	}
}

// transitions enumerates every legal (from, to) state-machine edge.
var transitions = map[State]map[State]bool{
	Virtual: {Active: true},
	Active:  {Partial: true, Virtual: true},
	Partial: {Active: true, Virtual: true, Partial: true},
}

// CanTransition reports whether from -> to is a legal edge, independent of
// order type.
func CanTransition(from, to State) bool {
	if from == to {
		return to == Partial // a further fill while PARTIAL is a legal self-edge
	}
	edges, ok := transitions[from]
	return ok && edges[to]
}

// Order is a plain value record for one grid level's resting (or virtual)
// order.
type Order struct {
	ID         string // stable local id, assigned at grid construction
	ChainID    string // on-chain order id once broadcast, "" while VIRTUAL
	Type       OrderType
	Side       Side
	State      State
	Price      decimal.Decimal
	Size       decimal.Decimal // original order size
	FilledSize decimal.Decimal // cumulative filled size while ACTIVE/PARTIAL
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// PendingRotation marks an order mid-rotation: its chain cancel has been
	// issued but the replacement at an inner slot hasn't confirmed yet.
	// Excluded from further rotation consideration until cleared.
	PendingRotation bool
	// MergedDustSize is the cumulative residual absorbed from other partials
	// during a MERGE; zero for an order that never absorbed anything.
	MergedDustSize decimal.Decimal
	// FilledSinceRefill tracks fill volume accumulated since this slot was
	// last anchored, driving the doubled-side dust debt.
	FilledSinceRefill decimal.Decimal
	// IsDoubleOrder marks a slot carrying another slot's unpaid dust debt;
	// its side's active target count is reduced by one until the debt clears.
	IsDoubleOrder bool
}

// Open returns the size still resting on chain.
func (o Order) Open() decimal.Decimal {
	return o.Size.Sub(o.FilledSize)
}

// Transition validates and returns a copy of o moved to newState. A SPREAD
// order may never go on-chain (ACTIVE/PARTIAL), and no order may enter
// ACTIVE/PARTIAL without a ChainID.
func (o Order) Transition(newState State, now time.Time) (Order, error) {
	if !CanTransition(o.State, newState) {
		return o, IllegalTransitionError(o.ID, o.State, newState)
	}
	if o.Type == TypeSpread && (newState == Active || newState == Partial) {
		return o, IllegalTransitionError(o.ID, o.State, newState)
	}
	if (newState == Active || newState == Partial) && o.ChainID == "" {
		return o, IllegalTransitionError(o.ID, o.State, newState)
	}
	next := o
	next.State = newState
	next.UpdatedAt = now
	return next, nil
}

// ILogger is the narrow logging seam every component depends on instead of
// a concrete logging library, so tests can swap in an observing no-op.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
