// Package lifecycle tracks per-order state under all execution strategies.
// Transitions are validated against a declarative table; terminal states
// allow idempotent self-transitions.
package lifecycle

import (
	"fmt"
	"sync"
	"time"
)

// State is an order lifecycle state
type State string

const (
	StateNew             State = "NEW"
	StateValidated       State = "VALIDATED"
	StateQueued          State = "QUEUED"
	StateSubmitted       State = "SUBMITTED"
	StateAcknowledged    State = "ACKNOWLEDGED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateCancelPending   State = "CANCEL_PENDING"
	StateCancelled       State = "CANCELLED"
	StateRejected        State = "REJECTED"
	StateExpired         State = "EXPIRED"
	StateError           State = "ERROR"
)

// IsTerminal reports whether the state admits no further transitions
// (other than the idempotent self-transition)
func (s State) IsTerminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired, StateError:
		return true
	}
	return false
}

// transitions is the declarative transition table
var transitions = map[State][]State{
	StateNew:       {StateValidated, StateRejected, StateError},
	StateValidated: {StateQueued, StateSubmitted, StateRejected, StateError},
	StateQueued:    {StateSubmitted, StateCancelPending, StateExpired, StateError},
	StateSubmitted: {StateAcknowledged, StateRejected, StateCancelPending, StateExpired, StateError},
	StateAcknowledged: {
		StatePartiallyFilled, StateFilled, StateCancelPending,
		StateRejected, StateExpired, StateError,
	},
	StatePartiallyFilled: {
		StatePartiallyFilled, StateFilled, StateCancelPending,
		StateExpired, StateError,
	},
	StateCancelPending: {StateCancelled, StateFilled, StatePartiallyFilled, StateError},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to State) bool {
	if from == to && from.IsTerminal() {
		return true // idempotent terminal self-transition
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Event describes one applied transition
type Event struct {
	OrderID   string
	ClientID  string
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// TrackedOrder is one order whose lifecycle is being tracked. Transitions are
// linearised by a per-order mutex.
type TrackedOrder struct {
	mu       sync.Mutex
	orderID  string
	clientID string
	state    State
	history  []Event
}

// Tracker holds tracked orders and dispatches lifecycle events
type Tracker struct {
	mu         sync.RWMutex
	orders     map[string]*TrackedOrder
	dispatcher *Dispatcher
}

// NewTracker creates an order lifecycle tracker
func NewTracker(dispatcher *Dispatcher) *Tracker {
	return &Tracker{
		orders:     make(map[string]*TrackedOrder),
		dispatcher: dispatcher,
	}
}

// Track registers a new order in state NEW
func (t *Tracker) Track(orderID, clientID string) *TrackedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.orders[orderID]; ok {
		return existing
	}
	o := &TrackedOrder{
		orderID:  orderID,
		clientID: clientID,
		state:    StateNew,
	}
	t.orders[orderID] = o
	return o
}

// Get returns the tracked order, or nil
func (t *Tracker) Get(orderID string) *TrackedOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.orders[orderID]
}

// Transition applies a state change, validating it against the table.
// Invalid transitions fail loudly; terminal self-transitions are no-ops.
func (t *Tracker) Transition(orderID string, to State, reason string) error {
	o := t.Get(orderID)
	if o == nil {
		return fmt.Errorf("order %s not tracked", orderID)
	}

	o.mu.Lock()
	from := o.state
	if from == to && from.IsTerminal() {
		o.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		o.mu.Unlock()
		return fmt.Errorf("invalid order transition %s -> %s (order %s)", from, to, orderID)
	}

	ev := Event{
		OrderID:   o.orderID,
		ClientID:  o.clientID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	o.state = to
	o.history = append(o.history, ev)
	o.mu.Unlock()

	if t.dispatcher != nil {
		t.dispatcher.Dispatch(ev)
	}
	return nil
}

// State returns the order's current state
func (o *TrackedOrder) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// History returns a copy of the applied transitions
func (o *TrackedOrder) History() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Event, len(o.history))
	copy(out, o.history)
	return out
}
