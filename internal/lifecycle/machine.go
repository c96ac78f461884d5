// Package lifecycle implements the worker process state machine and the
// error classifier that decides how lifecycle failures are handled.
package lifecycle

import (
	"fmt"
	"sync"
	"time"
)

// State is a worker lifecycle state.
type State string

// Worker lifecycle states.
const (
	StateUninitialized   State = "uninitialized"
	StateRegistering     State = "registering"
	StateWaitingApproval State = "waiting_approval"
	StateConnecting      State = "connecting"
	StateReady           State = "ready"
	StateError           State = "error"
	StateStopping        State = "stopping"
	StateStopped         State = "stopped"
)

// Event is a lifecycle transition trigger.
type Event string

// Lifecycle events.
const (
	EventStart        Event = "start"
	EventRegistered   Event = "registered"
	EventWaitApproval Event = "wait_approval"
	EventApproved     Event = "approved"
	EventConnected    Event = "connected"
	EventStop         Event = "stop"
	EventError        Event = "error"
	EventRecover      Event = "recover"
)

// validTransitions defines each state's legal outgoing events. Any (state,
// event) pair not listed is rejected without touching the machine. The
// terminal states have no outgoing events; Stopping is left only via
// Complete().
var validTransitions = map[State]map[Event]State{
	StateUninitialized: {
		EventStart: StateRegistering,
	},
	StateRegistering: {
		EventRegistered:   StateConnecting,
		EventWaitApproval: StateWaitingApproval,
		EventError:        StateError,
	},
	StateWaitingApproval: {
		EventApproved: StateConnecting,
		EventStop:     StateStopping,
		EventError:    StateError,
	},
	StateConnecting: {
		EventConnected: StateReady,
		EventError:     StateError,
	},
	StateReady: {
		EventStop:  StateStopping,
		EventError: StateError,
	},
	StateError: {
		EventRecover: StateRegistering,
		EventStop:    StateStopping,
	},
	StateStopping: {},
	StateStopped:  {},
}

// HistoryCapacity is the fixed number of transitions retained, oldest first
// evicted.
const HistoryCapacity = 50

// Transition records one applied state change.
type Transition struct {
	From      State
	To        State
	Event     Event
	Timestamp time.Time
	Err       error
}

// Machine is the worker process state machine. All methods are safe for
// concurrent use.
type Machine struct {
	mu       sync.Mutex
	current  State
	previous State
	err      error
	history  []Transition
}

// NewMachine returns a machine in the uninitialized state.
func NewMachine() *Machine {
	return &Machine{current: StateUninitialized}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Previous returns the state before the most recent transition.
func (m *Machine) Previous() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

// Err returns the error captured by the last Fail, or nil after a recover.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// History returns a copy of the bounded transition history, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Transition applies event to the current state. A rejected transition
// returns an error and leaves the machine untouched. Recovering clears the
// stored error.
func (m *Machine) Transition(event Event) error {
	return m.apply(event, nil)
}

// Fail applies the error event and captures cause as the machine's error.
// The previous state is preserved so a recovery can report where the
// failure happened.
func (m *Machine) Fail(cause error) error {
	return m.apply(EventError, cause)
}

// Complete performs the second phase of the terminal transition, moving
// Stopping to Stopped once shutdown work has finished. It is the only way
// to leave Stopping.
func (m *Machine) Complete() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != StateStopping {
		return fmt.Errorf("lifecycle: complete from %s: only valid in %s", m.current, StateStopping)
	}
	m.record(Transition{
		From:      StateStopping,
		To:        StateStopped,
		Event:     EventStop,
		Timestamp: time.Now(),
	})
	m.previous = m.current
	m.current = StateStopped
	return nil
}

// AssertState fails fast if the machine is not in the expected state. Used
// as a precondition guard, e.g. messages are only processed in Ready.
func (m *Machine) AssertState(expected State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != expected {
		return fmt.Errorf("lifecycle: expected state %s, have %s", expected, m.current)
	}
	return nil
}

func (m *Machine) apply(event Event, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := validTransitions[m.current][event]
	if !ok {
		return fmt.Errorf("lifecycle: invalid transition: %s in state %s", event, m.current)
	}

	m.record(Transition{
		From:      m.current,
		To:        next,
		Event:     event,
		Timestamp: time.Now(),
		Err:       cause,
	})

	m.previous = m.current
	m.current = next

	switch event {
	case EventError:
		m.err = cause
	case EventRecover:
		m.err = nil
	}
	return nil
}

// record appends a transition, evicting the oldest entry once the history
// is at capacity.
func (m *Machine) record(t Transition) {
	if len(m.history) >= HistoryCapacity {
		m.history = m.history[1:]
	}
	m.history = append(m.history, t)
}
