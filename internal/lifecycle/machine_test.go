package lifecycle

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewMachine_InitialState(t *testing.T) {
	m := NewMachine()
	if got := m.State(); got != StateUninitialized {
		t.Errorf("State = %s", got)
	}
	if m.Err() != nil {
		t.Errorf("Err = %v, want nil", m.Err())
	}
}

func TestTransition_HappyPath(t *testing.T) {
	m := NewMachine()
	steps := []struct {
		event Event
		want  State
	}{
		{EventStart, StateRegistering},
		{EventWaitApproval, StateWaitingApproval},
		{EventApproved, StateConnecting},
		{EventConnected, StateReady},
		{EventStop, StateStopping},
	}
	for _, s := range steps {
		if err := m.Transition(s.event); err != nil {
			t.Fatalf("Transition(%s): %v", s.event, err)
		}
		if got := m.State(); got != s.want {
			t.Fatalf("after %s: state = %s, want %s", s.event, got, s.want)
		}
	}
	if err := m.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := m.State(); got != StateStopped {
		t.Errorf("final state = %s", got)
	}
}

func TestTransition_RejectedIsNoOp(t *testing.T) {
	for state, events := range validTransitions {
		for _, event := range []Event{
			EventStart, EventRegistered, EventWaitApproval, EventApproved,
			EventConnected, EventStop, EventError, EventRecover,
		} {
			if _, ok := events[event]; ok {
				continue
			}
			m := NewMachine()
			m.current = state
			if err := m.Transition(event); err == nil {
				t.Errorf("Transition(%s) in %s: expected rejection", event, state)
			}
			if got := m.State(); got != state {
				t.Errorf("Transition(%s) in %s: state changed to %s", event, state, got)
			}
			if got := len(m.History()); got != 0 {
				t.Errorf("Transition(%s) in %s: %d history entries recorded", event, state, got)
			}
		}
	}
}

func TestFail_CapturesError(t *testing.T) {
	m := NewMachine()
	m.Transition(EventStart)

	cause := errors.New("register: connection refused")
	if err := m.Fail(cause); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if got := m.State(); got != StateError {
		t.Fatalf("state = %s", got)
	}
	if got := m.Previous(); got != StateRegistering {
		t.Errorf("Previous = %s, want %s", got, StateRegistering)
	}
	if !errors.Is(m.Err(), cause) {
		t.Errorf("Err = %v, want %v", m.Err(), cause)
	}
}

func TestRecover_ClearsError(t *testing.T) {
	m := NewMachine()
	m.Transition(EventStart)
	m.Fail(errors.New("boom"))

	if err := m.Transition(EventRecover); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := m.State(); got != StateRegistering {
		t.Errorf("state = %s", got)
	}
	if m.Err() != nil {
		t.Errorf("Err = %v, want nil after recover", m.Err())
	}
}

func TestComplete_OnlyFromStopping(t *testing.T) {
	m := NewMachine()
	if err := m.Complete(); err == nil {
		t.Error("Complete from uninitialized: expected error")
	}

	m.Transition(EventStart)
	m.Transition(EventRegistered)
	m.Transition(EventConnected)
	if err := m.Complete(); err == nil {
		t.Error("Complete from ready: expected error")
	}

	m.Transition(EventStop)
	if err := m.Complete(); err != nil {
		t.Errorf("Complete from stopping: %v", err)
	}
	// Stopped is terminal: nothing leaves it.
	if err := m.Transition(EventStart); err == nil {
		t.Error("Transition(start) from stopped: expected rejection")
	}
	if err := m.Complete(); err == nil {
		t.Error("Complete from stopped: expected error")
	}
}

func TestHistory_BoundedFIFO(t *testing.T) {
	m := NewMachine()
	m.Transition(EventStart)

	// Bounce error/recover far past capacity.
	for i := 0; i < HistoryCapacity; i++ {
		if err := m.Fail(fmt.Errorf("fault %d", i)); err != nil {
			t.Fatalf("Fail %d: %v", i, err)
		}
		if err := m.Transition(EventRecover); err != nil {
			t.Fatalf("Recover %d: %v", i, err)
		}
	}

	h := m.History()
	if len(h) != HistoryCapacity {
		t.Fatalf("history length = %d, want %d", len(h), HistoryCapacity)
	}
	// The newest transition must be the final recover; the oldest entries
	// (the initial start and early faults) were evicted.
	last := h[len(h)-1]
	if last.Event != EventRecover {
		t.Errorf("newest event = %s, want %s", last.Event, EventRecover)
	}
	first := h[0]
	if first.Event == EventStart {
		t.Error("oldest entry is the initial start; eviction dropped the newest instead of the oldest")
	}
}

func TestHistory_RecordsErrors(t *testing.T) {
	m := NewMachine()
	m.Transition(EventStart)
	cause := errors.New("heartbeat: timeout")
	m.Fail(cause)

	h := m.History()
	last := h[len(h)-1]
	if last.From != StateRegistering || last.To != StateError {
		t.Errorf("transition = %s -> %s", last.From, last.To)
	}
	if !errors.Is(last.Err, cause) {
		t.Errorf("recorded err = %v", last.Err)
	}
	if last.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestAssertState(t *testing.T) {
	m := NewMachine()
	if err := m.AssertState(StateUninitialized); err != nil {
		t.Errorf("AssertState(uninitialized): %v", err)
	}
	if err := m.AssertState(StateReady); err == nil {
		t.Error("AssertState(ready): expected error")
	}
}
