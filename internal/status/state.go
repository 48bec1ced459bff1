package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/geochat/internal/bus"
)

// State is the lifecycle state of the chat connection.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Open         State = "OPEN"
	Ready        State = "READY"
	Closed       State = "CLOSED"
	Error        State = "ERROR"
	Reconnecting State = "RECONNECTING"
	Stopped      State = "STOPPED"
)

// validTransitions defines allowed state transitions. Stopped is terminal.
var validTransitions = map[State][]State{
	Idle:         {Connecting, Stopped},
	Connecting:   {Open, Reconnecting, Stopped},
	Open:         {Ready, Closed, Error, Stopped},
	Ready:        {Closed, Error, Stopped},
	Closed:       {Reconnecting, Stopped},
	Error:        {Reconnecting, Stopped},
	Reconnecting: {Connecting, Stopped},
}

// Connected reports whether a transport is open in this state.
func (s State) Connected() bool {
	return s == Open || s == Ready
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Emit(bus.KindStatusChanged, StatusChange{From: from, To: to})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
