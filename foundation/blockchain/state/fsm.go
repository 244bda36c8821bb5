package state

import (
	"context"

	"github.com/looplab/fsm"
)

// The run states of the node. Mining only happens while running.
const (
	StateSyncing = "syncing"
	StateRunning = "running"
)

// The events that move the node between run states.
const (
	EventSync  = "sync"
	EventReady = "ready"
)

// newMachine constructs the run-state machine. A node starts out
// syncing and only mines once the startup sync declares it caught up.
func newMachine(ev EventHandler) *fsm.FSM {
	return fsm.NewFSM(
		StateSyncing,
		fsm.Events{
			{Name: EventReady, Src: []string{StateSyncing}, Dst: StateRunning},
			{Name: EventSync, Src: []string{StateRunning}, Dst: StateSyncing},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				ev("state: machine: %s -> %s", e.Src, e.Dst)
			},
		},
	)
}

// IsMiningAllowed reports whether the node may assemble and mine new
// blocks right now.
func (s *State) IsMiningAllowed() bool {
	return s.machine.Is(StateRunning)
}

// MachineState returns the current run state for reporting.
func (s *State) MachineState() string {
	return s.machine.Current()
}

// BeginSync moves the node back into the syncing state. Mining stops
// until CompleteSync is called.
func (s *State) BeginSync() error {
	return s.machine.Event(context.Background(), EventSync)
}

// CompleteSync declares the node caught up with its peers and turns
// mining back on.
func (s *State) CompleteSync() error {
	return s.machine.Event(context.Background(), EventReady)
}
