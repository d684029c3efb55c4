// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package reload

import (
	"github.com/felixgeelhaar/statekit"
	"github.com/samber/oops"
)

// State is the controller state.
type State string

// Controller states.
const (
	StateIdle       State = "idle"
	StatePending    State = "pending"
	StateRebuilding State = "rebuilding"
)

// Machine events.
const (
	EventChange = "CHANGE"
	EventQuiet  = "QUIET"
	EventDone   = "DONE"
)

// machineContext is the statekit context. The controller keeps its own
// bookkeeping, so the machine only tracks the state itself.
type machineContext struct{}

// newMachine builds the idle -> pending -> rebuilding -> idle cycle. Events
// that have no transition in the current state are ignored, which is what
// absorbs changes while a rebuild is pending or running.
func newMachine() (*statekit.Interpreter[machineContext], error) {
	machine, err := statekit.NewMachine[machineContext]("trinity-reload").
		WithInitial("idle").
		WithContext(machineContext{}).
		State("idle").
		On(EventChange).Target("pending").Done().
		State("pending").
		On(EventQuiet).Target("rebuilding").Done().
		State("rebuilding").
		On(EventDone).Target("idle").Done().
		Build()
	if err != nil {
		return nil, oops.In("reload").Wrapf(err, "build reload state machine")
	}
	return statekit.NewInterpreter(machine), nil
}
