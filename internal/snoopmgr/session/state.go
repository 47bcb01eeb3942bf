package session

import (
	"fmt"
	"slices"
)

// CallState represents the lifecycle state of a tapped call
type CallState int

const (
	// StateSettingUp is from CallStarted until routing resumes
	StateSettingUp CallState = iota
	// StateActive is while the tap topology is up and registered
	StateActive
	// StateTearingDown is while unregister and the sweep run
	StateTearingDown
	// StateEnded is the final state; the session is removed from the registry
	StateEnded
)

func (s CallState) String() string {
	switch s {
	case StateSettingUp:
		return "SettingUp"
	case StateActive:
		return "Active"
	case StateTearingDown:
		return "TearingDown"
	case StateEnded:
		return "Ended"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// transitions lists the states reachable from each state. Abort goes straight
// from SettingUp to TearingDown.
var transitions = map[CallState][]CallState{
	StateSettingUp:   {StateActive, StateTearingDown},
	StateActive:      {StateTearingDown},
	StateTearingDown: {StateEnded},
	StateEnded:       {},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s CallState) CanTransitionTo(next CallState) bool {
	return slices.Contains(transitions[s], next)
}

// IsTerminal reports whether s is Ended.
func (s CallState) IsTerminal() bool {
	return s == StateEnded
}
