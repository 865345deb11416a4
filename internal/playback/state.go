package playback

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidTransition is returned for any state change outside the table.
var ErrInvalidTransition = errors.New("invalid playback state transition")

// State is the playback state of one session.
type State int

const (
	Idle State = iota
	Buffering
	Playing
	Rebuffering
	Draining
	Complete
)

var stateNames = map[State]string{
	Idle:        "idle",
	Buffering:   "buffering",
	Playing:     "playing",
	Rebuffering: "rebuffering",
	Draining:    "draining",
	Complete:    "complete",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{Idle, Buffering, Playing, Rebuffering, Draining, Complete}
}

var transitions = map[State][]State{
	Idle:        {Buffering},
	Buffering:   {Playing},
	Playing:     {Rebuffering, Draining},
	Rebuffering: {Playing, Draining},
	Draining:    {Complete},
}

// CanTransition reports whether from -> to is a regular edge. Abort is
// handled separately and may return any state to Idle.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
