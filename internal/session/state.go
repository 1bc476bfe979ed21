// Package session is the recording engine: one take at a time, moved through
// Idle, Recording, Paused and Stopped, with the capture stream, level meter,
// duration timer and chunk flusher owned by the current take.
package session

import "fmt"

// State is the lifecycle position of the engine
type State string

const (
	StateIdle      State = "IDLE"
	StateRecording State = "RECORDING"
	StatePaused    State = "PAUSED"
	StateStopped   State = "STOPPED"
)

func (s State) String() string {
	return string(s)
}

// Active reports whether a take is holding the capture device
func (s State) Active() bool {
	return s == StateRecording || s == StatePaused
}

type event string

const (
	eventStart   event = "start"
	eventPause   event = "pause"
	eventResume  event = "resume"
	eventStop    event = "stop"
	eventDiscard event = "discard"
)

// transitions lists every legal move. Discard is accepted from anywhere and
// is handled separately.
var transitions = map[State]map[event]State{
	StateIdle: {
		eventStart: StateRecording,
	},
	StateRecording: {
		eventPause: StatePaused,
		eventStop:  StateStopped,
	},
	StatePaused: {
		eventResume: StateRecording,
		eventStop:   StateStopped,
	},
	StateStopped: {
		eventStart: StateRecording,
	},
}

func next(from State, ev event) (State, error) {
	if ev == eventDiscard {
		return StateIdle, nil
	}
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: cannot %s while %s", ErrInvalidTransition, ev, from)
}
