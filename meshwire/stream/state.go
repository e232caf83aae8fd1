// Package stream multiplexes per-group message subscriptions and the
// welcome subscription into the client's logical streams, tolerating
// disconnects and resubscribing as groups are added.
package stream

import (
	"github.com/pkg/errors"
)

// State of the driver. The only legal transitions are
// Waiting → Processing → Waiting and Waiting → Adding → Waiting.
type State int

const (
	StateWaiting State = iota
	StateProcessing
	StateAdding
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateProcessing:
		return "processing"
	case StateAdding:
		return "adding"
	}
	return "unknown"
}

var ErrInvalidTransition = errors.New("stream: invalid state transition")

// transition guards the driver's state machine.
type transition struct {
	current State
}

func (t *transition) to(next State) error {
	switch {
	case t.current == StateWaiting && next != StateWaiting:
	case next == StateWaiting:
	default:
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", t.current, next)
	}
	t.current = next
	return nil
}

func (t *transition) state() State {
	return t.current
}
