package scheduler

import "fmt"

// Phase is the scheduler state machine phase.
type Phase int

const (
	PhaseRunning Phase = iota
	PhaseRestarting
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseRestarting:
		return "restarting"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is Running(Gen) or Restarting.
type State struct {
	Phase Phase
	Gen   int
}

// Running returns the Running(gen) state.
func Running(gen int) State {
	return State{Phase: PhaseRunning, Gen: gen}
}

// Restarting is the transient state between a zero-yield generation and
// Running(0).
var Restarting = State{Phase: PhaseRestarting}

func (s State) String() string {
	if s.Phase == PhaseRestarting {
		return "Restarting"
	}
	return fmt.Sprintf("Running(%d)", s.Gen)
}

// Outcome describes one processed generation.
type Outcome struct {
	Round      int
	Generation int
	// Inputs is the number of inputs harvested for Generation+1.
	Inputs int
	// Checkpoints lists the checkpoints captured for Generation+2.
	Checkpoints []string
	// Failures counts checkpoints whose cycle failed.
	Failures int
	// Restarted is set when the generation yielded nothing.
	Restarted bool
	// Transitions lists the states entered after the barrier, in order.
	Transitions []State
	Next        State
}
