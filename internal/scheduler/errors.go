package scheduler

import (
	"errors"
	"fmt"
)

// ErrNoCheckpoints is returned when generation 0 has nothing to fuzz.
var ErrNoCheckpoints = errors.New("no checkpoints for generation 0")

// Cycle stages, used in CycleError and metrics.
const (
	StageMinimizeInputs = "minimize_inputs"
	StageFuzz           = "fuzz"
	StageMinimizeQueue  = "minimize_queue"
	StagePersistQueue   = "persist_queue"
	StageReplay         = "replay"
)

// CycleError is the failure of one checkpoint's cycle. It never aborts the
// generation.
type CycleError struct {
	Checkpoint string
	Stage      string
	Err        error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle %s: %s: %v", e.Checkpoint, e.Stage, e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage of the CycleError wrapped by err, or StageReplay
// when err carries none.
func StageOf(err error) string {
	var ce *CycleError
	if errors.As(err, &ce) {
		return ce.Stage
	}
	return StageReplay
}
