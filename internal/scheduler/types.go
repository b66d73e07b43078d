package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fgsect/fitm/internal/lineage"
	"github.com/fgsect/fitm/internal/statedir"
)

// Checkpoint is a captured process state. Immutable once captured.
type Checkpoint struct {
	Generation int
	ID         int
	Dir        string
}

// Name returns the state directory name of the checkpoint.
func (c Checkpoint) Name() string {
	return statedir.Name(c.Generation, c.ID)
}

// Role returns the protocol side the checkpoint belongs to.
func (c Checkpoint) Role() statedir.Role {
	return statedir.RoleOf(c.Generation)
}

func (c Checkpoint) String() string {
	return c.Name()
}

// Input is one message for a checkpoint. Data may be nil, in which case the
// content is read from Path.
type Input struct {
	Name    string
	Path    string
	Data    []byte
	Trace   []byte
	Lineage *lineage.Pointer
}

// Bytes returns the content of the input.
func (in Input) Bytes() ([]byte, error) {
	if in.Data != nil {
		return in.Data, nil
	}
	if in.Path == "" {
		return nil, fmt.Errorf("input %q has neither data nor path", in.Name)
	}
	return os.ReadFile(in.Path)
}

// Replay is what feeding one candidate to a checkpoint produced.
type Replay struct {
	// Output holds what the process sent before blocking again.
	Output []byte
	// Captured reports whether the target checkpoint was written.
	Captured bool
}

// Fuzzer mutates a corpus against a checkpoint for at most budget and returns
// the resulting queue.
type Fuzzer interface {
	Fuzz(ctx context.Context, cp Checkpoint, corpus []Input, budget time.Duration) ([]Input, error)
}

// Minimizer drops inputs that add no coverage on cp.
type Minimizer interface {
	Minimize(ctx context.Context, cp Checkpoint, inputs []Input) ([]Input, error)
}

// Replayer restores parent, feeds it candidate and runs it to its next
// receive boundary, capturing the new state into target.
type Replayer interface {
	Replay(ctx context.Context, parent Checkpoint, candidate Input, target Checkpoint) (Replay, error)
}

// Generation holds the pending inputs and live checkpoints of one generation.
type Generation struct {
	Inputs      []Input
	Checkpoints []Checkpoint
}
