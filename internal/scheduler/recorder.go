package scheduler

import (
	"context"

	"github.com/fgsect/fitm/internal/statedir"
	"github.com/fgsect/fitm/internal/store"
)

// Recorder receives the outcome of every generation.
type Recorder interface {
	RecordGeneration(ctx context.Context, o Outcome) error
}

// StoreRecorder appends outcomes to the catalog's generation log.
type StoreRecorder struct {
	Store *store.Store
}

// RecordGeneration implements Recorder.
func (r StoreRecorder) RecordGeneration(ctx context.Context, o Outcome) error {
	phase := PhaseRunning.String()
	if o.Restarted {
		phase = PhaseRestarting.String()
	}
	_, err := r.Store.AppendGeneration(ctx, store.GenerationRecord{
		Round:       o.Round,
		Generation:  o.Generation,
		Role:        statedir.RoleOf(o.Generation).String(),
		Phase:       phase,
		Inputs:      o.Inputs,
		Failures:    o.Failures,
		Checkpoints: o.Checkpoints,
	})
	return err
}
