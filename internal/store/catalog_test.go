package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistillRun_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	_, err := s.LatestDistillRun(ctx)
	assert.True(t, errors.Is(err, ErrNotFound))

	first, err := s.BeginDistillRun(ctx, "run-a", "/w/saved-states", "/w/out-a")
	require.NoError(t, err)
	second, err := s.BeginDistillRun(ctx, "run-b", "/w/saved-states", "/w/out-b")
	require.NoError(t, err)
	assert.Less(t, first.Seq, second.Seq)

	latest, err := s.LatestDistillRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, latest)
}

func TestDistilledStates_OrderedAndIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	_, err := s.BeginDistillRun(ctx, "run", "/w/saved-states", "/w/out")
	require.NoError(t, err)

	for _, st := range []DistilledState{
		{RunID: "run", State: "fitm-gen3-state0", Generation: 3, OutputPath: "/w/out/fitm-gen3-state0", Fragments: 3},
		{RunID: "run", State: "fitm-gen1-state2", Generation: 1, StateID: 2, OutputPath: "/w/out/fitm-gen1-state2", Fragments: 1},
		{RunID: "run", State: "fitm-gen1-state0", Generation: 1, OutputPath: "/w/out/fitm-gen1-state0", Fragments: 1, Missing: 1},
	} {
		require.NoError(t, s.WriteDistilledState(ctx, st))
	}
	// duplicate is ignored
	require.NoError(t, s.WriteDistilledState(ctx, DistilledState{RunID: "run", State: "fitm-gen1-state0", Error: "again"}))

	states, err := s.ListDistilledStates(ctx, "run")
	require.NoError(t, err)
	require.Len(t, states, 3)
	assert.Equal(t, "fitm-gen1-state0", states[0].State)
	assert.Equal(t, 1, states[0].Missing)
	assert.Empty(t, states[0].Error)
	assert.Equal(t, "fitm-gen1-state2", states[1].State)
	assert.Equal(t, "fitm-gen3-state0", states[2].State)

	empty, err := s.ListDistilledStates(ctx, "other")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestGenerationLog(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	seq, err := s.AppendGeneration(ctx, GenerationRecord{
		Round:       0,
		Generation:  0,
		Role:        "server",
		Phase:       "running",
		Inputs:      2,
		Checkpoints: []string{"fitm-gen2-state1", "fitm-gen2-state0"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	seq, err = s.AppendGeneration(ctx, GenerationRecord{Round: 0, Generation: 1, Role: "client", Phase: "restarting"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	recs, err := s.ListGenerations(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"fitm-gen2-state1", "fitm-gen2-state0"}, recs[0].Checkpoints)
	assert.Equal(t, 2, recs[0].Inputs)
	assert.Equal(t, "restarting", recs[1].Phase)
	assert.Equal(t, []string{}, recs[1].Checkpoints)
}

func TestMarshalNames_Canonical(t *testing.T) {
	got, err := marshalNames(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", got)

	got, err = marshalNames([]string{"a<b", "c"})
	require.NoError(t, err)
	assert.Equal(t, `["a<b","c"]`, got)
}
