package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// LatestDistillRun returns the run with the highest seq.
func (s *Store) LatestDistillRun(ctx context.Context) (DistillRun, error) {
	var run DistillRun
	err := s.db.QueryRowContext(ctx, `
		SELECT id, states_root, output_root, seq
		FROM distill_runs
		ORDER BY seq DESC
		LIMIT 1
	`).Scan(&run.ID, &run.StatesRoot, &run.OutputRoot, &run.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return DistillRun{}, fmt.Errorf("latest distill run: %w", ErrNotFound)
	}
	if err != nil {
		return DistillRun{}, fmt.Errorf("latest distill run: %w", err)
	}
	return run, nil
}

// ListDistilledStates returns the states of a run.
// Results are ordered: ORDER BY generation ASC, state_id ASC, state COLLATE BINARY ASC.
//
// Returns an empty slice (not nil) when the run has no states.
func (s *Store) ListDistilledStates(ctx context.Context, runID string) ([]DistilledState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, state, generation, state_id, output_path, fragments, missing, error, seq
		FROM distilled_states
		WHERE run_id = ?
		ORDER BY generation ASC, state_id ASC, state COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query distilled states: %w", err)
	}
	defer rows.Close()

	states := []DistilledState{}
	for rows.Next() {
		var st DistilledState
		if err := rows.Scan(
			&st.RunID,
			&st.State,
			&st.Generation,
			&st.StateID,
			&st.OutputPath,
			&st.Fragments,
			&st.Missing,
			&st.Error,
			&st.Seq,
		); err != nil {
			return nil, fmt.Errorf("scan distilled state: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate distilled states: %w", err)
	}
	return states, nil
}

// ListGenerations returns the generation log ordered by seq.
//
// Returns an empty slice (not nil) when nothing was logged.
func (s *Store) ListGenerations(ctx context.Context) ([]GenerationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, round, generation, role, phase, inputs, failures, checkpoints
		FROM generation_log
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query generations: %w", err)
	}
	defer rows.Close()

	recs := []GenerationRecord{}
	for rows.Next() {
		var (
			rec   GenerationRecord
			names string
		)
		if err := rows.Scan(
			&rec.Seq,
			&rec.Round,
			&rec.Generation,
			&rec.Role,
			&rec.Phase,
			&rec.Inputs,
			&rec.Failures,
			&names,
		); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		if rec.Checkpoints, err = unmarshalNames(names); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generations: %w", err)
	}
	return recs, nil
}
