package store

import (
	"context"
	"database/sql"
	"fmt"
)

// DistillRun is one invocation of distill-all.
type DistillRun struct {
	ID         string
	StatesRoot string
	OutputRoot string
	Seq        int64
}

// DistilledState is the outcome of distilling one state.
type DistilledState struct {
	RunID      string
	State      string
	Generation int
	StateID    int
	OutputPath string
	Fragments  int
	Missing    int
	Error      string
	Seq        int64
}

// GenerationRecord is one scheduler generation as seen after its barrier.
type GenerationRecord struct {
	Seq         int64
	Round       int
	Generation  int
	Role        string
	Phase       string
	Inputs      int
	Failures    int
	Checkpoints []string
}

// nextSeq returns the next logical clock value of table inside tx.
func nextSeq(ctx context.Context, tx *sql.Tx, table string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) + 1 FROM %s", table)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next seq of %s: %w", table, err)
	}
	return seq, nil
}

// BeginDistillRun registers a distillation run. The caller supplies the id.
func (s *Store) BeginDistillRun(ctx context.Context, id, statesRoot, outputRoot string) (DistillRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DistillRun{}, fmt.Errorf("begin distill run: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	seq, err := nextSeq(ctx, tx, "distill_runs")
	if err != nil {
		return DistillRun{}, fmt.Errorf("begin distill run: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO distill_runs (id, states_root, output_root, seq)
		VALUES (?, ?, ?, ?)
	`, id, statesRoot, outputRoot, seq)
	if err != nil {
		return DistillRun{}, fmt.Errorf("begin distill run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return DistillRun{}, fmt.Errorf("begin distill run: commit: %w", err)
	}
	return DistillRun{ID: id, StatesRoot: statesRoot, OutputRoot: outputRoot, Seq: seq}, nil
}

// WriteDistilledState records the outcome of one state.
// Uses ON CONFLICT DO NOTHING - a state is recorded once per run.
//
// Note: The run referenced by RunID must exist (foreign key constraint).
func (s *Store) WriteDistilledState(ctx context.Context, st DistilledState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write distilled state: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextSeq(ctx, tx, "distilled_states")
	if err != nil {
		return fmt.Errorf("write distilled state: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO distilled_states
		(run_id, state, generation, state_id, output_path, fragments, missing, error, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, state) DO NOTHING
	`,
		st.RunID,
		st.State,
		st.Generation,
		st.StateID,
		st.OutputPath,
		st.Fragments,
		st.Missing,
		st.Error,
		seq,
	)
	if err != nil {
		return fmt.Errorf("write distilled state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write distilled state: commit: %w", err)
	}
	return nil
}

// AppendGeneration appends rec to the generation log and returns its seq.
// rec.Seq is ignored.
func (s *Store) AppendGeneration(ctx context.Context, rec GenerationRecord) (int64, error) {
	names, err := marshalNames(rec.Checkpoints)
	if err != nil {
		return 0, fmt.Errorf("append generation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append generation: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextSeq(ctx, tx, "generation_log")
	if err != nil {
		return 0, fmt.Errorf("append generation: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO generation_log
		(seq, round, generation, role, phase, inputs, failures, checkpoints)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		seq,
		rec.Round,
		rec.Generation,
		rec.Role,
		rec.Phase,
		rec.Inputs,
		rec.Failures,
		names,
	)
	if err != nil {
		return 0, fmt.Errorf("append generation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append generation: commit: %w", err)
	}
	return seq, nil
}
