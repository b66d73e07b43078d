package distill

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fgsect/fitm/internal/lineage"
	"github.com/fgsect/fitm/internal/statedir"
	"github.com/fgsect/fitm/internal/store"
)

// IndexDBName is the catalog file created inside the index directory.
const IndexDBName = "index.db"

// Options configures a distillation run.
type Options struct {
	StatesRoot string
	OutputRoot string
	// IndexDir, when set, receives one file per state holding the absolute
	// output path, plus the SQLite catalog.
	IndexDir string
	// Workers bounds concurrent reconstructions. Zero selects runtime.NumCPU.
	Workers int
	MaxHops int
	Logger  *slog.Logger
}

// StateResult is the outcome for one state.
type StateResult struct {
	State      string
	Generation int
	ID         int
	OutputPath string
	Fragments  int
	Missing    int
	Bytes      int
	Err        error
}

// Report summarizes a run.
type Report struct {
	RunID      string
	OutputRoot string
	States     []StateResult
}

// Failed returns the states that could not be distilled.
func (r *Report) Failed() []StateResult {
	var out []StateResult
	for _, s := range r.States {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Succeeded returns the number of distilled states.
func (r *Report) Succeeded() int {
	return len(r.States) - len(r.Failed())
}

type job struct {
	name    string
	gen, id int
}

// Run distills every state of opts.StatesRoot into opts.OutputRoot.
func Run(ctx context.Context, opts Options) (*Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	statesRoot, err := filepath.Abs(opts.StatesRoot)
	if err != nil {
		return nil, fmt.Errorf("distill: %w", err)
	}
	info, err := os.Stat(statesRoot)
	if err != nil || !info.IsDir() || !statedir.LooksLikeStatesRoot(statesRoot) {
		return nil, fmt.Errorf("distill %s: %w", opts.StatesRoot, ErrNotStatesRoot)
	}

	outputRoot, err := filepath.Abs(opts.OutputRoot)
	if err != nil {
		return nil, fmt.Errorf("distill: %w", err)
	}
	if err := os.Mkdir(outputRoot, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, &OutputRootCollisionError{Path: outputRoot}
		}
		return nil, fmt.Errorf("distill: create output root: %w", err)
	}
	// until states are dispatched the root is still empty; drop it on failure
	// so a retry does not collide with it
	dispatched := false
	defer func() {
		if !dispatched {
			os.Remove(outputRoot)
		}
	}()

	runID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("distill: run id: %w", err)
	}
	report := &Report{RunID: runID.String(), OutputRoot: outputRoot}

	var catalog *store.Store
	if opts.IndexDir != "" {
		if err := os.MkdirAll(opts.IndexDir, 0o755); err != nil {
			return nil, fmt.Errorf("distill: create index dir: %w", err)
		}
		catalog, err = store.Open(filepath.Join(opts.IndexDir, IndexDBName))
		if err != nil {
			return nil, fmt.Errorf("distill: %w", err)
		}
		defer catalog.Close()
		if _, err := catalog.BeginDistillRun(ctx, report.RunID, statesRoot, outputRoot); err != nil {
			return nil, fmt.Errorf("distill: %w", err)
		}
	}

	jobs, err := enumerate(statesRoot)
	if err != nil {
		return nil, fmt.Errorf("distill: %w", err)
	}
	logger.Info("distilling states",
		"root", statesRoot,
		"states", len(jobs),
		"workers", workers,
		"run_id", report.RunID,
	)

	rec := lineage.NewReconstructor(
		lineage.WithMaxHops(opts.MaxHops),
		lineage.WithLogger(logger),
	)

	report.States = make([]StateResult, len(jobs))
	dispatched = true
	var g errgroup.Group
	g.SetLimit(workers)
	for i, j := range jobs {
		g.Go(func() error {
			res := StateResult{
				State:      j.name,
				Generation: j.gen,
				ID:         j.id,
				OutputPath: filepath.Join(outputRoot, j.name),
			}
			res.Err = distillOne(ctx, rec, filepath.Join(statesRoot, j.name), &res)
			if res.Err == nil && opts.IndexDir != "" {
				res.Err = writeIndex(opts.IndexDir, j.name, res.OutputPath)
			}
			if res.Err != nil {
				logger.Error("distill state failed", "state", j.name, "error", res.Err)
			}
			if catalog != nil {
				if err := catalog.WriteDistilledState(ctx, toRow(report.RunID, res)); err != nil {
					logger.Warn("catalog write failed", "state", j.name, "error", err)
				}
			}
			report.States[i] = res
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	logger.Info("distillation finished",
		"distilled", report.Succeeded(),
		"failed", len(report.Failed()),
	)
	return report, nil
}

// enumerate lists the state directories of root in name order.
func enumerate(root string) ([]job, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var jobs []job
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		gen, id, ok := statedir.Parse(e.Name())
		if !ok {
			continue
		}
		jobs = append(jobs, job{name: e.Name(), gen: gen, id: id})
	}
	return jobs, nil
}

func distillOne(ctx context.Context, rec *lineage.Reconstructor, stateDir string, res *StateResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chain, err := rec.Reconstruct(ctx, stateDir)
	if err != nil {
		return err
	}
	res.Fragments = chain.Len()
	for _, f := range chain.Fragments {
		if f.Missing {
			res.Missing++
		}
		res.Bytes += len(f.Data)
	}
	return chain.Materialize(res.OutputPath)
}

func writeIndex(dir, name, outPath string) error {
	if err := os.WriteFile(filepath.Join(dir, name), []byte(outPath), 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

func toRow(runID string, res StateResult) store.DistilledState {
	row := store.DistilledState{
		RunID:      runID,
		State:      res.State,
		Generation: res.Generation,
		StateID:    res.ID,
		OutputPath: res.OutputPath,
		Fragments:  res.Fragments,
		Missing:    res.Missing,
	}
	if res.Err != nil {
		row.Error = res.Err.Error()
	}
	return row
}
