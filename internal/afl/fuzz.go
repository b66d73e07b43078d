package afl

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fgsect/fitm/internal/scheduler"
	"github.com/fgsect/fitm/internal/statedir"
)

// Fuzz implements scheduler.Fuzzer. afl-fuzz is asked to stop after budget;
// if it overruns by more than Grace it is killed and whatever queue it wrote
// is returned with context.DeadlineExceeded.
func (a *AFL) Fuzz(ctx context.Context, cp scheduler.Checkpoint, corpus []scheduler.Input, budget time.Duration) ([]scheduler.Input, error) {
	in := filepath.Join(cp.Dir, statedir.InDir)
	out := filepath.Join(cp.Dir, FuzzOutDir)
	if _, err := writeInputs(in, corpus); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(out); err != nil {
		return nil, err
	}

	secs := int(math.Ceil(budget.Seconds()))
	if secs < 1 {
		secs = 1
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(secs)*time.Second+a.grace())
	defer cancel()

	args := []string{
		"-i", in,
		"-o", out,
		"-m", "none",
		"-M", "main",
		"-d",
		"-V", strconv.Itoa(secs),
		"-t", a.execTimeout(),
	}
	args = append(args, targetArgs()...)
	env := append(baseEnv(),
		"AFL_AUTORESUME=1",
		// Splits multi-byte compares.
		"AFL_COMPCOV_LEVEL=2",
		"AFL_DISABLE_TRIM=1",
	)

	code, runErr := a.run(runCtx, cp.Dir, a.FuzzPath, args, env)
	queueDir := filepath.Join(out, "main", "queue")
	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil {
			queue, _ := readInputs(queueDir, "")
			return queue, runErr
		}
		return nil, runErr
	}
	if code != 0 {
		return nil, &ExitError{Tool: a.FuzzPath, Code: code}
	}

	if stats, err := ReadStats(filepath.Join(out, "main", StatsFile)); err == nil {
		a.logger().Info("fuzz run finished", append([]any{"checkpoint", cp.Name()}, stats.LogAttrs()...)...)
	}
	return readInputs(queueDir, "")
}
