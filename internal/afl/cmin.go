package afl

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fgsect/fitm/internal/scheduler"
)

// Minimize implements scheduler.Minimizer. Survivors keep the lineage of the
// input they were written from and carry the trace afl-cmin recorded.
func (a *AFL) Minimize(ctx context.Context, cp scheduler.Checkpoint, inputs []scheduler.Input) ([]scheduler.Input, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	in := filepath.Join(cp.Dir, CminInDir)
	out := filepath.Join(cp.Dir, CminOutDir)
	byName, err := writeInputs(in, inputs)
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(out); err != nil {
		return nil, err
	}

	args := []string{
		"-i", in,
		"-o", out,
		"-t", a.execTimeout(),
		"-m", "none",
		"-U",
	}
	args = append(args, targetArgs()...)
	env := append(baseEnv(), "AFL_KEEP_TRACES=1")

	code, err := a.run(ctx, cp.Dir, a.CminPath, args, env)
	if err != nil {
		return nil, err
	}
	if code != 0 && code != cminCrashExit {
		return nil, &ExitError{Tool: a.CminPath, Code: code}
	}

	kept, err := readInputs(out, filepath.Join(out, TracesDir))
	if err != nil {
		return nil, err
	}
	for i := range kept {
		if orig, ok := byName[kept[i].Name]; ok {
			kept[i].Name = orig.Name
			kept[i].Lineage = orig.Lineage
		}
	}
	if len(kept) == 0 {
		a.logger().Warn("minimized to zero inputs", "checkpoint", cp.Name(), "inputs", len(inputs))
	}
	a.logger().Debug("minimized", "checkpoint", cp.Name(), "inputs", len(inputs), "kept", len(kept))
	return kept, nil
}
