package afl

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fgsect/fitm/internal/checkpoint"
	"github.com/fgsect/fitm/internal/scheduler"
	"github.com/fgsect/fitm/internal/statedir"
)

// Scratch locations inside a checkpoint directory. They are recreated on
// every run; the persisted queue lives under statedir.OutDir.
const (
	FuzzOutDir = "afl-out"
	CminInDir  = "cmin-in"
	CminOutDir = "cmin-out"
	TracesDir  = ".traces"
	LogFile    = "afl.log"
)

const (
	defaultExecTimeout = time.Second
	defaultGrace       = 30 * time.Second
	// afl-cmin exits 2 when the target crashed on one of the inputs.
	cminCrashExit = 2
)

// ExitError reports an AFL++ tool that exited unsuccessfully.
type ExitError struct {
	Tool string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", filepath.Base(e.Tool), e.Code)
}

// AFL runs afl-fuzz and afl-cmin. It implements scheduler.Fuzzer and
// scheduler.Minimizer.
type AFL struct {
	FuzzPath string
	CminPath string
	// ExecTimeout bounds a single execution of the target.
	ExecTimeout time.Duration
	// Grace is added to the fuzz budget before afl-fuzz is killed.
	Grace  time.Duration
	Logger *slog.Logger
}

var (
	_ scheduler.Fuzzer    = (*AFL)(nil)
	_ scheduler.Minimizer = (*AFL)(nil)
)

// New returns an AFL using the tools found in dir. An empty dir uses PATH.
func New(dir string, logger *slog.Logger) *AFL {
	if logger == nil {
		logger = slog.Default()
	}
	fuzz, cmin := "afl-fuzz", "afl-cmin"
	if dir != "" {
		fuzz = filepath.Join(dir, fuzz)
		cmin = filepath.Join(dir, cmin)
	}
	return &AFL{
		FuzzPath:    fuzz,
		CminPath:    cmin,
		ExecTimeout: defaultExecTimeout,
		Grace:       defaultGrace,
		Logger:      logger,
	}
}

func (a *AFL) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *AFL) execTimeout() string {
	d := a.ExecTimeout
	if d <= 0 {
		d = defaultExecTimeout
	}
	return strconv.FormatInt(d.Milliseconds(), 10)
}

func (a *AFL) grace() time.Duration {
	if a.Grace > 0 {
		return a.Grace
	}
	return defaultGrace
}

// baseEnv is shared by both tools. The target is bash, which is not
// instrumented, and a CRIU restore may take long to reach the fork server.
func baseEnv() []string {
	return []string{
		"AFL_SKIP_BIN_CHECK=1",
		"AFL_NO_UI=1",
		"AFL_FORKSRV_INIT_TMOUT=60000",
		checkpoint.EnvSnapshotDir + "=./" + statedir.SnapshotDir,
		checkpoint.EnvCreateOutputs + "=1",
	}
}

func targetArgs() []string {
	return []string{"--", "bash", "./" + statedir.RestoreScript, "@@"}
}

// run executes tool inside dir and returns its exit status. Tool output is
// appended to LogFile.
func (a *AFL) run(ctx context.Context, dir, tool string, args, env []string) (int, error) {
	logf, err := os.OpenFile(filepath.Join(dir, LogFile), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	defer logf.Close()

	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.WaitDelay = 5 * time.Second

	a.logger().Debug("running", "tool", filepath.Base(tool), "dir", dir, "args", strings.Join(args, " "))
	err = cmd.Run()
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", filepath.Base(tool), err)
	}
	return 0, nil
}

// writeInputs stores inputs as files in a fresh dir and returns them by the
// file name used.
func writeInputs(dir string, inputs []scheduler.Input) (map[string]scheduler.Input, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	byName := make(map[string]scheduler.Input, len(inputs))
	for i, in := range inputs {
		name := fileName(in, i)
		if _, dup := byName[name]; dup {
			name = fmt.Sprintf("%s.%d", name, i)
		}
		data, err := in.Bytes()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return nil, err
		}
		byName[name] = in
	}
	return byName, nil
}

func fileName(in scheduler.Input, i int) string {
	name := in.Name
	if name == "" && in.Path != "" {
		name = filepath.Base(in.Path)
	}
	name = filepath.Base(name)
	if name == "" || name == "." || name == string(filepath.Separator) || strings.HasPrefix(name, ".") {
		name = fmt.Sprintf("input-%d", i)
	}
	return name
}

// readInputs loads the test cases of dir, skipping hidden entries. When
// traces is set, the trace of each case is read from it.
func readInputs(dir, traces string) ([]scheduler.Input, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []scheduler.Input
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		in := scheduler.Input{Name: e.Name(), Path: path, Data: data}
		if traces != "" {
			trace, err := os.ReadFile(filepath.Join(traces, e.Name()))
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
			in.Trace = trace
		}
		out = append(out, in)
	}
	return out, nil
}
