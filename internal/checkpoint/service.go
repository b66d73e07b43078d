package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fgsect/fitm/internal/fdtable"
	"github.com/fgsect/fitm/internal/restore"
	"github.com/fgsect/fitm/internal/scheduler"
	"github.com/fgsect/fitm/internal/statedir"
)

// MinSnapshotEntries is the number of images a usable dump contains at least.
const MinSnapshotEntries = 3

// PstreeImage holds the process tree of a snapshot.
const PstreeImage = "pstree.img"

// Environment understood by the restore script and the patched target.
const (
	EnvTimewarp       = "LETS_DO_THE_TIMEWARP_AGAIN"
	EnvSnapshotDir    = "CRIU_SNAPSHOT_DIR"
	EnvSnapshotOutDir = "CRIU_SNAPSHOT_OUT_DIR"
	EnvCreateOutputs  = "FITM_CREATE_OUTPUTS"
	EnvCriuBin        = "CRIU_BIN"
)

const (
	defaultRestoreTime  = 10 * time.Second
	defaultRunTime      = 5 * time.Second
	defaultPollInterval = 10 * time.Millisecond
	defaultShell        = "bash"
	defaultCriuPath     = "criu"
	defaultCritPath     = "crit"

	restoreScriptCommand = "./" + statedir.RestoreScript
)

// DefaultLauncher detaches the restore from our session and keeps its
// output line buffered.
var DefaultLauncher = []string{"setsid", "stdbuf", "-oL"}

// ErrNoSuccessMarker is returned when the restore script ended without
// reporting success.
var ErrNoSuccessMarker = errors.New("restore did not report success")

// Service implements scheduler.Replayer on top of CRIU.
type Service struct {
	Decoder  *fdtable.Decoder
	Template *restore.Template
	CriuPath string
	Shell    string
	// Launcher prefixes the shell invocation. Nil runs the shell directly.
	Launcher []string
	// RestoreTimeout bounds the restore script.
	RestoreTimeout time.Duration
	// RunTimeout bounds the restored process on its way to the next receive.
	RunTimeout   time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

// NewService returns a Service using criu and crit from the given paths.
// Empty paths fall back to looking them up in PATH.
func NewService(criuPath, critPath string, logger *slog.Logger) *Service {
	if criuPath == "" {
		criuPath = defaultCriuPath
	}
	if critPath == "" {
		critPath = defaultCritPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Decoder:        fdtable.NewDecoder(critPath),
		Template:       restore.DefaultTemplate(),
		CriuPath:       criuPath,
		Shell:          defaultShell,
		Launcher:       append([]string(nil), DefaultLauncher...),
		RestoreTimeout: defaultRestoreTime,
		RunTimeout:     defaultRunTime,
		PollInterval:   defaultPollInterval,
		Logger:         logger,
	}
}

var _ scheduler.Replayer = (*Service)(nil)

// Replay implements scheduler.Replayer. On error the target directory is
// removed.
func (s *Service) Replay(ctx context.Context, parent scheduler.Checkpoint, candidate scheduler.Input, target scheduler.Checkpoint) (res scheduler.Replay, err error) {
	data, err := candidate.Bytes()
	if err != nil {
		return scheduler.Replay{}, fmt.Errorf("replay %s: %w", candidate.Name, err)
	}
	if err := os.Mkdir(target.Dir, 0o755); err != nil {
		return scheduler.Replay{}, fmt.Errorf("replay %s: %w", candidate.Name, err)
	}
	defer func() {
		if err != nil {
			if rerr := os.RemoveAll(target.Dir); rerr != nil {
				s.logger().Warn("could not remove target", "state", target.Name(), "error", rerr)
			}
		}
	}()

	if err := s.prepare(ctx, parent, target); err != nil {
		return scheduler.Replay{}, fmt.Errorf("prepare %s from %s: %w", target.Name(), parent.Name(), err)
	}

	pid := s.restoredPID(ctx, filepath.Join(target.Dir, statedir.SnapshotDir))
	if err := s.restore(ctx, target, candidate.Path, data); err != nil {
		return scheduler.Replay{}, fmt.Errorf("restore %s: %w", target.Name(), err)
	}
	if err := s.awaitExit(ctx, pid); err != nil {
		return scheduler.Replay{}, err
	}

	output, err := collectOutput(filepath.Join(target.Dir, statedir.FDDir))
	if err != nil {
		return scheduler.Replay{}, err
	}

	captured, err := s.promote(ctx, target)
	if err != nil {
		return scheduler.Replay{}, err
	}
	if !captured {
		if err := os.RemoveAll(target.Dir); err != nil {
			return scheduler.Replay{}, fmt.Errorf("remove uncaptured %s: %w", target.Name(), err)
		}
	}
	s.logger().Debug("replayed",
		"parent", parent.Name(),
		"input", candidate.Name,
		"target", target.Name(),
		"output_bytes", len(output),
		"captured", captured,
	)
	return scheduler.Replay{Output: output, Captured: captured}, nil
}

// EnsureScript writes the continuation resume script of cp unless one
// already exists.
func (s *Service) EnsureScript(ctx context.Context, cp scheduler.Checkpoint) error {
	script := filepath.Join(cp.Dir, statedir.RestoreScript)
	if _, err := os.Stat(script); err == nil {
		return nil
	}
	return s.writeScript(ctx, cp.Dir, false, nil)
}

func (s *Service) writeScript(ctx context.Context, stateDir string, fresh bool, rw *restore.Rewrite) error {
	mappings, err := s.Decoder.LoadFromSnapshot(ctx, filepath.Join(stateDir, statedir.SnapshotDir))
	if err != nil {
		return err
	}
	proc, err := restore.Build(restore.Request{
		Template: s.Template,
		Mappings: mappings,
		StateDir: stateDir,
		Fresh:    fresh,
		Rewrite:  rw,
	})
	if err != nil {
		return err
	}
	return proc.WriteFile(filepath.Join(stateDir, statedir.RestoreScript))
}

// prepare lays out target as a fresh instance of parent.
func (s *Service) prepare(ctx context.Context, parent, target scheduler.Checkpoint) error {
	if err := copyTree(filepath.Join(parent.Dir, statedir.SnapshotDir), filepath.Join(target.Dir, statedir.SnapshotDir)); err != nil {
		return fmt.Errorf("copy snapshot: %w", err)
	}
	fdDir := filepath.Join(parent.Dir, statedir.FDDir)
	if _, err := os.Stat(fdDir); err == nil {
		if err := touchTree(fdDir, filepath.Join(target.Dir, statedir.FDDir)); err != nil {
			return fmt.Errorf("copy descriptors: %w", err)
		}
	}
	if err := os.Mkdir(filepath.Join(target.Dir, statedir.NextSnapshotDir), 0o755); err != nil {
		return err
	}
	rw := &restore.Rewrite{Old: parent.Name(), New: target.Name()}
	return s.writeScript(ctx, target.Dir, true, rw)
}

// restore runs the resume script of target with data on stdin.
func (s *Service) restore(ctx context.Context, target scheduler.Checkpoint, inputPath string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.restoreTimeout())
	defer cancel()

	argv := append(append([]string(nil), s.Launcher...), s.shell(), restoreScriptCommand)
	if inputPath != "" {
		argv = append(argv, inputPath)
	}

	marker := &markerWriter{marker: restore.SuccessMarker}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = target.Dir
	cmd.Env = append(os.Environ(), s.env(target)...)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = marker
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if marker.seen() {
		return nil
	}
	// With capture on, CRIU reports into the state's stderr file.
	detail := strings.TrimSpace(stderr.String())
	if captured, rerr := os.ReadFile(filepath.Join(target.Dir, statedir.Stderr)); rerr == nil {
		detail = strings.TrimSpace(detail + "\n" + tail(captured, maxErrDetail))
	}
	if err != nil {
		return fmt.Errorf("%w: %v: %s", ErrNoSuccessMarker, err, detail)
	}
	return fmt.Errorf("%w: %s", ErrNoSuccessMarker, detail)
}

const maxErrDetail = 2048

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

func (s *Service) env(target scheduler.Checkpoint) []string {
	return []string{
		EnvTimewarp + "=1",
		EnvSnapshotDir + "=" + filepath.Join(target.Dir, statedir.SnapshotDir),
		EnvSnapshotOutDir + "=" + filepath.Join(target.Dir, statedir.NextSnapshotDir),
		EnvCreateOutputs + "=1",
		restore.CaptureEnv + "=1",
		EnvCriuBin + "=" + s.CriuPath,
	}
}

// awaitExit polls until pid is gone. A process still alive after RunTimeout
// is killed.
func (s *Service) awaitExit(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}
	deadline := time.NewTimer(s.runTimeout())
	defer deadline.Stop()
	tick := time.NewTicker(s.pollInterval())
	defer tick.Stop()

	for {
		if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
			return nil
		}
		select {
		case <-ctx.Done():
			_ = unix.Kill(pid, unix.SIGKILL)
			return ctx.Err()
		case <-deadline.C:
			s.logger().Warn("restored process did not finish, killing", "pid", pid)
			_ = unix.Kill(pid, unix.SIGKILL)
			return nil
		case <-tick.C:
		}
	}
}

// promote swaps next_snapshot into snapshot when the dump is usable.
func (s *Service) promote(ctx context.Context, target scheduler.Checkpoint) (bool, error) {
	next := filepath.Join(target.Dir, statedir.NextSnapshotDir)
	n, err := countEntries(next)
	if err != nil {
		return false, err
	}
	if n < MinSnapshotEntries {
		return false, nil
	}

	snap := filepath.Join(target.Dir, statedir.SnapshotDir)
	if err := os.RemoveAll(snap); err != nil {
		return false, err
	}
	if err := os.Rename(next, snap); err != nil {
		return false, err
	}
	if err := os.Mkdir(next, 0o755); err != nil {
		return false, err
	}
	// The fresh script only served the replay; fuzzing resumes the capture.
	if err := os.Remove(filepath.Join(target.Dir, statedir.RestoreScript)); err != nil {
		return false, err
	}
	if err := s.writeScript(ctx, target.Dir, false, nil); err != nil {
		return false, fmt.Errorf("continuation script for %s: %w", target.Name(), err)
	}
	return true, nil
}

type pstree struct {
	Entries []struct {
		Pid int `json:"pid"`
	} `json:"entries"`
}

// restoredPID returns the pid the snapshot restores to, or 0 when the
// process tree cannot be decoded.
func (s *Service) restoredPID(ctx context.Context, snapshotDir string) int {
	raw, err := s.Decoder.Decode(ctx, filepath.Join(snapshotDir, PstreeImage))
	if err != nil {
		s.logger().Debug("no process tree", "snapshot", snapshotDir, "error", err)
		return 0
	}
	var tree pstree
	if err := json.Unmarshal(raw, &tree); err != nil || len(tree.Entries) == 0 {
		return 0
	}
	return tree.Entries[0].Pid
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) shell() string {
	if s.Shell != "" {
		return s.Shell
	}
	return defaultShell
}

func (s *Service) restoreTimeout() time.Duration {
	if s.RestoreTimeout > 0 {
		return s.RestoreTimeout
	}
	return defaultRestoreTime
}

func (s *Service) runTimeout() time.Duration {
	if s.RunTimeout > 0 {
		return s.RunTimeout
	}
	return defaultRunTime
}

func (s *Service) pollInterval() time.Duration {
	if s.PollInterval > 0 {
		return s.PollInterval
	}
	return defaultPollInterval
}

// markerWriter watches written lines for the success marker.
type markerWriter struct {
	marker string

	mu    sync.Mutex
	buf   []byte
	found bool
}

func (w *markerWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	sc := bufio.NewScanner(bytes.NewReader(w.buf))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == w.marker {
			w.found = true
		}
	}
	return len(p), nil
}

func (w *markerWriter) seen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.found
}
