package statedir

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Layout names inside a state directory.
const (
	SnapshotDir     = "snapshot"
	NextSnapshotDir = "next_snapshot"
	FDDir           = "fd"
	InDir           = "in"
	OutDir          = "out"
	OutputsDir      = "outputs"
	Stdout          = "stdout"
	Stderr          = "stderr"
	PrevInput       = "prev_input"
	PrevInputPath   = "prev_input_path"
	PrevState       = "prev_state"
	RestoreScript   = "restore.sh"
	RunInfo         = "run-info"
)

// StatesRootName is the basename every states root must carry.
const StatesRootName = "saved-states"

// QueueDepth is the number of trailing segments separating a queued input
// from its owning state: <state>/out/main/queue/<file>.
const QueueDepth = 4

var queueSubpath = []string{OutDir, "main", "queue"}

var namePattern = regexp.MustCompile(`^fitm-gen(\d+)-state(\d+)$`)

// Name returns the directory name of state id within generation gen.
func Name(gen, id int) string {
	return fmt.Sprintf("fitm-gen%d-state%d", gen, id)
}

// Parse extracts generation and state id from a directory name.
// ok is false for names that are not conversation states.
func Parse(name string) (gen, id int, ok bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	gen, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	id, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return gen, id, true
}

// IsStateName reports whether name matches the state naming pattern.
func IsStateName(name string) bool {
	_, _, ok := Parse(name)
	return ok
}

// LooksLikeStatesRoot reports whether path names a states root.
// Trailing separators are ignored.
func LooksLikeStatesRoot(path string) bool {
	clean := filepath.Clean(strings.TrimSpace(path))
	return filepath.Base(clean) == StatesRootName
}

// QueueDir returns the fuzzer queue directory of a state.
func QueueDir(stateDir string) string {
	return filepath.Join(append([]string{stateDir}, queueSubpath...)...)
}

// QueuePath returns where a queued input named name lives in stateDir.
func QueuePath(stateDir, name string) string {
	return filepath.Join(QueueDir(stateDir), name)
}

// AncestorOf returns the state directory owning a queued input, i.e. path
// with QueueDepth trailing segments removed.
func AncestorOf(inputPath string) string {
	dir := filepath.Clean(inputPath)
	for i := 0; i < QueueDepth; i++ {
		dir = filepath.Dir(dir)
	}
	return dir
}

// Role is the protocol side fuzzed by a generation.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// RoleOf derives the role of a generation from its parity.
func RoleOf(gen int) Role {
	return Role(gen % 2)
}

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}
