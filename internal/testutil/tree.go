package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fgsect/fitm/internal/statedir"
)

// StateTree builds a saved-states directory for tests.
//
// Pointers are written as raw files so packages below lineage can use the
// tree without importing it.
type StateTree struct {
	t    testing.TB
	Root string
}

// NewStateTree creates an empty states root under t.TempDir().
func NewStateTree(t testing.TB) *StateTree {
	t.Helper()
	root := filepath.Join(t.TempDir(), statedir.StatesRootName)
	require.NoError(t, os.Mkdir(root, 0o755))
	return &StateTree{t: t, Root: root}
}

// State creates fitm-gen{gen}-state{id} with an empty snapshot and queue.
func (s *StateTree) State(gen, id int) string {
	s.t.Helper()
	dir := filepath.Join(s.Root, statedir.Name(gen, id))
	for _, sub := range []string{statedir.SnapshotDir, statedir.FDDir, statedir.InDir, statedir.QueueDir("")} {
		require.NoError(s.t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
	}
	return dir
}

// Queue writes a queued input into stateDir and returns its path.
func (s *StateTree) Queue(stateDir, name string, data []byte) string {
	s.t.Helper()
	p := statedir.QueuePath(stateDir, name)
	require.NoError(s.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(s.t, os.WriteFile(p, data, 0o644))
	return p
}

// Link records that child was produced by feeding inputPath to the state
// owning it. The input is copied into child like the scheduler does.
func (s *StateTree) Link(child, inputPath string) {
	s.t.Helper()
	data, err := os.ReadFile(inputPath)
	require.NoError(s.t, err)
	require.NoError(s.t, os.WriteFile(filepath.Join(child, statedir.PrevInput), data, 0o644))
	require.NoError(s.t, os.WriteFile(filepath.Join(child, statedir.PrevInputPath), []byte(inputPath), 0o644))
	require.NoError(s.t, os.WriteFile(filepath.Join(child, statedir.PrevState), []byte(statedir.AncestorOf(inputPath)), 0o644))
}

// Conversation builds a chain root -> gen1 -> gen2 ... with one state per
// generation. Fragment i is msgs[i]; it returns the state directories, root
// first.
func (s *StateTree) Conversation(id int, msgs ...string) []string {
	s.t.Helper()
	dirs := []string{s.State(0, id)}
	for i, msg := range msgs {
		parent := dirs[len(dirs)-1]
		in := s.Queue(parent, fmt.Sprintf("id:%06d", i), []byte(msg))
		child := s.State(i+1, id)
		s.Link(child, in)
		dirs = append(dirs, child)
	}
	return dirs
}

// Clutter adds entries that are not conversation states.
func (s *StateTree) Clutter(names ...string) {
	s.t.Helper()
	for _, n := range names {
		require.NoError(s.t, os.MkdirAll(filepath.Join(s.Root, n), 0o755))
	}
}
