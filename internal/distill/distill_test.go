package distill

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgsect/fitm/internal/statedir"
	"github.com/fgsect/fitm/internal/store"
	"github.com/fgsect/fitm/internal/testutil"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_OneOutputPerState(t *testing.T) {
	tree := testutil.NewStateTree(t)
	tree.Conversation(0, "hello", "world")
	tree.Conversation(1, "ping")
	tree.Clutter("afl-out", "not-a-state", "fitm-gen1-stateX")

	out := filepath.Join(t.TempDir(), "distilled")
	report, err := Run(context.Background(), Options{
		StatesRoot: tree.Root,
		OutputRoot: out,
		Workers:    2,
		Logger:     quiet(),
	})
	require.NoError(t, err)

	// fitm-gen{0,1,2}-state0 and fitm-gen{0,1}-state1
	assert.Len(t, report.States, 5)
	assert.Empty(t, report.Failed())

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 5)

	data, err := os.ReadFile(filepath.Join(out, statedir.Name(2, 0), "1"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	rootEntries, err := os.ReadDir(filepath.Join(out, statedir.Name(0, 0)))
	require.NoError(t, err)
	assert.Empty(t, rootEntries)
}

func TestRun_RejectsNonStatesRoot(t *testing.T) {
	dir := t.TempDir()
	_, err := Run(context.Background(), Options{
		StatesRoot: dir,
		OutputRoot: filepath.Join(dir, "out"),
		Logger:     quiet(),
	})
	assert.ErrorIs(t, err, ErrNotStatesRoot)

	_, err = Run(context.Background(), Options{
		StatesRoot: filepath.Join(dir, statedir.StatesRootName),
		OutputRoot: filepath.Join(dir, "out"),
		Logger:     quiet(),
	})
	assert.ErrorIs(t, err, ErrNotStatesRoot)

	_, statErr := os.Stat(filepath.Join(dir, "out"))
	assert.True(t, os.IsNotExist(statErr), "no output before pre-flight succeeds")
}

func TestRun_AcceptsTrailingSeparator(t *testing.T) {
	tree := testutil.NewStateTree(t)
	tree.State(0, 0)

	report, err := Run(context.Background(), Options{
		StatesRoot: tree.Root + string(filepath.Separator),
		OutputRoot: filepath.Join(t.TempDir(), "out"),
		Logger:     quiet(),
	})
	require.NoError(t, err)
	assert.Len(t, report.States, 1)
}

func TestRun_OutputRootCollision(t *testing.T) {
	tree := testutil.NewStateTree(t)
	tree.Conversation(0, "a")
	out := t.TempDir()

	_, err := Run(context.Background(), Options{StatesRoot: tree.Root, OutputRoot: out, Logger: quiet()})
	require.Error(t, err)
	assert.True(t, IsOutputRootCollision(err))
}

func TestRun_FailureIsIsolated(t *testing.T) {
	tree := testutil.NewStateTree(t)
	tree.Conversation(0, "a", "b")
	loop := tree.State(7, 9)
	tree.Link(loop, tree.Queue(loop, "self", []byte("x")))

	report, err := Run(context.Background(), Options{
		StatesRoot: tree.Root,
		OutputRoot: filepath.Join(t.TempDir(), "out"),
		MaxHops:    16,
		Logger:     quiet(),
	})
	require.NoError(t, err)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, statedir.Name(7, 9), failed[0].State)
	assert.Equal(t, 3, report.Succeeded())
}

func TestRun_WritesIndex(t *testing.T) {
	tree := testutil.NewStateTree(t)
	tree.Conversation(4, "x", "y")
	index := filepath.Join(t.TempDir(), "index")
	out := filepath.Join(t.TempDir(), "out")

	report, err := Run(context.Background(), Options{
		StatesRoot: tree.Root,
		OutputRoot: out,
		IndexDir:   index,
		Logger:     quiet(),
	})
	require.NoError(t, err)

	pointer, err := os.ReadFile(filepath.Join(index, statedir.Name(2, 4)))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, statedir.Name(2, 4)), string(pointer))

	catalog, err := store.Open(filepath.Join(index, IndexDBName))
	require.NoError(t, err)
	defer catalog.Close()

	run, err := catalog.LatestDistillRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.RunID, run.ID)

	rows, err := catalog.ListDistilledStates(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 2, rows[2].Fragments)
}

func TestRun_SetupFailureLeavesNoOutputRoot(t *testing.T) {
	tree := testutil.NewStateTree(t)
	tree.Conversation(0, "hello")

	blocker := filepath.Join(t.TempDir(), "index")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0o644))

	out := filepath.Join(t.TempDir(), "distilled")
	_, err := Run(context.Background(), Options{
		StatesRoot: tree.Root,
		OutputRoot: out,
		IndexDir:   blocker,
		Logger:     quiet(),
	})
	require.Error(t, err)
	assert.NoDirExists(t, out)

	report, err := Run(context.Background(), Options{
		StatesRoot: tree.Root,
		OutputRoot: out,
		Logger:     quiet(),
	})
	require.NoError(t, err)
	assert.Empty(t, report.Failed())
}
