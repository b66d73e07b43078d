package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgsect/fitm/internal/testutil"
)

func TestDistillAll(t *testing.T) {
	tree := testutil.NewStateTree(t)
	tree.Conversation(0, "GET / HTTP/1.0\r\n", "HTTP/1.0 200 OK\r\n")
	tree.Conversation(1, "HELO")
	tree.Clutter("not-a-state", "fitm-gen1-stateX")
	out := filepath.Join(t.TempDir(), "conversations")
	index := filepath.Join(t.TempDir(), "index")

	stdout, _, err := execute(t, "distill-all", tree.Root, out, index)
	require.NoError(t, err)
	assert.Contains(t, stdout, "distilled 5 of 5 states into "+out)
	assert.Contains(t, stdout, "(4 fragments, 53 bytes, 0 missing)")

	first, err := os.ReadFile(filepath.Join(out, "fitm-gen2-state0", "0"))
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.0\r\n", string(first))
	second, err := os.ReadFile(filepath.Join(out, "fitm-gen2-state0", "1"))
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.0 200 OK\r\n", string(second))

	ref, err := os.ReadFile(filepath.Join(index, "fitm-gen1-state1"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "fitm-gen1-state1"), string(ref))
	assert.NoDirExists(t, filepath.Join(out, "not-a-state"))
}

func TestDistillAllJSON(t *testing.T) {
	tree := testutil.NewStateTree(t)
	tree.Conversation(0, "a", "b")
	out := filepath.Join(t.TempDir(), "out")

	stdout, _, err := execute(t, "--format", "json", "distill-all", tree.Root, out)
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   distillSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Data.States)
	assert.Equal(t, 3, resp.Data.Distilled)
	assert.NotEmpty(t, resp.Data.RunID)
	assert.Empty(t, resp.Data.Failures)
}

func TestDistillAllExistingOutputRoot(t *testing.T) {
	tree := testutil.NewStateTree(t)
	tree.State(0, 0)
	out := t.TempDir()

	_, _, err := execute(t, "distill-all", tree.Root, out)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "already exists")
}

func TestDistillAllRejectsOtherDirectories(t *testing.T) {
	_, _, err := execute(t, "distill-all", t.TempDir(), filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDistillAllArgs(t *testing.T) {
	_, _, err := execute(t, "distill-all", "only-one")
	require.Error(t, err)
}
