package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgsect/fitm/internal/statedir"
	"github.com/fgsect/fitm/internal/testutil"
)

// fakeCrit prints the image it is asked to decode; fixtures hold JSON.
func fakeCrit(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	path := filepath.Join(t.TempDir(), "crit")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/bash\n# decode -i <image> --pretty\ncat \"$3\"\n"), 0o755))
	return path
}

// snapshotOf writes descriptor tables that point at fd/3 and fd/5 of owner.
func snapshotOf(t *testing.T, stateDir, owner string) {
	t.Helper()
	snap := filepath.Join(stateDir, statedir.SnapshotDir)
	files := fmt.Sprintf(`{"magic": "FILES", "entries": [
        {"id": 1, "type": "REG", "reg": {"id": 1, "name": %q}},
        {"id": 2, "type": "REG", "reg": {"id": 2, "name": %q}}
    ]}`, filepath.Join(owner, "fd", "3"), filepath.Join(owner, "fd", "5"))
	fdinfo := `{"magic": "FDINFO", "entries": [{"id": 2, "fd": 5}, {"id": 1, "fd": 3}]}`
	require.NoError(t, os.WriteFile(filepath.Join(snap, "files.img"), []byte(files), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(snap, "fdinfo-2.img"), []byte(fdinfo), 0o644))
}

func TestRestoreScriptWritesContinuation(t *testing.T) {
	crit := fakeCrit(t)
	tree := testutil.NewStateTree(t)
	dir := tree.State(2, 0)
	snapshotOf(t, dir, dir)

	stdout, _, err := execute(t, "restore-script", "--crit", crit, dir)
	require.NoError(t, err)
	script := filepath.Join(dir, statedir.RestoreScript)
	assert.Equal(t, script+"\n", stdout)

	info, err := os.Stat(script)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	body, err := os.ReadFile(script)
	require.NoError(t, err)
	assert.Contains(t, string(body), "(continuation)")
	assert.Contains(t, string(body), "exec 3<>'"+filepath.Join(dir, "fd", "3")+"'")
	assert.Contains(t, string(body), "exec 5<>'"+filepath.Join(dir, "fd", "5")+"'")
}

func TestRestoreScriptFreshPrint(t *testing.T) {
	crit := fakeCrit(t)
	tree := testutil.NewStateTree(t)
	parent := tree.State(2, 0)
	child := tree.State(4, 1)
	snapshotOf(t, child, parent)

	stdout, _, err := execute(t, "restore-script", "--crit", crit, "--print", "--fresh-from", filepath.Base(parent), child)
	require.NoError(t, err)

	assert.Contains(t, stdout, "(fresh instance)")
	assert.Contains(t, stdout, "--inherit-fd 'fd[3]:"+filepath.Join(child, "fd", "3")[1:]+"'")
	assert.NotContains(t, stdout, filepath.Base(parent))
	assert.NoFileExists(t, filepath.Join(child, statedir.RestoreScript))
}

func TestRestoreScriptWithoutSnapshot(t *testing.T) {
	_, _, err := execute(t, "restore-script", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRestoreScriptBadTemplate(t *testing.T) {
	tree := testutil.NewStateTree(t)
	dir := tree.State(0, 0)
	tmpl := filepath.Join(t.TempDir(), "restore.tmpl")
	require.NoError(t, os.WriteFile(tmpl, []byte("criu restore\n"), 0o644))

	_, _, err := execute(t, "restore-script", "--template", tmpl, dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid template")
}
