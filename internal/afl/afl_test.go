package afl

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgsect/fitm/internal/lineage"
	"github.com/fgsect/fitm/internal/scheduler"
	"github.com/fgsect/fitm/internal/testutil"
)

const parseArgs = `
while [ $# -gt 0 ]; do
    case "$1" in
        -i) in="$2"; shift 2 ;;
        -o) out="$2"; shift 2 ;;
        --) shift; break ;;
        *) shift ;;
    esac
done
`

const fakeFuzz = `#!/bin/bash
echo "$@" > "$PWD/fuzz-args"
env | grep '^AFL_' | sort > "$PWD/fuzz-env"
` + parseArgs + `
q="$out/main/queue"
mkdir -p "$q/.state"
n=0
for f in "$in"/*; do
    cp "$f" "$q/id:$(printf '%06d' $n),orig:$(basename "$f")"
    n=$((n+1))
done
printf 'mutated' > "$q/id:$(printf '%06d' $n),new"
printf 'execs_done        : 42\nexecs_per_sec     : 7.00\ncorpus_count      : 2\n' > "$out/main/fuzzer_stats"
if [ -n "$FAKE_FUZZ_HANG" ]; then exec sleep 30; fi
exit ${FAKE_FUZZ_EXIT:-0}
`

const fakeCmin = `#!/bin/bash
echo "$@" > "$PWD/cmin-args"
env | grep '^AFL_' | sort > "$PWD/cmin-env"
` + parseArgs + `
mkdir -p "$out/.traces"
for f in "$in"/*; do
    b=$(basename "$f")
    case "$b" in *drop*) continue ;; esac
    cp "$f" "$out/$b"
    printf 'trace-%s' "$(cat "$f")" > "$out/.traces/$b"
done
exit ${FAKE_CMIN_EXIT:-0}
`

func newTestAFL(t *testing.T) *AFL {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "afl-fuzz"), []byte(fakeFuzz), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "afl-cmin"), []byte(fakeCmin), 0o755))
	a := New(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.ExecTimeout = 250 * time.Millisecond
	return a
}

func checkpointAt(t *testing.T, gen int) scheduler.Checkpoint {
	t.Helper()
	tree := testutil.NewStateTree(t)
	return scheduler.Checkpoint{Generation: gen, ID: 0, Dir: tree.State(gen, 0)}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestFuzzCollectsQueue(t *testing.T) {
	a := newTestAFL(t)
	cp := checkpointAt(t, 0)

	queue, err := a.Fuzz(t.Context(), cp, []scheduler.Input{{Name: "nop_input", Data: []byte("nop")}}, 1500*time.Millisecond)
	require.NoError(t, err)

	require.Len(t, queue, 2)
	assert.Equal(t, "id:000000,orig:nop_input", queue[0].Name)
	assert.Equal(t, "nop", string(queue[0].Data))
	assert.Equal(t, "id:000001,new", queue[1].Name)
	assert.Equal(t, "mutated", string(queue[1].Data))
	assert.Equal(t, filepath.Join(cp.Dir, FuzzOutDir, "main", "queue", "id:000001,new"), queue[1].Path)

	args := readFile(t, filepath.Join(cp.Dir, "fuzz-args"))
	assert.Contains(t, args, "-M main -d -V 2 -t 250 -- bash ./restore.sh @@")
	env := readFile(t, filepath.Join(cp.Dir, "fuzz-env"))
	for _, kv := range []string{"AFL_AUTORESUME=1", "AFL_DISABLE_TRIM=1", "AFL_COMPCOV_LEVEL=2", "AFL_SKIP_BIN_CHECK=1", "AFL_NO_UI=1"} {
		assert.Contains(t, env, kv)
	}
	assert.NotContains(t, env, "AFL_KEEP_TRACES")
}

func TestFuzzNonZeroExit(t *testing.T) {
	a := newTestAFL(t)
	t.Setenv("FAKE_FUZZ_EXIT", "1")
	cp := checkpointAt(t, 1)

	_, err := a.Fuzz(t.Context(), cp, []scheduler.Input{{Name: "x", Data: []byte("x")}}, time.Second)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Equal(t, "afl-fuzz exited with status 1", exitErr.Error())
}

func TestFuzzOverrunReturnsQueue(t *testing.T) {
	a := newTestAFL(t)
	a.Grace = 100 * time.Millisecond
	t.Setenv("FAKE_FUZZ_HANG", "1")
	cp := checkpointAt(t, 0)

	queue, err := a.Fuzz(t.Context(), cp, []scheduler.Input{{Name: "x", Data: []byte("x")}}, time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, queue, 2)
}

func TestMinimizeKeepsLineageAndTraces(t *testing.T) {
	a := newTestAFL(t)
	cp := checkpointAt(t, 2)
	ptr := &lineage.Pointer{InputPath: "/states/fitm-gen1-state0/out/main/queue/id:000003", StateDir: "/states/fitm-gen1-state0"}

	kept, err := a.Minimize(t.Context(), cp, []scheduler.Input{
		{Name: "fitm-gen1-state0_id:000003", Data: []byte("A"), Lineage: ptr},
		{Name: "b_drop", Data: []byte("B")},
	})
	require.NoError(t, err)

	require.Len(t, kept, 1)
	assert.Equal(t, "fitm-gen1-state0_id:000003", kept[0].Name)
	assert.Equal(t, "A", string(kept[0].Data))
	assert.Equal(t, "trace-A", string(kept[0].Trace))
	assert.Same(t, ptr, kept[0].Lineage)

	assert.Contains(t, readFile(t, filepath.Join(cp.Dir, "cmin-args")), "-m none -U -- bash ./restore.sh @@")
	assert.Contains(t, readFile(t, filepath.Join(cp.Dir, "cmin-env")), "AFL_KEEP_TRACES=1")
}

func TestMinimizeToleratesCrashExit(t *testing.T) {
	a := newTestAFL(t)
	t.Setenv("FAKE_CMIN_EXIT", "2")
	cp := checkpointAt(t, 0)

	kept, err := a.Minimize(t.Context(), cp, []scheduler.Input{{Name: "a", Data: []byte("a")}})
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestMinimizeFailure(t *testing.T) {
	a := newTestAFL(t)
	t.Setenv("FAKE_CMIN_EXIT", "1")
	cp := checkpointAt(t, 0)

	_, err := a.Minimize(t.Context(), cp, []scheduler.Input{{Name: "a", Data: []byte("a")}})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
}

func TestMinimizeEmptySkipsTool(t *testing.T) {
	a := New(t.TempDir(), nil)
	kept, err := a.Minimize(t.Context(), scheduler.Checkpoint{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Nil(t, kept)
}

func TestMinimizeRepeatedRunsStartClean(t *testing.T) {
	a := newTestAFL(t)
	cp := checkpointAt(t, 0)

	_, err := a.Minimize(t.Context(), cp, []scheduler.Input{{Name: "first", Data: []byte("1")}})
	require.NoError(t, err)
	kept, err := a.Minimize(t.Context(), cp, []scheduler.Input{{Name: "second", Data: []byte("2")}})
	require.NoError(t, err)

	require.Len(t, kept, 1)
	assert.Equal(t, "second", kept[0].Name)
}

func TestReadStats(t *testing.T) {
	path := filepath.Join(t.TempDir(), StatsFile)
	require.NoError(t, os.WriteFile(path, []byte("start_time        : 1\nexecs_done        : 42\npaths_total       : 9\nbroken line\n"), 0o644))

	stats, err := ReadStats(path)
	require.NoError(t, err)
	assert.Equal(t, "42", stats["execs_done"])
	assert.Equal(t, []any{"execs_done", "42", "corpus_count", "9"}, stats.LogAttrs())
}
