package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgsect/fitm/internal/testutil"
)

func TestStatesTable(t *testing.T) {
	tree := testutil.NewStateTree(t)
	tree.Conversation(0, "ping")
	tree.Clutter("fitm-state.json.d")

	stdout, _, err := execute(t, "states", tree.Root)
	require.NoError(t, err)

	assert.Contains(t, stdout, "STATE")
	assert.Contains(t, stdout, "fitm-gen0-state0")
	assert.Contains(t, stdout, "fitm-gen1-state0")
	assert.Contains(t, stdout, "client")
	assert.Contains(t, stdout, "id:000000")
	assert.NotContains(t, stdout, "fitm-state.json.d")
}

func TestStatesJSON(t *testing.T) {
	tree := testutil.NewStateTree(t)
	tree.Conversation(3, "ping", "pong")

	stdout, _, err := execute(t, "--format", "json", "states", tree.Root)
	require.NoError(t, err)

	var resp struct {
		Data []stateRow `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, []stateRow{
		{State: "fitm-gen0-state3", Generation: 0, ID: 3, Role: "server"},
		{State: "fitm-gen1-state3", Generation: 1, ID: 3, Role: "client", Parent: "fitm-gen0-state3", Input: "id:000000"},
		{State: "fitm-gen2-state3", Generation: 2, ID: 3, Role: "server", Parent: "fitm-gen1-state3", Input: "id:000001"},
	}, resp.Data)
}

func TestStatesMissingRoot(t *testing.T) {
	_, _, err := execute(t, "states", "/nonexistent/saved-states")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
