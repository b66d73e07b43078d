package statedir

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameRoundTrip(t *testing.T) {
	name := Name(22, 3)
	assert.Equal(t, "fitm-gen22-state3", name)

	gen, id, ok := Parse(name)
	assert.True(t, ok)
	assert.Equal(t, 22, gen)
	assert.Equal(t, 3, id)
}

func TestParseRejectsForeignNames(t *testing.T) {
	for _, name := range []string{
		"fitm-gen1",
		"fitm-genX-state0",
		"xfitm-gen1-state0",
		"fitm-gen1-state0.bak",
		"active-state",
		"",
	} {
		_, _, ok := Parse(name)
		assert.False(t, ok, name)
	}
}

func TestLooksLikeStatesRoot(t *testing.T) {
	assert.True(t, LooksLikeStatesRoot("/tmp/run/saved-states"))
	assert.True(t, LooksLikeStatesRoot("saved-states/"))
	assert.False(t, LooksLikeStatesRoot("/tmp/run/states"))
	assert.False(t, LooksLikeStatesRoot("/tmp/saved-states/fitm-gen0-state0"))
}

func TestAncestorOfQueueEntry(t *testing.T) {
	state := filepath.Join("/work", "saved-states", "fitm-gen20-state3")
	input := QueuePath(state, "id:000269,src:000248,op:havoc,rep:2")

	assert.Equal(t, state, AncestorOf(input))
}

func TestRoleOf(t *testing.T) {
	assert.Equal(t, RoleServer, RoleOf(0))
	assert.Equal(t, RoleClient, RoleOf(1))
	assert.Equal(t, RoleServer, RoleOf(42))
	assert.Equal(t, "client", RoleOf(7).String())
}
