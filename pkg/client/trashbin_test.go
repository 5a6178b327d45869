package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrashbinPutTake(t *testing.T) {
	tb := NewTrashbin()
	tb.Put("User", "jdoe", map[string]any{"login": "jdoe"})

	attrs, ok := tb.Take("User", "jdoe")
	require.True(t, ok)
	assert.Equal(t, "jdoe", attrs["login"])

	_, ok = tb.Take("User", "jdoe")
	assert.False(t, ok, "Take should remove the entry")
}

func TestTrashbinSweepPurgesOldEntries(t *testing.T) {
	tb := NewTrashbin()
	tb.Put("User", "jdoe", map[string]any{"login": "jdoe"})
	tb.entries[trashKey("User", "jdoe")] = trashEntry{
		ObjType: "User", PKey: "jdoe",
		Attrs:     map[string]any{"login": "jdoe"},
		TrashedAt: time.Now().Add(-time.Hour),
	}

	var purged []string
	tb.Sweep(time.Minute, func(objType string, pkey any, attrs map[string]any) {
		purged = append(purged, objType+":"+pkey.(string))
	})
	assert.Equal(t, []string{"User:jdoe"}, purged)
	_, ok := tb.Take("User", "jdoe")
	assert.False(t, ok)
}

func TestTrashbinSweepKeepsRecentEntries(t *testing.T) {
	tb := NewTrashbin()
	tb.Put("User", "jdoe", map[string]any{"login": "jdoe"})

	var purged []string
	tb.Sweep(time.Hour, func(objType string, pkey any, attrs map[string]any) {
		purged = append(purged, objType)
	})
	assert.Empty(t, purged)
	_, ok := tb.Take("User", "jdoe")
	assert.True(t, ok)
}

func TestTrashbinPurgeMissingKeyComponents(t *testing.T) {
	tb := NewTrashbin()
	tb.Put("User", "jdoe", map[string]any{"login": "jdoe"})
	tb.Put("User", []any{"acme", "jdoe"}, map[string]any{"login": "jdoe"})

	tb.PurgeMissingKeyComponents("User", 2)

	_, okScalar := tb.Take("User", "jdoe")
	assert.False(t, okScalar, "scalar pkey should be purged when arity is now 2")
	_, okTuple := tb.Take("User", []any{"acme", "jdoe"})
	assert.True(t, okTuple, "matching-arity tuple pkey should survive")
}
