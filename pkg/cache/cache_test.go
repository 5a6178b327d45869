package cache_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/cache"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/dataobject"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/schema"
)

func userType(t *testing.T) *schema.Type {
	t.Helper()
	reg, err := schema.NewRegistry([]string{"User"}, map[string]*schema.TypeSpec{
		"User": {
			Name:           "User",
			PrimaryKeyAttr: []string{"login"},
			SourceOrder:    []string{"src"},
			Sources: map[string]*schema.SourceSpec{
				"src": {SourceName: "src", AttrsMapping: map[string]string{"login": "login"}},
			},
		},
	})
	require.NoError(t, err)
	return reg.Type("User")
}

func openDB(t *testing.T) *cache.DB {
	t.Helper()
	db, err := cache.Open(filepath.Join(t.TempDir(), "cache.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCacheSaveLoadRoundTrip(t *testing.T) {
	db := openDB(t)
	ut := userType(t)

	list := dataobject.NewList(ut)
	list.Add(dataobject.New(ut, map[string]any{"login": "jdoe"}))
	snap := cache.ToSnapshot(list)

	require.NoError(t, db.Save(context.Background(), "User", snap, 7))

	loaded, ev, err := db.Load(context.Background(), "User")
	require.NoError(t, err)
	require.EqualValues(t, 7, ev)
	require.Len(t, loaded, 1)

	roundTripped := cache.ToList(ut, loaded)
	obj, ok := roundTripped.Get("jdoe")
	require.True(t, ok)
	require.Equal(t, "jdoe", obj.Attrs["login"])
}

func TestCacheLoadMissingReturnsEmpty(t *testing.T) {
	db := openDB(t)
	snap, ev, err := db.Load(context.Background(), "Unknown")
	require.NoError(t, err)
	require.Empty(t, snap)
	require.EqualValues(t, 0, ev)
}

func TestCacheCounterPersistsAcrossCalls(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	v, err := db.LoadCounter(ctx, "evnumber")
	require.NoError(t, err)
	require.EqualValues(t, 0, v)

	require.NoError(t, db.SaveCounter(ctx, "evnumber", 42))
	v, err = db.LoadCounter(ctx, "evnumber")
	require.NoError(t, err)
	require.EqualValues(t, 42, v)

	require.NoError(t, db.SaveCounter(ctx, "evnumber", 43))
	v, err = db.LoadCounter(ctx, "evnumber")
	require.NoError(t, err)
	require.EqualValues(t, 43, v)
}

func TestCacheStructuralDiffDetectsChange(t *testing.T) {
	old := cache.Snapshot{"jdoe": {"login": "jdoe", "fullname": "Jane Doe"}}
	next := cache.Snapshot{"jdoe": {"login": "jdoe", "fullname": "Jane D. Doe"}}

	diff, err := cache.StructuralDiff(old, next)
	require.NoError(t, err)
	require.NotEmpty(t, diff)
}

func TestCacheStructuralDiffEmptyWhenIdentical(t *testing.T) {
	snap := cache.Snapshot{"jdoe": {"login": "jdoe"}}
	diff, err := cache.StructuralDiff(snap, snap)
	require.NoError(t, err)
	require.Empty(t, diff)
}
