package client

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/dataobject"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/errqueue"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/event"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/notify"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/schema"
)

func localUserRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.NewRegistry([]string{"User"}, map[string]*schema.TypeSpec{
		"User": {
			Name:           "User",
			PrimaryKeyAttr: []string{"login"},
			SourceOrder:    []string{"server"},
			ToString:       "{{ login }}",
			Sources: map[string]*schema.SourceSpec{
				"server": {
					SourceName: "server",
					AttrsMapping: map[string]string{
						"login": "login",
						"email": "{{ email }}",
					},
				},
			},
		},
	})
	require.NoError(t, err)
	return reg
}

func newTestApplier(t *testing.T) (*Applier, *errqueue.Queue) {
	t.Helper()
	reg := localUserRegistry(t)
	notifier := notify.NewNotifier()
	q, err := errqueue.Open(filepath.Join(t.TempDir(), "errqueue.db"), errqueue.Conservative, notifier)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	applier := NewApplier(reg, q, notifier, Handlers{}, 0, nil)
	return applier, q
}

func TestApplierAddedPopulatesLocalMirror(t *testing.T) {
	a, _ := newTestApplier(t)
	ev := event.Event{Num: 1, Type: event.Added, ObjType: "User", ObjPKey: "jdoe", ObjAttrs: map[string]any{"login": "jdoe", "email": "jdoe@example.org"}}

	require.NoError(t, a.Apply(context.Background(), ev))

	obj, ok := a.localList("User").Get("jdoe")
	require.True(t, ok)
	assert.Equal(t, "jdoe@example.org", obj.Attrs["email"])
}

func TestApplierRemovedMovesToTrashbinAndDeliversTrashed(t *testing.T) {
	a, _ := newTestApplier(t)
	var delivered event.Type
	a.Handlers["User"] = map[event.Type]HandlerFunc{
		event.Trashed: func(_ context.Context, obj *dataobject.DataObject, _ *dataobject.AttrDelta) error {
			delivered = event.Trashed
			return nil
		},
	}

	addEv := event.Event{Num: 1, Type: event.Added, ObjType: "User", ObjPKey: "jdoe", ObjAttrs: map[string]any{"login": "jdoe", "email": "a@b.c"}}
	require.NoError(t, a.Apply(context.Background(), addEv))

	remEv := event.Event{Num: 2, Type: event.Removed, ObjType: "User", ObjPKey: "jdoe", ObjAttrs: map[string]any{"login": "jdoe", "email": "a@b.c"}}
	require.NoError(t, a.Apply(context.Background(), remEv))

	assert.Equal(t, event.Trashed, delivered)
	_, stillLocal := a.localList("User").Get("jdoe")
	assert.False(t, stillLocal)
	_, inTrash := a.Trashbin.Take("User", "jdoe")
	assert.True(t, inTrash)
}

func TestApplierAddedAfterRemovalIsRecycled(t *testing.T) {
	a, _ := newTestApplier(t)
	var delivered event.Type
	a.Handlers["User"] = map[event.Type]HandlerFunc{
		event.Trashed:  func(context.Context, *dataobject.DataObject, *dataobject.AttrDelta) error { return nil },
		event.Recycled: func(_ context.Context, _ *dataobject.DataObject, _ *dataobject.AttrDelta) error { delivered = event.Recycled; return nil },
	}

	require.NoError(t, a.Apply(context.Background(), event.Event{Num: 1, Type: event.Added, ObjType: "User", ObjPKey: "jdoe", ObjAttrs: map[string]any{"login": "jdoe", "email": "a@b.c"}}))
	require.NoError(t, a.Apply(context.Background(), event.Event{Num: 2, Type: event.Removed, ObjType: "User", ObjPKey: "jdoe", ObjAttrs: map[string]any{"login": "jdoe", "email": "a@b.c"}}))
	require.NoError(t, a.Apply(context.Background(), event.Event{Num: 3, Type: event.Added, ObjType: "User", ObjPKey: "jdoe", ObjAttrs: map[string]any{"login": "jdoe", "email": "a@b.c"}}))

	assert.Equal(t, event.Recycled, delivered)
	_, inTrash := a.Trashbin.Take("User", "jdoe")
	assert.False(t, inTrash)
}

func TestApplierModifiedMergesOntoRemoteMirror(t *testing.T) {
	a, _ := newTestApplier(t)
	require.NoError(t, a.Apply(context.Background(), event.Event{Num: 1, Type: event.Added, ObjType: "User", ObjPKey: "jdoe", ObjAttrs: map[string]any{"login": "jdoe", "email": "old@example.org"}}))

	modEv := event.Event{
		Num: 2, Type: event.Modified, ObjType: "User", ObjPKey: "jdoe",
		ObjAttrs: event.ModifiedAttrs{Modified: map[string]any{"email": "new@example.org"}},
	}
	require.NoError(t, a.Apply(context.Background(), modEv))

	obj, ok := a.localList("User").Get("jdoe")
	require.True(t, ok)
	assert.Equal(t, "new@example.org", obj.Attrs["email"])
}

func TestApplierHandlerFailureEnqueuesErrorEntry(t *testing.T) {
	a, q := newTestApplier(t)
	a.Handlers["User"] = map[event.Type]HandlerFunc{
		event.Added: func(context.Context, *dataobject.DataObject, *dataobject.AttrDelta) error {
			return errors.New("boom")
		},
	}

	ev := event.Event{Num: 1, Type: event.Added, ObjType: "User", ObjPKey: "jdoe", ObjAttrs: map[string]any{"login": "jdoe", "email": "a@b.c"}}
	require.NoError(t, a.Apply(context.Background(), ev))

	entry, ok := q.Get("User", "jdoe", errqueue.KindAdd)
	require.True(t, ok)
	assert.Equal(t, errqueue.KindAdd, entry.Kind)
	assert.Equal(t, "boom", entry.ErrMsg)
}

func TestApplierPartiallyProcessedMarkerReachesQueueEntry(t *testing.T) {
	a, q := newTestApplier(t)
	a.Handlers["User"] = map[event.Type]HandlerFunc{
		event.Added: func(ctx context.Context, _ *dataobject.DataObject, _ *dataobject.AttrDelta) error {
			MarkPartiallyProcessed(ctx)
			return errors.New("boom")
		},
	}

	ev := event.Event{Num: 1, Type: event.Added, ObjType: "User", ObjPKey: "jdoe", ObjAttrs: map[string]any{"login": "jdoe", "email": "a@b.c"}}
	require.NoError(t, a.Apply(context.Background(), ev))

	entry, ok := q.Get("User", "jdoe", errqueue.KindAdd)
	require.True(t, ok)
	assert.True(t, entry.IsPartiallyProcessed)
}

func TestApplierSweepDeliversRemovedForPurgedTrash(t *testing.T) {
	a, _ := newTestApplier(t)
	var delivered bool
	a.Handlers["User"] = map[event.Type]HandlerFunc{
		event.Trashed: func(context.Context, *dataobject.DataObject, *dataobject.AttrDelta) error { return nil },
		event.Removed: func(context.Context, *dataobject.DataObject, *dataobject.AttrDelta) error { delivered = true; return nil },
	}

	require.NoError(t, a.Apply(context.Background(), event.Event{Num: 1, Type: event.Added, ObjType: "User", ObjPKey: "jdoe", ObjAttrs: map[string]any{"login": "jdoe", "email": "a@b.c"}}))
	require.NoError(t, a.Apply(context.Background(), event.Event{Num: 2, Type: event.Removed, ObjType: "User", ObjPKey: "jdoe", ObjAttrs: map[string]any{"login": "jdoe", "email": "a@b.c"}}))

	a.Trashbin.entries[trashKey("User", "jdoe")] = func() trashEntry {
		e := a.Trashbin.entries[trashKey("User", "jdoe")]
		e.TrashedAt = e.TrashedAt.Add(-time.Hour)
		return e
	}()
	a.Sweep(context.Background())

	assert.True(t, delivered)
}
