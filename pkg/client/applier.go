// Package client implements the client-side event applier (spec §4.H): a
// local mirror of every object type, a trashbin lifecycle for removed
// objects, and dispatch into type/event-keyed handlers backed by the
// error queue for failed or partially-processed events.
package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/dataobject"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/errqueue"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/event"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/notify"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/schema"
)

// HandlerFunc processes one delivered event for one object. delta is nil
// for Added/Removed/Trashed/Recycled (obj carries the full record) and
// set for Modified.
type HandlerFunc func(ctx context.Context, obj *dataobject.DataObject, delta *dataobject.AttrDelta) error

// Handlers is the (objtype, eventtype) -> HandlerFunc dispatch table.
type Handlers map[string]map[event.Type]HandlerFunc

type partialMarkerKey struct{}

// MarkPartiallyProcessed lets a handler record that it completed some
// side effects before failing, so remediation must never discard the
// resulting queue entry's localEv (spec §4.I).
func MarkPartiallyProcessed(ctx context.Context) {
	if p, ok := ctx.Value(partialMarkerKey{}).(*bool); ok {
		*p = true
	}
}

// Applier is the client-side event loop core.
type Applier struct {
	// Registry holds the client's own per-type local attribute mapping,
	// compiled the same way as the server's (spec §4.H step 1): a single
	// synthetic source named "server" whose row is the event's remote
	// attrs.
	Registry *schema.Registry

	remoteMirror map[string]map[string]map[string]any // objtype -> pkeyKey -> raw remote attrs
	localMirror  map[string]*dataobject.List           // objtype -> local view

	Trashbin          *Trashbin
	Queue             *errqueue.Queue
	Notifier          *notify.Notifier
	Handlers          Handlers
	TrashbinRetention time.Duration
	Log               *zap.SugaredLogger
}

func NewApplier(reg *schema.Registry, queue *errqueue.Queue, notifier *notify.Notifier, handlers Handlers, retention time.Duration, log *zap.SugaredLogger) *Applier {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	a := &Applier{
		Registry:          reg,
		remoteMirror:      map[string]map[string]map[string]any{},
		localMirror:       map[string]*dataobject.List{},
		Trashbin:          NewTrashbin(),
		Queue:             queue,
		Notifier:          notifier,
		Handlers:          handlers,
		TrashbinRetention: retention,
		Log:               log,
	}
	return a
}

func (a *Applier) localList(objType string) *dataobject.List {
	if l, ok := a.localMirror[objType]; ok {
		return l
	}
	l := dataobject.NewList(a.Registry.Type(objType))
	a.localMirror[objType] = l
	return l
}

func (a *Applier) remoteFor(objType string) map[string]map[string]any {
	if m, ok := a.remoteMirror[objType]; ok {
		return m
	}
	m := map[string]map[string]any{}
	a.remoteMirror[objType] = m
	return m
}

// remapToLocal applies the client's own per-type attribute mapping to a
// raw remote row, exactly as the server maps a source row to hermes
// attributes (spec §4.H step 1).
func (a *Applier) remapToLocal(objType string, raw map[string]any) (*dataobject.DataObject, error) {
	t := a.Registry.Type(objType)
	if t == nil {
		return nil, fmt.Errorf("client: no local mapping configured for type %q", objType)
	}
	return dataobject.FromRemote(t, "server", raw, nil)
}

// Apply processes one server-originated event through trashbin logic and
// local attribute mapping, then dispatches to the matching handler,
// enqueueing on failure (spec §4.H).
func (a *Applier) Apply(ctx context.Context, ev event.Event) error {
	switch ev.Type {
	case event.Added:
		return a.applyAdded(ctx, ev)
	case event.Modified:
		return a.applyModified(ctx, ev)
	case event.Removed:
		return a.applyRemoved(ctx, ev)
	default:
		return fmt.Errorf("client: unexpected event type %q from server", ev.Type)
	}
}

func (a *Applier) applyAdded(ctx context.Context, ev event.Event) error {
	raw, _ := ev.ObjAttrs.(map[string]any)
	pkey := ev.ObjPKey
	deliverType := event.Added

	if trashedAttrs, ok := a.Trashbin.Take(ev.ObjType, pkey); ok {
		deliverType = event.Recycled
		raw = mergeAttrs(trashedAttrs, raw)
	}

	a.remoteFor(ev.ObjType)[dataobject.Key(pkey)] = raw
	localObj, err := a.remapToLocal(ev.ObjType, raw)
	if err != nil {
		return err
	}
	a.localList(ev.ObjType).Add(localObj)
	return a.dispatch(ctx, ev, deliverType, localObj, nil)
}

func (a *Applier) applyModified(ctx context.Context, ev event.Event) error {
	ma, _ := ev.ObjAttrs.(event.ModifiedAttrs)
	pkey := ev.ObjPKey
	remote := a.remoteFor(ev.ObjType)
	key := dataobject.Key(pkey)
	base := remote[key]
	if base == nil {
		base = map[string]any{}
	}
	merged := make(map[string]any, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range ma.Added {
		merged[k] = v
	}
	for k, v := range ma.Modified {
		merged[k] = v
	}
	for _, k := range ma.Removed {
		delete(merged, k)
	}
	remote[key] = merged

	oldLocal, hadOld := a.localList(ev.ObjType).Get(pkey)
	localObj, err := a.remapToLocal(ev.ObjType, merged)
	if err != nil {
		return err
	}
	a.localList(ev.ObjType).Add(localObj)

	delta := localDelta(a.Registry.Type(ev.ObjType), oldLocal, hadOld, localObj)
	return a.dispatch(ctx, ev, event.Modified, localObj, delta)
}

func (a *Applier) applyRemoved(ctx context.Context, ev event.Event) error {
	raw, _ := ev.ObjAttrs.(map[string]any)
	pkey := ev.ObjPKey
	remote := a.remoteFor(ev.ObjType)
	delete(remote, dataobject.Key(pkey))

	oldLocal, _ := a.localList(ev.ObjType).Get(pkey)
	a.localList(ev.ObjType).RemoveByPKey(pkey)
	a.Trashbin.Put(ev.ObjType, pkey, raw)

	return a.dispatch(ctx, ev, event.Trashed, oldLocal, nil)
}

// Sweep purges trashbin entries older than TrashbinRetention, delivering
// a final real Removed event for each (spec §4.H step 2).
func (a *Applier) Sweep(ctx context.Context) {
	a.Trashbin.Sweep(a.TrashbinRetention, func(objType string, pkey any, attrs map[string]any) {
		localObj, err := a.remapToLocal(objType, attrs)
		if err != nil {
			a.Log.Warnw("trashbin sweep: failed to remap purged object", "type", objType, "pkey", pkey, "error", err)
			return
		}
		ev := event.Event{Type: event.Removed, ObjType: objType, ObjPKey: pkey, ObjAttrs: attrs}
		if err := a.dispatch(ctx, ev, event.Removed, localObj, nil); err != nil {
			a.Log.Warnw("trashbin sweep: handler failed", "type", objType, "pkey", pkey, "error", err)
		}
	})
}

func (a *Applier) dispatch(ctx context.Context, origEv event.Event, deliverType event.Type, obj *dataobject.DataObject, delta *dataobject.AttrDelta) error {
	handler := a.Handlers[origEv.ObjType][deliverType]
	if handler == nil {
		return nil
	}
	partial := new(bool)
	hctx := context.WithValue(ctx, partialMarkerKey{}, partial)

	if err := handler(hctx, obj, delta); err != nil {
		localEv := event.Event{Num: origEv.Num, Type: deliverType, ObjType: origEv.ObjType, ObjPKey: origEv.ObjPKey, ObjAttrs: origEv.ObjAttrs}
		if obj != nil {
			localEv.ObjAttrs = obj.ToNative()
		}
		return a.Queue.Enqueue(ctx, origEv.ObjType, origEv.ObjPKey, origEv, localEv, err.Error(), *partial)
	}
	return nil
}

// RetryEntry redelivers one error-queue entry's localEv to its handler,
// the unit of work errqueue.Queue.RunRetryLoop/Drain drives on a
// configurable cadence (spec §4.I). A nil error lets the caller mark the
// entry succeeded; any other error is recorded back onto the entry for
// the next retry.
func (a *Applier) RetryEntry(ctx context.Context, e *errqueue.Entry) error {
	if e.LocalEv == nil {
		return nil
	}
	ev := *e.LocalEv
	handler := a.Handlers[ev.ObjType][ev.Type]
	if handler == nil {
		return nil
	}
	obj, delta, err := a.objectFromLocalEv(ev)
	if err != nil {
		return err
	}
	return handler(ctx, obj, delta)
}

// objectFromLocalEv rebuilds the (obj, delta) pair a handler expects
// from a queued localEv's native attribute snapshot (spec §4.C's
// ITEM_FETCHED_VALUES-style full record, not a re-derived per-attribute
// diff: the queue persists the merged result of autoremediation, not
// the original diff buckets). A retried Modified delivery is therefore
// redelivered as a full-attribute "added" delta rather than the
// original, finer-grained one.
func (a *Applier) objectFromLocalEv(ev event.Event) (*dataobject.DataObject, *dataobject.AttrDelta, error) {
	t := a.Registry.Type(ev.ObjType)
	if t == nil {
		return nil, nil, fmt.Errorf("client: no local mapping configured for type %q", ev.ObjType)
	}
	attrs, _ := ev.ObjAttrs.(map[string]any)
	obj := dataobject.New(t, attrs)
	var delta *dataobject.AttrDelta
	if ev.Type == event.Modified {
		delta = &dataobject.AttrDelta{Added: attrs}
	}
	return obj, delta, nil
}

func mergeAttrs(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// localDelta computes the emitted delta of a local-mapping re-render,
// reusing DataObjectList.DiffFrom on two one-element lists so the
// cache-only exclusion rule stays in one place.
func localDelta(t *schema.Type, old *dataobject.DataObject, hadOld bool, next *dataobject.DataObject) *dataobject.AttrDelta {
	oldList := dataobject.NewList(t)
	if hadOld && old != nil {
		oldList.Add(old)
	}
	newList := dataobject.NewList(t)
	newList.Add(next)

	diff := newList.DiffFrom(oldList)
	if len(diff.Modified) == 1 {
		return &diff.Modified[0].Emitted
	}
	if len(diff.Added) == 1 {
		return &dataobject.AttrDelta{Added: next.Attrs}
	}
	return &dataobject.AttrDelta{}
}
