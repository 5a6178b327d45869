package client

import (
	"sync"
	"time"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/dataobject"
)

// trashEntry is one removed-but-not-yet-purged object.
type trashEntry struct {
	ObjType   string
	PKey      any
	Attrs     map[string]any
	TrashedAt time.Time
}

// Trashbin is the client-side holding area for removed objects (spec
// §4.H), keyed by (objtype, pkey), swept on a retention timer.
type Trashbin struct {
	mu      sync.Mutex
	entries map[string]trashEntry
}

func NewTrashbin() *Trashbin {
	return &Trashbin{entries: map[string]trashEntry{}}
}

func trashKey(objType string, pkey any) string {
	return objType + "\x1e" + dataobject.Key(pkey)
}

// Put moves an object into the trashbin.
func (tb *Trashbin) Put(objType string, pkey any, attrs map[string]any) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.entries[trashKey(objType, pkey)] = trashEntry{ObjType: objType, PKey: pkey, Attrs: attrs, TrashedAt: time.Now()}
}

// Take removes and returns the trashbin entry for (objType, pkey), if any
// — used when an Added event for a trashed pkey arrives (recycle).
func (tb *Trashbin) Take(objType string, pkey any) (map[string]any, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	k := trashKey(objType, pkey)
	e, ok := tb.entries[k]
	if !ok {
		return nil, false
	}
	delete(tb.entries, k)
	return e.Attrs, true
}

// Sweep purges every entry older than retention, invoking onPurge(objType,
// pkey, attrs) for each (the caller dispatches the resulting "real"
// Removed event to handlers).
func (tb *Trashbin) Sweep(retention time.Duration, onPurge func(objType string, pkey any, attrs map[string]any)) {
	tb.mu.Lock()
	cutoff := time.Now().Add(-retention)
	var purged []trashEntry
	for k, e := range tb.entries {
		if e.TrashedAt.Before(cutoff) {
			purged = append(purged, e)
			delete(tb.entries, k)
		}
	}
	tb.mu.Unlock()

	for _, e := range purged {
		onPurge(e.ObjType, e.PKey, e.Attrs)
	}
}

// PurgeMissingKeyComponents drops objType's entries whose pkey arity (1 for
// a scalar, the component count for a tuple) differs from newArity, as part
// of a primary-key migration (spec §4.H); such a pkey cannot be carried
// forward.
func (tb *Trashbin) PurgeMissingKeyComponents(objType string, newArity int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for k, e := range tb.entries {
		if e.ObjType != objType {
			continue
		}
		tuple, isTuple := e.PKey.([]any)
		arity := 1
		if isTuple {
			arity = len(tuple)
		}
		if arity != newArity {
			delete(tb.entries, k)
		}
	}
}
