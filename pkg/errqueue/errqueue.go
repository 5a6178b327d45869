// Package errqueue implements the client-side error queue and
// autoremediation algebra (spec §4.I): a persistent, per-pkey queue of
// events whose handler failed or partially succeeded, collapsed and
// rewritten as newer events for the same pkey arrive.
package errqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	memdb "github.com/hashicorp/go-memdb"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/dataobject"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/event"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/herrors"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/notify"
)

// Policy is the autoremediation knob (spec §6).
type Policy string

const (
	Disabled     Policy = "disabled"
	Conservative Policy = "conservative"
	Maximum      Policy = "maximum"
)

// Kind classifies an entry's current state bucket, matching the prev/new
// column of the remediation table (spec §4.I): Add also covers Recycled,
// Rem also covers Trashed.
type Kind string

const (
	KindAdd Kind = "add"
	KindMod Kind = "mod"
	KindRem Kind = "rem"
)

func classify(t event.Type) Kind {
	switch t {
	case event.Added, event.Recycled:
		return KindAdd
	case event.Removed, event.Trashed:
		return KindRem
	default:
		return KindMod
	}
}

// State is the per-entry retry state machine (spec §4.I): Queued ->
// Retrying -> {deleted on success, Queued again on failure}.
type State string

const (
	StateQueued   State = "queued"
	StateRetrying State = "retrying"
)

// Entry is one queued event, indexed by (objtype, objpkey, kind); see entryID.
type Entry struct {
	ID                   string `json:"id"`
	ObjType              string `json:"objtype"`
	ObjPKey              any    `json:"objpkey"`
	Kind                 Kind   `json:"kind"`
	EvNumber             int64  `json:"ev_number"`
	RemoteEv             *event.Event `json:"remote_ev"`
	LocalEv              *event.Event `json:"local_ev"`
	ErrMsg               string `json:"err_msg"`
	RetryCount           int    `json:"retry_count"`
	IsPartiallyProcessed bool   `json:"is_partially_processed"`
	FirstSeenAt          time.Time `json:"first_seen_at"`
	State                State  `json:"state"`
}

// entryID keys an entry by (objtype, pkey, state bucket). Spec §4.I
// allows up to one open entry per bucket per pkey simultaneously (an
// add/recycled entry, a modified entry, and a removed/trashed entry can
// all be queued for the same object at once), so the bucket is part of
// the identity, not just a field on a single per-pkey row.
func entryID(objType string, pkey any, kind Kind) string {
	return objType + "\x1e" + dataobject.Key(pkey) + "\x1e" + string(kind)
}

var memdbSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"entries": {
			Name: "entries",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"ev": {
					Name:    "ev",
					Unique:  false,
					Indexer: &memdb.IntFieldIndex{Field: "EvNumber"},
				},
			},
		},
	},
}

// Queue is the live, indexed error queue: a go-memdb in-memory index for
// ordered/keyed lookup, backed by a sqlite table for durability across
// restarts.
type Queue struct {
	db       *memdb.MemDB
	store    *sql.DB
	notifier *notify.Notifier
	policy   Policy
	objType  string // the notification subject label
	Log      *zap.SugaredLogger
}

// SetLogger attaches a logger for the retry driver (RunRetryLoop) to
// report drain failures on. Optional; a nop logger is used otherwise.
func (q *Queue) SetLogger(log *zap.SugaredLogger) { q.Log = log }

// Open opens (creating if absent) the durable queue store at path and
// restores any persisted entries into the live index.
func Open(path string, policy Policy, notifier *notify.Notifier) (*Queue, error) {
	db, err := memdb.NewMemDB(memdbSchema)
	if err != nil {
		return nil, herrors.New(herrors.CacheFailure, path, err)
	}
	store, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, herrors.New(herrors.CacheFailure, path, err)
	}
	if _, err := store.Exec(`CREATE TABLE IF NOT EXISTS errqueue_entries (id TEXT PRIMARY KEY, data BLOB NOT NULL)`); err != nil {
		store.Close()
		return nil, herrors.New(herrors.CacheFailure, path, err)
	}

	q := &Queue{db: db, store: store, notifier: notifier, policy: policy, Log: zap.NewNop().Sugar()}
	if err := q.restore(); err != nil {
		store.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) restore() error {
	rows, err := q.store.Query(`SELECT data FROM errqueue_entries`)
	if err != nil {
		return herrors.New(herrors.CacheFailure, "errqueue", err)
	}
	defer rows.Close()

	txn := q.db.Txn(true)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			txn.Abort()
			return herrors.New(herrors.CacheFailure, "errqueue", err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			txn.Abort()
			return herrors.New(herrors.CacheFailure, "errqueue", err)
		}
		if err := txn.Insert("entries", &e); err != nil {
			txn.Abort()
			return herrors.New(herrors.CacheFailure, "errqueue", err)
		}
	}
	txn.Commit()
	return nil
}

func (q *Queue) Close() error { return q.store.Close() }

func (q *Queue) persist(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return herrors.New(herrors.CacheFailure, e.ID, err)
	}
	_, err = q.store.ExecContext(context.Background(),
		`INSERT INTO errqueue_entries (id, data) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`, e.ID, data)
	if err != nil {
		return herrors.New(herrors.CacheFailure, e.ID, err)
	}
	return nil
}

func (q *Queue) forget(id string) error {
	_, err := q.store.Exec(`DELETE FROM errqueue_entries WHERE id = ?`, id)
	if err != nil {
		return herrors.New(herrors.CacheFailure, id, err)
	}
	return nil
}

// Get returns the open entry for (objType, pkey) in the given state
// bucket, if any.
func (q *Queue) Get(objType string, pkey any, kind Kind) (*Entry, bool) {
	txn := q.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("entries", "id", entryID(objType, pkey, kind))
	if err != nil || raw == nil {
		return nil, false
	}
	return raw.(*Entry), true
}

// List returns every open entry, ordered by EvNumber ascending (retry
// order, spec §4.I).
func (q *Queue) List() []*Entry {
	txn := q.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get("entries", "ev")
	if err != nil {
		return nil
	}
	var out []*Entry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*Entry))
	}
	// The "ev" index stores varint-encoded keys, whose byte order is not
	// numeric order, so sort explicitly.
	sort.SliceStable(out, func(i, j int) bool { return out[i].EvNumber < out[j].EvNumber })
	return out
}

func (q *Queue) Len() int { return len(q.List()) }

func (q *Queue) insert(e *Entry) error {
	txn := q.db.Txn(true)
	if err := txn.Insert("entries", e); err != nil {
		txn.Abort()
		return herrors.New(herrors.CacheFailure, e.ID, err)
	}
	txn.Commit()
	return q.persist(e)
}

func (q *Queue) delete(e *Entry) error {
	txn := q.db.Txn(true)
	if err := txn.Delete("entries", e); err != nil {
		txn.Abort()
		return herrors.New(herrors.CacheFailure, e.ID, err)
	}
	txn.Commit()
	return q.forget(e.ID)
}

// newEntry constructs a fresh open entry in the given bucket.
func newEntry(objType string, pkey any, kind Kind, remoteEv, localEv event.Event, errMsg string, partial bool) *Entry {
	return &Entry{
		ID: entryID(objType, pkey, kind), ObjType: objType, ObjPKey: pkey, Kind: kind,
		EvNumber: localEv.Num, RemoteEv: cloneEv(remoteEv), LocalEv: cloneEv(localEv),
		ErrMsg: errMsg, IsPartiallyProcessed: partial, FirstSeenAt: now(), State: StateQueued,
	}
}

// findPrior locates the existing open entry, if any, that a newly
// arriving event of bucket newKind interacts with under the
// remediation table (spec §4.I). The search order matches the table's
// rows: a Mod event first looks for a pending Add (folds into it before
// falling back to a pending Mod of its own), a Rem event first looks for
// a pending Add then a pending Mod before a pending Rem of its own, and
// an Add event first looks for a pending Rem (trashbin interaction)
// before a pending Add of its own.
func (q *Queue) findPrior(objType string, pkey any, newKind Kind) (*Entry, bool) {
	var order []Kind
	switch newKind {
	case KindMod:
		order = []Kind{KindAdd, KindMod}
	case KindRem:
		order = []Kind{KindAdd, KindMod, KindRem}
	case KindAdd:
		order = []Kind{KindRem, KindAdd}
	}
	for _, k := range order {
		if e, ok := q.Get(objType, pkey, k); ok {
			return e, true
		}
	}
	return nil, false
}

// remediationOutcome describes how Enqueue should reconcile the live
// index against a remediation decision: updated replaces prior's row
// (insert, deleting prior's old row first if its bucket/ID changed),
// dropPrior deletes prior's row outright, and extra is a second,
// independently-bucketed entry to persist alongside (the table's
// "keep both"/"append N" outcomes).
type remediationOutcome struct {
	updated   *Entry
	dropPrior bool
	extra     *Entry
}

// Enqueue records a handler failure (or partial processing) for
// (objType, pkey), applying the autoremediation table against any prior
// open entry this event interacts with (spec §4.I). Up to one open
// entry per (objtype, objpkey) is kept per state bucket (add/recycled,
// modified, removed/trashed); outcomes that "keep both" persist a
// second bucket entry rather than collapsing into one.
func (q *Queue) Enqueue(ctx context.Context, objType string, pkey any, remoteEv, localEv event.Event, errMsg string, partial bool) error {
	newKind := classify(localEv.Type)

	prior, exists := q.findPrior(objType, pkey, newKind)
	if !exists {
		if err := q.insert(newEntry(objType, pkey, newKind, remoteEv, localEv, errMsg, partial)); err != nil {
			return err
		}
		q.notifier.ErrorQueueChanged(ctx, q.subject(objType), q.Len() == 0)
		return nil
	}

	outcome := q.remediate(prior, newKind, remoteEv, localEv, errMsg, partial)
	if outcome.dropPrior {
		if err := q.delete(prior); err != nil {
			return err
		}
	} else if outcome.updated != nil {
		if outcome.updated.ID != prior.ID {
			if err := q.delete(prior); err != nil {
				return err
			}
		}
		if err := q.insert(outcome.updated); err != nil {
			return err
		}
	}
	if outcome.extra != nil {
		if err := q.insert(outcome.extra); err != nil {
			return err
		}
	}
	q.notifier.ErrorQueueChanged(ctx, q.subject(objType), q.Len() == 0)
	return nil
}

func (q *Queue) subject(objType string) string {
	if q.objType != "" {
		return q.objType
	}
	return objType
}

func now() time.Time { return time.Now() }

func cloneEv(e event.Event) *event.Event { cp := e; return &cp }

// remediate applies the prev/new transition table of spec §4.I against
// prior (found by findPrior) and the newly arriving event. The
// blanket invariant "if P.isPartiallyProcessed, never discard P's
// localEv" is threaded through every branch: where the non-partial rule
// would otherwise overwrite or drop prior's localEv, the partial case
// instead leaves prior untouched and appends the new event as a
// separate bucket entry for a later retry to reconcile.
func (q *Queue) remediate(prior *Entry, newKind Kind, remoteEv, localEv event.Event, errMsg string, partial bool) remediationOutcome {
	allowCancel := q.policy == Maximum

	switch {
	case prior.Kind == KindAdd && newKind == KindMod:
		prior.LocalEv = mergeModified(prior.LocalEv, localEv)
		prior.RemoteEv = cloneEv(remoteEv)
		prior.ErrMsg = errMsg
		prior.IsPartiallyProcessed = prior.IsPartiallyProcessed || partial
		return remediationOutcome{updated: prior}

	case prior.Kind == KindAdd && newKind == KindRem:
		if prior.IsPartiallyProcessed {
			// keep P, append N: a later retry must undo the partial add
			// before applying the removal.
			return remediationOutcome{extra: newEntry(prior.ObjType, prior.ObjPKey, KindRem, remoteEv, localEv, errMsg, partial)}
		}
		if allowCancel {
			// they cancel: the object was never successfully added, so its
			// removal is a no-op too.
			return remediationOutcome{dropPrior: true}
		}
		// conservative/disabled: no cross-type cancellation, keep both.
		return remediationOutcome{extra: newEntry(prior.ObjType, prior.ObjPKey, KindRem, remoteEv, localEv, errMsg, partial)}

	case prior.Kind == KindMod && newKind == KindMod:
		prior.LocalEv = mergeModified(prior.LocalEv, localEv)
		prior.RemoteEv = cloneEv(remoteEv)
		prior.ErrMsg = errMsg
		prior.IsPartiallyProcessed = prior.IsPartiallyProcessed || partial
		return remediationOutcome{updated: prior}

	case prior.Kind == KindMod && newKind == KindRem:
		removal := newEntry(prior.ObjType, prior.ObjPKey, KindRem, remoteEv, localEv, errMsg, partial)
		if prior.IsPartiallyProcessed {
			// never discard P's localEv: keep the Mod entry as-is and
			// queue the removal separately.
			return remediationOutcome{extra: removal}
		}
		// drop P, keep N as Rem.
		return remediationOutcome{dropPrior: true, extra: removal}

	case prior.Kind == KindRem && newKind == KindAdd:
		if localEv.Type == event.Recycled {
			// trashed->recycled applies: rewrite N as a Mod of the
			// restored state and fall through to the Add/Mod merge rule.
			merged := mergeModified(prior.LocalEv, localEv)
			prior.Kind = KindAdd
			prior.ID = entryID(prior.ObjType, prior.ObjPKey, KindAdd)
			prior.LocalEv = merged
			prior.RemoteEv = cloneEv(remoteEv)
			prior.ErrMsg = errMsg
			prior.EvNumber = localEv.Num
			prior.IsPartiallyProcessed = prior.IsPartiallyProcessed || partial
			return remediationOutcome{updated: prior}
		}
		// not a recycle: keep both, retry order preserves original
		// evNumbers on each bucket.
		return remediationOutcome{extra: newEntry(prior.ObjType, prior.ObjPKey, KindAdd, remoteEv, localEv, errMsg, partial)}

	default:
		// same-bucket duplicate failure (Add/Add, Mod/Mod via a kind
		// mismatch that can't occur, Rem/Rem): update in place.
		if prior.IsPartiallyProcessed {
			prior.RemoteEv = cloneEv(remoteEv)
			prior.ErrMsg = errMsg
			return remediationOutcome{updated: prior}
		}
		prior.Kind = newKind
		prior.ID = entryID(prior.ObjType, prior.ObjPKey, newKind)
		prior.LocalEv = cloneEv(localEv)
		prior.RemoteEv = cloneEv(remoteEv)
		prior.ErrMsg = errMsg
		prior.EvNumber = localEv.Num
		return remediationOutcome{updated: prior}
	}
}

// mergeModified folds a new event's attribute delta into base (treated as
// the running full-attribute view of a queued Add/Mod entry). On a
// same-attribute conflict, the new event wins.
func mergeModified(base *event.Event, next event.Event) *event.Event {
	if base == nil {
		cp := next
		return &cp
	}
	baseAttrs, _ := base.ObjAttrs.(map[string]any)
	if baseAttrs == nil {
		baseAttrs = map[string]any{}
	}
	merged := make(map[string]any, len(baseAttrs))
	for k, v := range baseAttrs {
		merged[k] = v
	}

	switch attrs := next.ObjAttrs.(type) {
	case event.ModifiedAttrs:
		for k, v := range attrs.Added {
			merged[k] = v
		}
		for k, v := range attrs.Modified {
			merged[k] = v
		}
		for _, k := range attrs.Removed {
			delete(merged, k)
		}
	case map[string]any:
		for k, v := range attrs {
			merged[k] = v
		}
	}

	out := *base
	out.Num = next.Num
	out.ObjAttrs = merged
	return &out
}

// MarkSucceeded removes a successfully retried entry from the given
// bucket. If the entry was partially processed and its local event
// still carries residual attrs, the caller is expected to have cleared
// that residual before calling this (spec §4.I State machine note);
// MarkSucceeded itself always deletes.
func (q *Queue) MarkSucceeded(ctx context.Context, objType string, pkey any, kind Kind) error {
	e, ok := q.Get(objType, pkey, kind)
	if !ok {
		return nil
	}
	if err := q.delete(e); err != nil {
		return err
	}
	q.notifier.ErrorQueueChanged(ctx, q.subject(objType), q.Len() == 0)
	return nil
}

// MarkFailed records a further failed retry attempt, re-queuing the
// entry in the given bucket.
func (q *Queue) MarkFailed(objType string, pkey any, kind Kind, errMsg string) error {
	e, ok := q.Get(objType, pkey, kind)
	if !ok {
		return nil
	}
	e.RetryCount++
	e.State = StateQueued
	e.ErrMsg = errMsg
	return q.insert(e)
}

// setState transitions the bucket entry's retry state machine (spec
// §4.I: Queued -> Retrying -> {deleted, Queued}).
func (q *Queue) setState(objType string, pkey any, kind Kind, state State) error {
	e, ok := q.Get(objType, pkey, kind)
	if !ok {
		return nil
	}
	e.State = state
	return q.insert(e)
}

// Mutate applies fn to the bucket entry for (objType, pkey, kind) and
// persists the result, supporting direct operator intervention (spec
// §4.I).
func (q *Queue) Mutate(objType string, pkey any, kind Kind, fn func(*Entry)) error {
	e, ok := q.Get(objType, pkey, kind)
	if !ok {
		return nil
	}
	fn(e)
	return q.insert(e)
}
