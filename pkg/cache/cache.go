// Package cache implements the cache & diff engine (spec §4.F): durable
// per-type snapshots of the last successfully emitted DataObjectList, plus
// the added/modified/removed diff against a freshly consolidated view.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/Kong/gojsondiff"
	"github.com/Kong/gojsondiff/formatter"
	_ "modernc.org/sqlite"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/dataobject"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/herrors"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/schema"
)

// Snapshot is the durable form of a DataObjectList: canonical pkey key to
// bare hermes attributes (no synthetic _pkey_* fields).
type Snapshot map[string]map[string]any

// ToSnapshot captures l's current state.
func ToSnapshot(l *dataobject.List) Snapshot {
	snap := make(Snapshot, l.Len())
	for _, obj := range l.Objects() {
		snap[dataobject.Key(obj.PKey)] = obj.Attrs
	}
	return snap
}

// ToList reconstructs a DataObjectList of type t from a snapshot.
func ToList(t *schema.Type, snap Snapshot) *dataobject.List {
	list := dataobject.NewList(t)
	for _, attrs := range snap {
		list.Add(dataobject.New(t, attrs))
	}
	return list
}

// DB is the durable snapshot store: one row per object type, holding the
// last emitted snapshot and the server's monotonic event counter. Writes
// replace the row inside a single transaction so a reader never observes a
// torn snapshot (the atomic-rename-on-write requirement of spec §6,
// translated to a SQL transaction boundary since modernc.org/sqlite gives
// us a real ACID store instead of a bespoke temp-file-then-rename dance).
type DB struct {
	sqldb *sql.DB
}

// Open opens (creating if absent) the sqlite-backed cache store at path.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, herrors.New(herrors.CacheFailure, path, err)
	}
	if _, err := sqldb.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		objtype TEXT PRIMARY KEY,
		ev_number INTEGER NOT NULL,
		data BLOB NOT NULL
	)`); err != nil {
		sqldb.Close()
		return nil, herrors.New(herrors.CacheFailure, path, err)
	}
	if _, err := sqldb.Exec(`CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`); err != nil {
		sqldb.Close()
		return nil, herrors.New(herrors.CacheFailure, path, err)
	}
	return &DB{sqldb: sqldb}, nil
}

// LoadCounter returns the persisted value of a named monotonic counter
// (the server's event-number sequence persists across restarts per the
// resolution of the "evNumber across a restart" open question, spec §9).
func (db *DB) LoadCounter(ctx context.Context, name string) (int64, error) {
	row := db.sqldb.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, name)
	var v int64
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, herrors.New(herrors.CacheFailure, name, err)
	}
	return v, nil
}

// SaveCounter persists the current value of a named monotonic counter.
func (db *DB) SaveCounter(ctx context.Context, name string, value int64) error {
	_, err := db.sqldb.ExecContext(ctx, `INSERT INTO counters (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
	if err != nil {
		return herrors.New(herrors.CacheFailure, name, err)
	}
	return nil
}

func (db *DB) Close() error { return db.sqldb.Close() }

// Load returns the persisted snapshot and event counter for objtype, or an
// empty snapshot and evNumber 0 if none was ever written.
func (db *DB) Load(ctx context.Context, objtype string) (Snapshot, int64, error) {
	row := db.sqldb.QueryRowContext(ctx, `SELECT ev_number, data FROM snapshots WHERE objtype = ?`, objtype)
	var ev int64
	var data []byte
	if err := row.Scan(&ev, &data); err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, 0, nil
		}
		return nil, 0, herrors.New(herrors.CacheFailure, objtype, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, 0, herrors.New(herrors.CacheFailure, objtype, err)
	}
	return snap, ev, nil
}

// Save atomically replaces the persisted snapshot for objtype and advances
// its recorded event counter. Called only after the transport has
// acknowledged every event up to evNumber (spec §4.G): the cache never
// advances past the last acked event.
func (db *DB) Save(ctx context.Context, objtype string, snap Snapshot, evNumber int64) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return herrors.New(herrors.CacheFailure, objtype, err)
	}
	tx, err := db.sqldb.BeginTx(ctx, nil)
	if err != nil {
		return herrors.New(herrors.CacheFailure, objtype, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO snapshots (objtype, ev_number, data) VALUES (?, ?, ?)
		ON CONFLICT(objtype) DO UPDATE SET ev_number = excluded.ev_number, data = excluded.data`,
		objtype, evNumber, data); err != nil {
		return herrors.New(herrors.CacheFailure, objtype, err)
	}
	if err := tx.Commit(); err != nil {
		return herrors.New(herrors.CacheFailure, objtype, err)
	}
	return nil
}

// StructuralDiff renders a human-readable structural diff between two
// snapshots, for operator notifications (spec §7) describing schema drift
// or large unexpected swings in cache content. Returns "" when the two
// snapshots are structurally identical.
func StructuralDiff(old, next Snapshot) (string, error) {
	oldJSON, err := json.Marshal(old)
	if err != nil {
		return "", err
	}
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return "", err
	}

	d, err := gojsondiff.New().Compare(oldJSON, nextJSON)
	if err != nil {
		return "", err
	}
	if !d.Modified() {
		return "", nil
	}

	var oldMap map[string]any
	if err := json.Unmarshal(oldJSON, &oldMap); err != nil {
		return "", err
	}
	f := formatter.NewAsciiFormatter(oldMap, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	return f.Format(d)
}
