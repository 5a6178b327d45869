// Package testfixtures provides an in-memory adapter and transport, plus
// a small synthetic users/groups scenario, for exercising the server and
// client wiring without a real backing store — grounded on
// original_source/plugins/clients/usersgroups_null/usersgroups_null.py's
// role as a reference no-op plugin, and on
// original_source/tests/functional/test_scenario_01_single_datasource.py's
// users/groups/memberships fixture shape and sentinel-failure naming.
package testfixtures

import (
	"context"
	"fmt"
	"sync"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/adapter"
)

// TableAdapter is an in-memory adapter.Adapter backed by a single table of
// rows. The "query" string fragment.Fetch/CommitOne/CommitAll render is
// ignored: every call targets this adapter's one table. Vars are matched as
// equality filters (fetch) or used to build/locate the row to write
// (add/modify/delete).
type TableAdapter struct {
	name string

	mu   sync.Mutex
	rows []adapter.Row
	pk   string // var/attribute name used to match a single row on write
}

func NewTableAdapter(name, pkVar string, rows []adapter.Row) *TableAdapter {
	return &TableAdapter{name: name, pk: pkVar, rows: rows}
}

func (a *TableAdapter) Name() string                    { return a.name }
func (a *TableAdapter) Open(ctx context.Context) error  { return nil }
func (a *TableAdapter) Close(ctx context.Context) error { return nil }

func (a *TableAdapter) Fetch(ctx context.Context, query string, vars adapter.Vars) ([]adapter.Row, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]adapter.Row, 0, len(a.rows))
	for _, row := range a.rows {
		if matches(row, vars) {
			out = append(out, cloneRow(row))
		}
	}
	return out, nil
}

func (a *TableAdapter) Add(ctx context.Context, query string, vars adapter.Vars) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, cloneRow(vars))
	return nil
}

func (a *TableAdapter) Delete(ctx context.Context, query string, vars adapter.Vars) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.indexOf(vars)
	if idx < 0 {
		return fmt.Errorf("testfixtures: %s: no row matching %v to delete", a.name, vars)
	}
	a.rows = append(a.rows[:idx], a.rows[idx+1:]...)
	return nil
}

func (a *TableAdapter) Modify(ctx context.Context, query string, vars adapter.Vars) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.indexOf(vars)
	if idx < 0 {
		return fmt.Errorf("testfixtures: %s: no row matching %v to modify", a.name, vars)
	}
	for k, v := range vars {
		a.rows[idx][k] = v
	}
	return nil
}

func (a *TableAdapter) indexOf(vars adapter.Vars) int {
	key, ok := vars[a.pk]
	if !ok {
		return -1
	}
	for i, row := range a.rows {
		if row[a.pk] == key {
			return i
		}
	}
	return -1
}

func matches(row adapter.Row, vars adapter.Vars) bool {
	for k, v := range vars {
		if row[k] != v {
			return false
		}
	}
	return true
}

func cloneRow(row adapter.Row) adapter.Row {
	out := make(adapter.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
