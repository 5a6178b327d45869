// Package fragment implements the source fragment (spec §4.D): one
// (object-type, source) pair driving a single adapter through its
// configured fetch/commit_one/commit_all queries.
package fragment

import (
	"context"
	"fmt"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/adapter"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/dataobject"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/expr"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/herrors"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/schema"
)

// Fragment wraps one adapter for one (type, source) pair.
type Fragment struct {
	Type       *schema.Type
	SourceName string
	Mapping    *schema.SourceMapping
	Adapter    adapter.Adapter
}

func New(t *schema.Type, sourceName string, adp adapter.Adapter) *Fragment {
	return &Fragment{Type: t, SourceName: sourceName, Mapping: t.Sources[sourceName], Adapter: adp}
}

func (f *Fragment) remoteAttrNames() []any {
	seen := map[string]struct{}{}
	out := []any{}
	for _, ae := range f.Mapping.AttrsMapping {
		for _, v := range ae.Vars() {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// Fetch runs the fragment's configured fetch query (if any — a fragment
// without a fetch query contributes nothing, e.g. a write-only sink) and
// materializes one DataObject per returned row.
func (f *Fragment) Fetch(ctx context.Context, cache *dataobject.List) (*dataobject.List, error) {
	out := dataobject.NewList(f.Type)
	if f.Mapping.Fetch == nil {
		return out, nil
	}
	if f.Mapping.Fetch.Type != schema.QueryFetch {
		return nil, herrors.New(herrors.InvalidQueryType, fmt.Sprintf("%s.sources.%s.fetch", f.Type.Name, f.SourceName),
			fmt.Errorf("fetch query must have type %q, got %q", schema.QueryFetch, f.Mapping.Fetch.Type))
	}

	evalCtx := expr.NewMapContext(nil).WithReserved(
		[]string{"REMOTE_ATTRIBUTES", "CACHED_VALUES"},
		map[string]any{
			"REMOTE_ATTRIBUTES": f.remoteAttrNames(),
			"CACHED_VALUES":     nativeOrEmpty(cache),
		},
	)

	query, vars, err := renderQuery(f.Mapping.Fetch, evalCtx)
	if err != nil {
		return nil, err
	}

	rows, err := f.Adapter.Fetch(ctx, query, vars)
	if err != nil {
		return nil, herrors.New(herrors.SourceFailure, f.SourceName, &herrors.SourceFailureError{Source: f.SourceName, Query: query, Err: err})
	}

	for _, row := range rows {
		pkey, err := projectPKey(f.Type, f.Mapping, row)
		if err != nil {
			return nil, err
		}
		itemCached := map[string]any{}
		if cache != nil {
			if old, ok := cache.Get(pkey); ok {
				itemCached = old.ToNative()
			}
		}
		obj, err := dataobject.FromRemote(f.Type, f.SourceName, row, itemCached)
		if err != nil {
			return nil, err
		}
		out.Add(obj)
	}
	return out, nil
}

// projectPKey renders just the primary-key attributes of the mapping
// against row, without requiring the rest of the mapping to succeed, so a
// row missing unrelated remote attributes can still be identified.
func projectPKey(t *schema.Type, sm *schema.SourceMapping, row map[string]any) (any, error) {
	ctx := expr.NewMapContext(row)
	attrs := map[string]any{}
	for _, pk := range t.PrimaryKey.Attrs {
		ae, ok := sm.AttrsMapping[pk]
		if !ok {
			return nil, fmt.Errorf("fragment: primary key component %q has no mapping", pk)
		}
		v, err := ae.Render(ctx)
		if err != nil {
			return nil, err
		}
		if expr.IsUndefined(v) {
			return nil, fmt.Errorf("fragment: primary key component %q absent from row", pk)
		}
		attrs[pk] = v
	}
	return t.ProjectPKey(attrs), nil
}

// CommitOne dispatches the per-object commit_one query, iff configured.
func (f *Fragment) CommitOne(ctx context.Context, cachedValues, fetchedValues map[string]any) error {
	if f.Mapping.CommitOne == nil {
		return nil
	}
	evalCtx := expr.NewMapContext(nil).WithReserved(
		[]string{"REMOTE_ATTRIBUTES", "ITEM_CACHED_VALUES", "ITEM_FETCHED_VALUES"},
		map[string]any{
			"REMOTE_ATTRIBUTES":   f.remoteAttrNames(),
			"ITEM_CACHED_VALUES":  orEmptyMap(cachedValues),
			"ITEM_FETCHED_VALUES": orEmptyMap(fetchedValues),
		},
	)
	return f.dispatch(ctx, f.Mapping.CommitOne, evalCtx)
}

// CommitAll dispatches the whole-list commit_all query, iff configured.
func (f *Fragment) CommitAll(ctx context.Context, cached, fetched *dataobject.List) error {
	if f.Mapping.CommitAll == nil {
		return nil
	}
	evalCtx := expr.NewMapContext(nil).WithReserved(
		[]string{"REMOTE_ATTRIBUTES", "CACHED_VALUES", "FETCHED_VALUES"},
		map[string]any{
			"REMOTE_ATTRIBUTES": f.remoteAttrNames(),
			"CACHED_VALUES":     nativeOrEmpty(cached),
			"FETCHED_VALUES":    nativeOrEmpty(fetched),
		},
	)
	return f.dispatch(ctx, f.Mapping.CommitAll, evalCtx)
}

func (f *Fragment) dispatch(ctx context.Context, cq *schema.CompiledQuery, evalCtx expr.Context) error {
	query, vars, err := renderQuery(cq, evalCtx)
	if err != nil {
		return err
	}
	var dispatchErr error
	switch cq.Type {
	case schema.QueryAdd:
		dispatchErr = f.Adapter.Add(ctx, query, vars)
	case schema.QueryDelete:
		dispatchErr = f.Adapter.Delete(ctx, query, vars)
	case schema.QueryModify:
		dispatchErr = f.Adapter.Modify(ctx, query, vars)
	case schema.QueryFetch:
		return herrors.New(herrors.InvalidQueryType, f.SourceName, fmt.Errorf("fetch-type query cannot be used as a commit query"))
	default:
		return herrors.New(herrors.InvalidQueryType, f.SourceName, fmt.Errorf("invalid query type %q", cq.Type))
	}
	if dispatchErr != nil {
		return herrors.New(herrors.SourceFailure, f.SourceName, &herrors.SourceFailureError{Source: f.SourceName, Query: query, Err: dispatchErr})
	}
	return nil
}

func renderQuery(cq *schema.CompiledQuery, ctx expr.Context) (string, map[string]any, error) {
	qv, err := cq.Query.Render(ctx)
	if err != nil {
		return "", nil, err
	}
	query, ok := qv.(string)
	if !ok {
		query = fmt.Sprintf("%v", qv)
	}
	vars := make(map[string]any, len(cq.Vars))
	for name, ae := range cq.Vars {
		v, err := ae.Render(ctx)
		if err != nil {
			return "", nil, err
		}
		if expr.IsUndefined(v) {
			continue
		}
		vars[name] = v
	}
	return query, vars, nil
}

func nativeOrEmpty(l *dataobject.List) map[string]any {
	if l == nil {
		return map[string]any{}
	}
	return l.ToNative()
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
