// Package consolidator implements the datamodel consolidator (spec §4.E):
// per-type fetch, merge-constraint fixpoint, fragment merge, replace
// inconsistencies by cache, and the cross-type integrity-constraint
// fixpoint.
package consolidator

import (
	"context"
	"fmt"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/dataobject"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/expr"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/fragment"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/schema"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Consolidator drives one full pass across every object type.
type Consolidator struct {
	Registry  *schema.Registry
	Fragments map[string]map[string]*fragment.Fragment // type -> source -> fragment
	Log       *zap.SugaredLogger
}

func New(reg *schema.Registry, frags map[string]map[string]*fragment.Fragment, log *zap.SugaredLogger) *Consolidator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Consolidator{Registry: reg, Fragments: frags, Log: log}
}

// Run performs one consolidation pass. caches holds the last successfully
// emitted list per type (nil/missing entries are treated as empty). It
// returns the new merged list per type, constrained by merge and integrity
// fixpoints.
func (c *Consolidator) Run(ctx context.Context, caches map[string]*dataobject.List) (map[string]*dataobject.List, error) {
	merged := map[string]*dataobject.List{}

	for _, typeName := range c.Registry.Order() {
		t := c.Registry.Type(typeName)
		cache := caches[typeName]

		fetched, err := c.fetchAll(ctx, t, cache)
		if err != nil {
			return nil, err
		}

		mergeFiltered := c.applyMergeConstraints(t, fetched)

		mergedList, fragmentFiltered := c.mergeFragments(t, fetched)
		for k := range fragmentFiltered {
			mergeFiltered[k] = struct{}{}
		}

		c.restoreFromCache(mergedList, cache, mergeFiltered)
		mergedList.MergeFiltered = mergeFiltered

		merged[typeName] = mergedList
	}

	c.applyIntegrityConstraints(merged)

	return merged, nil
}

// fetchAll runs every fragment of t's fetch pass in parallel (distinct
// sources may run concurrently; results are joined before the merge step,
// per the concurrency model).
func (c *Consolidator) fetchAll(ctx context.Context, t *schema.Type, cache *dataobject.List) (map[string]*dataobject.List, error) {
	results := make(map[string]*dataobject.List, len(t.SourceOrder))
	g, gctx := errgroup.WithContext(ctx)
	for _, srcName := range t.SourceOrder {
		srcName := srcName
		frag := c.Fragments[t.Name][srcName]
		if frag == nil {
			return nil, fmt.Errorf("consolidator: no fragment wired for %s.%s", t.Name, srcName)
		}
		g.Go(func() error {
			list, err := frag.Fetch(gctx, cache)
			if err != nil {
				return err
			}
			results[srcName] = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// applyMergeConstraints runs the per-fragment merge-constraint fixpoint
// (spec §4.E step 2), mutating fetched in place and returning the set of
// filtered pkeys (canonical keys, as produced by dataobject.Key).
func (c *Consolidator) applyMergeConstraints(t *schema.Type, fetched map[string]*dataobject.List) map[string]struct{} {
	filtered := map[string]struct{}{}

	for {
		droppedThisPass := false
		reservedVals := c.sourceContextValues(t, fetched)

		for _, srcName := range t.SourceOrder {
			sm := t.Sources[srcName]
			if len(sm.MergeConstraints) == 0 {
				continue
			}
			list := fetched[srcName]
			for _, obj := range list.Objects() {
				ctx := expr.NewMapContext(nil).WithReserved(reservedNames(t), mergeObjReserved(obj, reservedVals))
				ok, err := evalAllTrue(sm.MergeConstraints, ctx)
				if err != nil {
					c.Log.Warnw("merge constraint evaluation failed", "type", t.Name, "source", srcName, "pkey", obj.PKey, "error", err)
					continue
				}
				if !ok {
					list.RemoveByPKey(obj.PKey)
					filtered[dataobject.Key(obj.PKey)] = struct{}{}
					droppedThisPass = true
				}
			}
		}
		if !droppedThisPass {
			break
		}
	}
	return filtered
}

func reservedNames(t *schema.Type) []string {
	names := []string{"_SELF"}
	for _, s := range t.SourceOrder {
		names = append(names, s, s+"_pkeys")
	}
	return names
}

func (c *Consolidator) sourceContextValues(t *schema.Type, fetched map[string]*dataobject.List) map[string]any {
	vals := map[string]any{}
	for _, srcName := range t.SourceOrder {
		list := fetched[srcName]
		vals[srcName] = list.ToNative()
		vals[srcName+"_pkeys"] = list.PKeys()
	}
	return vals
}

func mergeObjReserved(obj *dataobject.DataObject, base map[string]any) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out["_SELF"] = obj.ToNative()
	return out
}

func evalAllTrue(constraints []*expr.Template, ctx expr.Context) (bool, error) {
	for _, tpl := range constraints {
		v, err := tpl.Render(ctx)
		if err != nil {
			return false, err
		}
		if b, ok := v.(bool); ok && !b {
			return false, nil
		}
		if !isTruthyConstraintResult(v) {
			return false, nil
		}
	}
	return true, nil
}

func isTruthyConstraintResult(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case expr.Undefined:
		return false
	default:
		return true
	}
}

// mergeFragments merges every source's list into the first one in
// SourceOrder (spec §4.E step 3), returning the resulting list plus the
// set of pkeys filtered by pkeyMergeConstraint/conflict policy.
func (c *Consolidator) mergeFragments(t *schema.Type, fetched map[string]*dataobject.List) (*dataobject.List, map[string]struct{}) {
	filtered := map[string]struct{}{}
	if len(t.SourceOrder) == 0 {
		return dataobject.NewList(t), filtered
	}

	first := t.SourceOrder[0]
	acc := fetched[first]
	dontMergeOnConflict := t.OnMergeConflict == schema.UseCachedEntry

	for _, srcName := range t.SourceOrder[1:] {
		sm := t.Sources[srcName]
		dropped := acc.MergeWith(fetched[srcName], sm.PkeyMergeConstraint, dontMergeOnConflict)
		for k := range dropped {
			filtered[k] = struct{}{}
		}
	}
	return acc, filtered
}

// restoreFromCache re-inserts, from cache, any object whose pkey ended up
// filtered during this pass, so that downstream consumers keep seeing a
// continuous view while a source is inconsistent (spec §4.E step 4).
func (c *Consolidator) restoreFromCache(merged *dataobject.List, cache *dataobject.List, filtered map[string]struct{}) {
	if cache == nil || len(filtered) == 0 {
		return
	}
	for _, obj := range cache.Objects() {
		if _, isFiltered := filtered[dataobject.Key(obj.PKey)]; isFiltered {
			merged.Add(obj)
		}
	}
}

// applyIntegrityConstraints runs the cross-type integrity-constraint
// fixpoint (spec §4.E step 5): dropping an object from one type may
// invalidate a constraint on another type referencing it, so the loop
// covers every type until a full pass across all of them drops nothing.
func (c *Consolidator) applyIntegrityConstraints(merged map[string]*dataobject.List) {
	for _, list := range merged {
		if list.IntegrityFiltered == nil {
			list.IntegrityFiltered = map[string]struct{}{}
		}
	}

	for {
		droppedThisPass := false
		typeContextVals := map[string]any{}
		for name, list := range merged {
			typeContextVals[name] = list.ToNative()
			typeContextVals[name+"_pkeys"] = list.PKeys()
		}

		for _, typeName := range c.Registry.Order() {
			t := c.Registry.Type(typeName)
			if len(t.IntegrityConstraints) == 0 {
				continue
			}
			list := merged[typeName]
			reserved := append([]string{"_SELF"}, allTypeNames(c.Registry)...)
			for _, obj := range list.Objects() {
				vals := make(map[string]any, len(typeContextVals)+1)
				for k, v := range typeContextVals {
					vals[k] = v
				}
				vals["_SELF"] = obj.ToNative()
				ctx := expr.NewMapContext(nil).WithReserved(reserved, vals)
				ok, err := evalAllTrue(t.IntegrityConstraints, ctx)
				if err != nil {
					c.Log.Warnw("integrity constraint evaluation failed", "type", typeName, "pkey", obj.PKey, "error", err)
					continue
				}
				if !ok {
					list.RemoveByPKey(obj.PKey)
					list.IntegrityFiltered[dataobject.Key(obj.PKey)] = struct{}{}
					droppedThisPass = true
				}
			}
		}
		if !droppedThisPass {
			break
		}
	}
}

func allTypeNames(reg *schema.Registry) []string {
	names := make([]string, 0, len(reg.Order())*2)
	for _, n := range reg.Order() {
		names = append(names, n, n+"_pkeys")
	}
	return names
}
