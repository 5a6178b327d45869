package dataobject

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/schema"
)

// List is a pkey -> DataObject mapping preserving insertion order of first
// occurrence (spec §3 DataObjectList), with the two sideband filtered-pkey
// sets populated during consolidation.
type List struct {
	Type              *schema.Type
	order             []string
	index             map[string]*DataObject
	MergeFiltered     map[string]struct{}
	IntegrityFiltered map[string]struct{}
}

func NewList(t *schema.Type) *List {
	return &List{
		Type:              t,
		index:             map[string]*DataObject{},
		MergeFiltered:     map[string]struct{}{},
		IntegrityFiltered: map[string]struct{}{},
	}
}

// Key returns the canonical string key for a primary-key value (scalar or
// ordered tuple), used internally for O(1) indexing since Go maps cannot be
// keyed directly by a []any tuple.
func Key(pkey any) string {
	if tuple, ok := pkey.([]any); ok {
		parts := make([]string, len(tuple))
		for i, e := range tuple {
			parts[i] = scalarKey(e)
		}
		return strings.Join(parts, "\x1f")
	}
	return scalarKey(pkey)
}

func scalarKey(v any) string { return fmt.Sprintf("%T\x1e%v", v, v) }

// Add inserts or replaces obj, preserving the position of first occurrence.
func (l *List) Add(obj *DataObject) {
	k := Key(obj.PKey)
	if _, exists := l.index[k]; !exists {
		l.order = append(l.order, k)
	}
	l.index[k] = obj
}

func (l *List) Get(pkey any) (*DataObject, bool) {
	obj, ok := l.index[Key(pkey)]
	return obj, ok
}

func (l *List) getByKey(k string) (*DataObject, bool) {
	obj, ok := l.index[k]
	return obj, ok
}

// RemoveByPKey removes the object with the given pkey, if present.
func (l *List) RemoveByPKey(pkey any) {
	l.removeByKey(Key(pkey))
}

func (l *List) removeByKey(k string) {
	if _, ok := l.index[k]; !ok {
		return
	}
	delete(l.index, k)
	for i, ok := range l.order {
		if ok == k {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

func (l *List) Len() int { return len(l.order) }

// Objects returns every object in insertion order.
func (l *List) Objects() []*DataObject {
	out := make([]*DataObject, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, l.index[k])
	}
	return out
}

// PKeys returns every pkey in insertion order, as a native []any suitable
// for use as a "<source>_pkeys"/"<type>_pkeys" context variable.
func (l *List) PKeys() []any {
	out := make([]any, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, l.index[k].PKey)
	}
	return out
}

// ToNative returns a pkey(string)->native-attrs map for use as a
// "<source>"/"<type>" context variable.
func (l *List) ToNative() map[string]any {
	out := make(map[string]any, l.Len())
	for _, obj := range l.Objects() {
		out[fmt.Sprint(obj.PKey)] = obj.ToNative()
	}
	return out
}

// keySet returns the set of canonical keys currently present.
func (l *List) keySet() map[string]struct{} {
	out := make(map[string]struct{}, len(l.order))
	for _, k := range l.order {
		out[k] = struct{}{}
	}
	return out
}

// MergeWith merges other into l in place (l is the accumulator of all
// fragments merged so far), applying pkeyConstraint and the conflict
// policy, per spec §4.E step 3. It returns the set of pkeys (canonical
// string keys) that were filtered out by this merge step.
func (l *List) MergeWith(other *List, pkeyConstraint schema.PKeyMergeConstraint, dontMergeOnConflict bool) map[string]struct{} {
	filtered := map[string]struct{}{}
	thisKeys := l.keySet()
	otherKeys := other.keySet()

	switch pkeyConstraint {
	case schema.MustExistInBoth:
		for k := range thisKeys {
			if _, ok := otherKeys[k]; !ok {
				l.removeByKey(k)
				filtered[k] = struct{}{}
			}
		}
		for k := range otherKeys {
			if _, ok := thisKeys[k]; !ok {
				filtered[k] = struct{}{}
			}
		}
	case schema.MustNotExistInBoth:
		for k := range thisKeys {
			if _, ok := otherKeys[k]; ok {
				l.removeByKey(k)
				filtered[k] = struct{}{}
			}
		}
		for k := range otherKeys {
			if _, ok := thisKeys[k]; ok {
				filtered[k] = struct{}{}
			}
		}
	case schema.MustExistInOne:
		// no restriction: union of both sides is allowed.
	}

	for _, obj := range other.Objects() {
		key := Key(obj.PKey)
		if _, rejected := filtered[key]; rejected {
			continue
		}
		existing, ok := l.index[key]
		if !ok {
			l.Add(obj)
			continue
		}

		merged := make(map[string]any, len(existing.Attrs)+len(obj.Attrs))
		for a, v := range existing.Attrs {
			merged[a] = v
		}
		conflict := false
		for a, v := range obj.Attrs {
			old, had := merged[a]
			if had && !reflect.DeepEqual(old, v) {
				conflict = true
				if dontMergeOnConflict {
					continue // keep the earlier fragment's value
				}
			}
			merged[a] = v
		}
		if conflict && dontMergeOnConflict {
			filtered[key] = struct{}{}
		}
		existing.Attrs = merged
		existing.PKey = existing.Type.ProjectPKey(merged)
	}

	return filtered
}

// AttrDelta is the per-attribute added/modified/removed bucket of one
// modified event (spec §3 Event).
type AttrDelta struct {
	Added    map[string]any
	Modified map[string]any
	Removed  []string
}

func (d AttrDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// ModifiedEntry is one pkey's before/after pair plus its emittable delta
// (cache-only attributes excluded, spec §4.F).
type ModifiedEntry struct {
	PKey     any
	Old, New *DataObject
	Emitted  AttrDelta
}

// Diff is the {added, modified, removed} result of comparing two Lists of
// the same type (spec §4.C DiffFrom / §4.F Cache & diff engine).
type Diff struct {
	Added    []*DataObject
	Modified []*ModifiedEntry
	Removed  []*DataObject
}

// DiffFrom computes the diff of l against old (old is the previous/cached
// list). Attributes flagged cache-only in the schema are excluded from the
// emitted modified payload (and from added/removed full records) even
// though they are compared to decide whether the underlying cache entry
// must be refreshed.
func (l *List) DiffFrom(old *List) *Diff {
	diff := &Diff{}
	oldSeen := map[string]struct{}{}
	cacheOnly := map[string]struct{}{}
	if l.Type != nil {
		cacheOnly = l.Type.CacheOnly
	}

	for _, obj := range l.Objects() {
		key := Key(obj.PKey)
		oldObj, existed := old.getByKey(key)
		if !existed {
			diff.Added = append(diff.Added, stripCacheOnly(obj, cacheOnly))
			continue
		}
		oldSeen[key] = struct{}{}
		full, emitted, changed := diffAttrs(oldObj.Attrs, obj.Attrs, cacheOnly)
		_ = full
		if changed && !emitted.Empty() {
			diff.Modified = append(diff.Modified, &ModifiedEntry{PKey: obj.PKey, Old: oldObj, New: obj, Emitted: emitted})
		}
	}
	for _, obj := range old.Objects() {
		key := Key(obj.PKey)
		if _, ok := oldSeen[key]; !ok {
			diff.Removed = append(diff.Removed, stripCacheOnly(obj, cacheOnly))
		}
	}
	return diff
}

func stripCacheOnly(obj *DataObject, cacheOnly map[string]struct{}) *DataObject {
	if len(cacheOnly) == 0 {
		return obj
	}
	cp := obj.Clone()
	for k := range cacheOnly {
		delete(cp.Attrs, k)
	}
	return cp
}

func diffAttrs(oldAttrs, newAttrs map[string]any, cacheOnly map[string]struct{}) (full, emitted AttrDelta, changed bool) {
	full = AttrDelta{Added: map[string]any{}, Modified: map[string]any{}}
	emitted = AttrDelta{Added: map[string]any{}, Modified: map[string]any{}}

	for k, v := range newAttrs {
		old, existed := oldAttrs[k]
		_, isCacheOnly := cacheOnly[k]
		if !existed {
			full.Added[k] = v
			changed = true
			if !isCacheOnly {
				emitted.Added[k] = v
			}
			continue
		}
		if !reflect.DeepEqual(old, v) {
			full.Modified[k] = v
			changed = true
			if !isCacheOnly {
				emitted.Modified[k] = v
			}
		}
	}
	for k := range oldAttrs {
		if _, still := newAttrs[k]; !still {
			full.Removed = append(full.Removed, k)
			changed = true
			if _, isCacheOnly := cacheOnly[k]; !isCacheOnly {
				emitted.Removed = append(emitted.Removed, k)
			}
		}
	}
	return full, emitted, changed
}
