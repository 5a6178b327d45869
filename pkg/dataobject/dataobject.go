// Package dataobject implements the typed record (DataObject) and indexed,
// insertion-ordered collection (DataObjectList) described in spec §4.C,
// including cross-fragment merge and cache-diff.
package dataobject

import (
	"fmt"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/expr"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/schema"
)

// DataObject is a typed record {pkey, attrs[hermes-attrs]} of one type.
type DataObject struct {
	Type  *schema.Type
	PKey  any
	Attrs map[string]any
}

// FromRemote evaluates every mapping expression of (type, sourceName)
// against row (the lenient layer) plus itemCachedValues (exposed as the
// reserved ITEM_CACHED_VALUES context var). A remote attribute absent from
// row renders Undefined and is simply omitted from Attrs — it is not an
// error (spec §9 "strict-undefined evaluation" design note). A primary-key
// component that ends up absent is a hard error: the row cannot be
// identified.
func FromRemote(t *schema.Type, sourceName string, row map[string]any, itemCachedValues map[string]any) (*DataObject, error) {
	sm := t.Sources[sourceName]
	if sm == nil {
		return nil, fmt.Errorf("dataobject: type %q has no source %q", t.Name, sourceName)
	}
	if itemCachedValues == nil {
		itemCachedValues = map[string]any{}
	}

	remoteAttrNames := make([]any, 0, len(row))
	for k := range row {
		remoteAttrNames = append(remoteAttrNames, k)
	}

	ctx := expr.NewMapContext(row).WithReserved(
		[]string{"REMOTE_ATTRIBUTES", "ITEM_CACHED_VALUES"},
		map[string]any{
			"REMOTE_ATTRIBUTES":   remoteAttrNames,
			"ITEM_CACHED_VALUES":  itemCachedValues,
		},
	)

	attrs := map[string]any{}
	for attr, ae := range sm.AttrsMapping {
		v, err := ae.Render(ctx)
		if err != nil {
			return nil, fmt.Errorf("dataobject: rendering %s.%s from source %s: %w", t.Name, attr, sourceName, err)
		}
		if expr.IsUndefined(v) {
			continue
		}
		attrs[attr] = v
	}

	for _, pk := range t.PrimaryKey.Attrs {
		if _, ok := attrs[pk]; !ok {
			return nil, fmt.Errorf("dataobject: primary key component %q absent from row for type %q/source %q", pk, t.Name, sourceName)
		}
	}

	return &DataObject{Type: t, PKey: t.ProjectPKey(attrs), Attrs: attrs}, nil
}

// New constructs a DataObject directly from already-native attributes
// (used by the client applier to materialize objects from event payloads).
func New(t *schema.Type, attrs map[string]any) *DataObject {
	cp := make(map[string]any, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return &DataObject{Type: t, PKey: t.ProjectPKey(cp), Attrs: cp}
}

// ToNative returns a copy of Attrs with synthetic "_pkey_<name>" fields
// added for each primary-key component, for use as a _SELF/<type> context
// value in constraint expressions. The _pkey_* fields are never considered
// when diffing two native views (spec §4.C).
func (o *DataObject) ToNative() map[string]any {
	out := make(map[string]any, len(o.Attrs)+len(o.Type.PrimaryKey.Attrs))
	for k, v := range o.Attrs {
		out[k] = v
	}
	for _, pk := range o.Type.PrimaryKey.Attrs {
		out["_pkey_"+pk] = o.Attrs[pk]
	}
	return out
}

// Clone returns a deep-enough copy of o (the Attrs map is copied; leaf
// values are not, consistent with treating them as immutable once set).
func (o *DataObject) Clone() *DataObject {
	attrs := make(map[string]any, len(o.Attrs))
	for k, v := range o.Attrs {
		attrs[k] = v
	}
	return &DataObject{Type: o.Type, PKey: o.PKey, Attrs: attrs}
}

// String renders the type's toString template against this object, or
// falls back to "<Type pkey>" if no template was configured.
func (o *DataObject) String() string {
	if o.Type != nil && o.Type.ToString != nil {
		ctx := expr.NewMapContext(o.Attrs)
		if v, err := o.Type.ToString.Render(ctx); err == nil {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprintf("%v", v)
		}
	}
	name := "object"
	if o.Type != nil {
		name = o.Type.Name
	}
	return fmt.Sprintf("<%s %v>", name, o.PKey)
}
