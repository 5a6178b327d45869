// Package schema holds the per-object-type schema registry (spec §4.B):
// the effective attribute sets, primary-key spec and stringification
// template computed from the per-source attribute mappings.
package schema

import (
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/expr"
)

// PKeyMergeConstraint governs which pkeys survive a fragment merge.
type PKeyMergeConstraint string

const (
	MustExistInBoth    PKeyMergeConstraint = "mustExistInBoth"
	MustNotExistInBoth PKeyMergeConstraint = "mustNotExistInBoth"
	MustExistInOne     PKeyMergeConstraint = "mustExistInOne"
)

// MergeConflictPolicy governs attribute-level conflict resolution on merge.
type MergeConflictPolicy string

const (
	UseCachedEntry MergeConflictPolicy = "use_cached_entry"
	UseLast        MergeConflictPolicy = "use_last"
)

// QueryType is one of the four source-adapter operations (spec §4.D).
type QueryType string

const (
	QueryFetch  QueryType = "fetch"
	QueryAdd    QueryType = "add"
	QueryDelete QueryType = "delete"
	QueryModify QueryType = "modify"
)

// QuerySpec is a raw (type, query, vars) triple as found in configuration,
// before compilation.
type QuerySpec struct {
	Type  QueryType
	Query string
	Vars  map[string]string
}

// CompiledQuery holds the compiled query text and var templates for one
// fetch/commit_one/commit_all triple.
type CompiledQuery struct {
	Type  QueryType
	Query *AttrExpr
	Vars  map[string]*AttrExpr
}

// SourceSpec is the raw per-(type,source) configuration.
type SourceSpec struct {
	SourceName          string
	AttrsMapping        map[string]string
	SecretAttrs         []string
	CacheOnlyAttrs      []string
	LocalAttrs          []string
	MergeConstraints    []string
	PkeyMergeConstraint PKeyMergeConstraint
	Fetch               *QuerySpec
	CommitOne           *QuerySpec
	CommitAll           *QuerySpec
}

// SourceMapping is the compiled form of a SourceSpec.
type SourceMapping struct {
	SourceName          string
	PkeyMergeConstraint PKeyMergeConstraint

	AttrsMapping     map[string]*AttrExpr // hermes-attr -> compiled value-spec
	MergeConstraints []*expr.Template

	Fetch     *CompiledQuery
	CommitOne *CompiledQuery
	CommitAll *CompiledQuery

	Secrets    map[string]struct{}
	CacheOnly  map[string]struct{}
	Local      map[string]struct{}
}

// TypeSpec is the raw per-object-type configuration.
type TypeSpec struct {
	Name                 string
	PrimaryKeyAttr       []string // one name, or an ordered tuple
	OnMergeConflict      MergeConflictPolicy
	IntegrityConstraints []string
	ToString             string
	// SourceOrder preserves configuration order; Sources is keyed the same.
	SourceOrder []string
	Sources     map[string]*SourceSpec
}

// PrimaryKey is the effective primary-key spec of a Type: a single
// attribute, or an ordered tuple.
type PrimaryKey struct {
	Attrs []string
}

func (pk PrimaryKey) IsTuple() bool { return len(pk.Attrs) > 1 }

// Type is the compiled schema for one object type.
type Type struct {
	Name                 string
	PrimaryKey           PrimaryKey
	OnMergeConflict      MergeConflictPolicy
	SourceOrder          []string
	Sources              map[string]*SourceMapping
	IntegrityConstraints []*expr.Template
	ToString             *expr.Template

	HermesAttributes map[string]struct{}
	RemoteAttributes map[string]struct{}
	Secrets          map[string]struct{}
	CacheOnly        map[string]struct{}
	Local            map[string]struct{}

	MergeConstraintsVars    map[string]struct{}
	IntegrityConstraintsVars map[string]struct{}
}

// ProjectPKey extracts the primary-key value (scalar if len==1, else an
// ordered []any tuple) from a set of hermes attribute values.
func (t *Type) ProjectPKey(attrs map[string]any) any {
	if len(t.PrimaryKey.Attrs) == 1 {
		return attrs[t.PrimaryKey.Attrs[0]]
	}
	tuple := make([]any, len(t.PrimaryKey.Attrs))
	for i, a := range t.PrimaryKey.Attrs {
		tuple[i] = attrs[a]
	}
	return tuple
}

func stringSet(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, i := range items {
		m[i] = struct{}{}
	}
	return m
}

func sliceToSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, i := range items {
		m[i] = struct{}{}
	}
	return m
}

func unionSets(sets ...map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range sets {
		for k := range s {
			out[k] = struct{}{}
		}
	}
	return out
}
