package schema

import "github.com/dsi-insa-strasbourg/hermes-go/pkg/expr"

// ReservedNames is the global set of context variable names reserved by the
// engine (spec §4.E): they are never counted as remote attributes, and a
// per-source/per-type name is added to this set dynamically at registry
// build time (sourcename, sourcename_pkeys, typename, typename_pkeys).
var ReservedNames = []string{
	"_SELF",
	"REMOTE_ATTRIBUTES",
	"ITEM_CACHED_VALUES",
	"ITEM_FETCHED_VALUES",
	"CACHED_VALUES",
	"FETCHED_VALUES",
}

// AttrExpr is a compiled attribute-mapping value-spec: either a literal
// string used verbatim as a remote attribute NAME (spec §3), or a compiled
// single-expression template.
type AttrExpr struct {
	tpl        *expr.Template
	literalKey string
	isLiteral  bool
}

// CompileValueSpec compiles one hermes-attr -> value-spec mapping entry.
// Mixed/multi-statement templates are rejected (BadMapping, via
// expr.ErrBadMapping) and more-than-one-free-variable expressions are
// rejected (TooManyVars) only when requireSingleVar is set. The registry
// compiles attribute mappings and fetch/commit query "vars" entries with it
// unset.
func CompileValueSpec(src string, requireSingleVar bool) (*AttrExpr, error) {
	tpl, err := expr.Compile(src, expr.CompileOptions{
		AllowOnlyOneTemplate: true,
		AllowOnlyOneVar:      requireSingleVar,
	})
	if err != nil {
		return nil, err
	}
	ae := &AttrExpr{tpl: tpl}
	if tpl.Kind() == expr.KindLiteral {
		ae.isLiteral = true
		ae.literalKey = tpl.Literal()
	}
	return ae, nil
}

// Vars returns the free variable names this value-spec references. For a
// literal value-spec, that is the literal text itself (it names a remote
// attribute verbatim).
func (a *AttrExpr) Vars() []string {
	if a.isLiteral {
		return []string{a.literalKey}
	}
	return a.tpl.Vars()
}

// Render evaluates the value-spec against ctx.
func (a *AttrExpr) Render(ctx expr.Context) (any, error) {
	if a.isLiteral {
		v, found, err := ctx.Lookup(a.literalKey)
		if err != nil {
			return nil, err
		}
		if !found {
			return expr.Undefined{}, nil
		}
		return v, nil
	}
	return a.tpl.Render(ctx)
}
