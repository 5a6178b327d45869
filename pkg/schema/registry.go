package schema

import (
	"fmt"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/expr"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/herrors"
)

// Registry is the central schema manager: it holds one compiled Type per
// object type, in the schema-declared (leaves-first) order used throughout
// consolidation, diffing and event emission.
type Registry struct {
	order []string
	types map[string]*Type
}

// Order returns object types in schema-declared order.
func (r *Registry) Order() []string { return append([]string(nil), r.order...) }

// Type returns the compiled schema for name, or nil if unknown.
func (r *Registry) Type(name string) *Type { return r.types[name] }

// Types returns all compiled types, keyed by name.
func (r *Registry) Types() map[string]*Type { return r.types }

// NewRegistry compiles every TypeSpec (in the order given, which becomes
// the schema-declared order) into a Registry. It fails fatally (per spec
// §7 propagation policy) with the first herrors.Kind-tagged compilation
// error encountered.
func NewRegistry(order []string, specs map[string]*TypeSpec) (*Registry, error) {
	r := &Registry{order: append([]string(nil), order...), types: map[string]*Type{}}

	reservedBase := stringSet(ReservedNames...)
	for _, name := range order {
		reservedBase[name] = struct{}{}
		reservedBase[name+"_pkeys"] = struct{}{}
	}
	for src := range allSourceNames(specs) {
		reservedBase[src] = struct{}{}
		reservedBase[src+"_pkeys"] = struct{}{}
	}

	for _, name := range order {
		spec, ok := specs[name]
		if !ok {
			return nil, herrors.New(herrors.BadMapping, name, fmt.Errorf("no configuration for declared type %q", name))
		}
		t, err := compileType(spec, reservedBase)
		if err != nil {
			return nil, err
		}
		r.types[name] = t
	}
	return r, nil
}

func allSourceNames(specs map[string]*TypeSpec) map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range specs {
		for name := range s.Sources {
			out[name] = struct{}{}
		}
	}
	return out
}

func compileType(spec *TypeSpec, reserved map[string]struct{}) (*Type, error) {
	t := &Type{
		Name:            spec.Name,
		PrimaryKey:      PrimaryKey{Attrs: append([]string(nil), spec.PrimaryKeyAttr...)},
		OnMergeConflict: spec.OnMergeConflict,
		SourceOrder:     append([]string(nil), spec.SourceOrder...),
		Sources:         map[string]*SourceMapping{},
	}
	if t.OnMergeConflict == "" {
		t.OnMergeConflict = UseLast
	}

	hermesAttrs := map[string]struct{}{}
	remoteAttrs := map[string]struct{}{}
	secrets := map[string]struct{}{}
	cacheOnly := map[string]struct{}{}
	local := map[string]struct{}{}
	mergeVars := map[string]struct{}{}

	for _, srcName := range spec.SourceOrder {
		srcSpec := spec.Sources[srcName]
		sm, err := compileSource(spec.Name, srcSpec, reserved, mergeVars)
		if err != nil {
			return nil, err
		}
		t.Sources[srcName] = sm

		for attr := range sm.AttrsMapping {
			hermesAttrs[attr] = struct{}{}
			for _, v := range sm.AttrsMapping[attr].Vars() {
				if _, isReserved := reserved[v]; !isReserved {
					remoteAttrs[v] = struct{}{}
				}
			}
		}
		for k := range sm.Secrets {
			secrets[k] = struct{}{}
		}
		for k := range sm.CacheOnly {
			cacheOnly[k] = struct{}{}
		}
		for k := range sm.Local {
			local[k] = struct{}{}
		}
	}

	// MissingPrimaryKey: every pkey component must appear in every source's
	// attrsmapping for this type.
	for _, pk := range t.PrimaryKey.Attrs {
		for _, srcName := range spec.SourceOrder {
			sm := t.Sources[srcName]
			if _, ok := sm.AttrsMapping[pk]; !ok {
				return nil, herrors.New(herrors.MissingPrimaryKey,
					fmt.Sprintf("%s.sources.%s", spec.Name, srcName),
					fmt.Errorf("primary key component %q is absent from source %q's attribute mapping", pk, srcName))
			}
		}
	}

	t.HermesAttributes = hermesAttrs
	t.RemoteAttributes = remoteAttrs
	t.Secrets = secrets
	t.CacheOnly = cacheOnly
	t.Local = local
	t.MergeConstraintsVars = mergeVars

	integrityVars := map[string]struct{}{}
	compiledIntegrity := make([]*expr.Template, 0, len(spec.IntegrityConstraints))
	for _, src := range spec.IntegrityConstraints {
		tpl, err := expr.Compile(src, expr.CompileOptions{})
		if err != nil {
			return nil, herrors.New(herrors.BadMapping, spec.Name+".integrity_constraints", err)
		}
		for _, v := range tpl.Vars() {
			integrityVars[v] = struct{}{}
		}
		compiledIntegrity = append(compiledIntegrity, tpl)
	}
	t.IntegrityConstraints = compiledIntegrity
	t.IntegrityConstraintsVars = integrityVars

	if spec.ToString != "" {
		tpl, err := expr.Compile(spec.ToString, expr.CompileOptions{})
		if err != nil {
			return nil, herrors.New(herrors.BadMapping, spec.Name+".toString", err)
		}
		for _, v := range tpl.Vars() {
			if _, ok := hermesAttrs[v]; !ok {
				return nil, herrors.New(herrors.UnknownVars, spec.Name+".toString",
					fmt.Errorf("toString template references %q, which is not a hermes attribute of %q", v, spec.Name))
			}
		}
		t.ToString = tpl
	}

	return t, nil
}

func compileSource(typeName string, spec *SourceSpec, reserved map[string]struct{}, mergeVarsOut map[string]struct{}) (*SourceMapping, error) {
	sm := &SourceMapping{
		SourceName:          spec.SourceName,
		PkeyMergeConstraint: spec.PkeyMergeConstraint,
		AttrsMapping:        map[string]*AttrExpr{},
		Secrets:             sliceToSet(spec.SecretAttrs),
		CacheOnly:           sliceToSet(spec.CacheOnlyAttrs),
		Local:               sliceToSet(spec.LocalAttrs),
	}
	if sm.PkeyMergeConstraint == "" {
		sm.PkeyMergeConstraint = MustExistInOne
	}

	if len(spec.AttrsMapping) == 0 {
		return nil, herrors.New(herrors.BadMapping, fmt.Sprintf("%s.sources.%s", typeName, spec.SourceName),
			fmt.Errorf("empty attribute mapping"))
	}

	for attr, valueSpec := range spec.AttrsMapping {
		ae, err := CompileValueSpec(valueSpec, false)
		if err != nil {
			return nil, herrors.New(herrors.BadMapping,
				fmt.Sprintf("%s.sources.%s.attrsmapping.%s", typeName, spec.SourceName, attr), err)
		}
		sm.AttrsMapping[attr] = ae
	}

	for _, src := range spec.MergeConstraints {
		tpl, err := expr.Compile(src, expr.CompileOptions{})
		if err != nil {
			return nil, herrors.New(herrors.BadMapping,
				fmt.Sprintf("%s.sources.%s.merge_constraints", typeName, spec.SourceName), err)
		}
		for _, v := range tpl.Vars() {
			mergeVarsOut[v] = struct{}{}
		}
		sm.MergeConstraints = append(sm.MergeConstraints, tpl)
	}

	compileQuery := func(q *QuerySpec, label string) (*CompiledQuery, error) {
		if q == nil {
			return nil, nil
		}
		switch q.Type {
		case QueryFetch, QueryAdd, QueryDelete, QueryModify:
		default:
			return nil, herrors.New(herrors.InvalidQueryType,
				fmt.Sprintf("%s.sources.%s.%s", typeName, spec.SourceName, label),
				fmt.Errorf("invalid query type %q", q.Type))
		}
		cq := &CompiledQuery{Type: q.Type, Vars: map[string]*AttrExpr{}}
		qAE, err := CompileValueSpec(q.Query, false)
		if err != nil {
			return nil, herrors.New(herrors.BadMapping,
				fmt.Sprintf("%s.sources.%s.%s.query", typeName, spec.SourceName, label), err)
		}
		cq.Query = qAE
		for name, vspec := range q.Vars {
			ae, err := CompileValueSpec(vspec, false)
			if err != nil {
				return nil, herrors.New(herrors.BadMapping,
					fmt.Sprintf("%s.sources.%s.%s.vars.%s", typeName, spec.SourceName, label, name), err)
			}
			cq.Vars[name] = ae
		}
		return cq, nil
	}

	var err error
	if sm.Fetch, err = compileQuery(spec.Fetch, "fetch"); err != nil {
		return nil, err
	}
	if sm.CommitOne, err = compileQuery(spec.CommitOne, "commit_one"); err != nil {
		return nil, err
	}
	if sm.CommitAll, err = compileQuery(spec.CommitAll, "commit_all"); err != nil {
		return nil, err
	}

	return sm, nil
}
