package expr

import (
	"fmt"
	"strconv"
)

// node is an evaluable expression tree node.
type node interface {
	eval(ctx Context) (any, error)
	collectVars(set map[string]struct{})
}

type literalNode struct{ value any }

func (n *literalNode) eval(Context) (any, error)            { return n.value, nil }
func (n *literalNode) collectVars(map[string]struct{})      {}

type varNode struct {
	name string
	path []pathSeg
}

type pathSeg struct {
	// exactly one of field or index is set.
	field string
	index node
}

func (n *varNode) collectVars(set map[string]struct{}) {
	set[n.name] = struct{}{}
	for _, seg := range n.path {
		if seg.index != nil {
			seg.index.collectVars(set)
		}
	}
}

func (n *varNode) eval(ctx Context) (any, error) {
	v, found, err := ctx.Lookup(n.name)
	if err != nil {
		return nil, err
	}
	if !found {
		return Undefined{}, nil
	}
	cur := v
	for _, seg := range n.path {
		if seg.field != "" {
			cur, found = lookupField(cur, seg.field)
			if !found {
				return Undefined{}, nil
			}
		} else {
			idxv, err := seg.index.eval(ctx)
			if err != nil {
				return nil, err
			}
			cur, found = lookupIndex(cur, idxv)
			if !found {
				return Undefined{}, nil
			}
		}
	}
	return cur, nil
}

func lookupField(v any, field string) (any, bool) {
	switch m := v.(type) {
	case map[string]any:
		val, ok := m[field]
		return val, ok
	}
	return nil, false
}

func lookupIndex(v any, idx any) (any, bool) {
	switch c := v.(type) {
	case []any:
		i, ok := asInt(idx)
		if !ok || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, false
		}
		val, ok := c[key]
		return val, ok
	}
	return nil, false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// binaryNode covers comparisons, membership and boolean and/or.
type binaryNode struct {
	op    string
	left  node
	right node
}

func (n *binaryNode) collectVars(set map[string]struct{}) {
	n.left.collectVars(set)
	n.right.collectVars(set)
}

func (n *binaryNode) eval(ctx Context) (any, error) {
	switch n.op {
	case "and", "&&":
		l, err := n.left.eval(ctx)
		if err != nil {
			return nil, err
		}
		if !truthy(l) {
			return false, nil
		}
		r, err := n.right.eval(ctx)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	case "or", "||":
		l, err := n.left.eval(ctx)
		if err != nil {
			return nil, err
		}
		if truthy(l) {
			return true, nil
		}
		r, err := n.right.eval(ctx)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}

	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	return compare(n.op, l, r)
}

func compare(op string, l, r any) (any, error) {
	switch op {
	case "in":
		return isMember(r, l), nil
	case "not in":
		return !isMember(r, l), nil
	case "==":
		return looseEqual(l, r), nil
	case "!=":
		return !looseEqual(l, r), nil
	case "<", "<=", ">", ">=":
		lf, lok := asFloat(l)
		rf, rok := asFloat(r)
		if lok && rok {
			switch op {
			case "<":
				return lf < rf, nil
			case "<=":
				return lf <= rf, nil
			case ">":
				return lf > rf, nil
			case ">=":
				return lf >= rf, nil
			}
		}
		ls, lok := l.(string)
		rs, rok := r.(string)
		if lok && rok {
			switch op {
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
		return nil, fmt.Errorf("cannot compare %T and %T with %s", l, r, op)
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}

func isMember(container, item any) bool {
	if _, ok := container.(Undefined); ok {
		return false
	}
	switch c := container.(type) {
	case []any:
		for _, e := range c {
			if looseEqual(e, item) {
				return true
			}
		}
	case map[string]any:
		s, ok := item.(string)
		if !ok {
			return false
		}
		_, ok = c[s]
		return ok
	}
	return false
}

func looseEqual(a, b any) bool {
	_, aUndef := a.(Undefined)
	_, bUndef := b.(Undefined)
	if aUndef || bUndef {
		return aUndef && bUndef
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case Undefined:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

type notNode struct{ inner node }

func (n *notNode) collectVars(set map[string]struct{}) { n.inner.collectVars(set) }
func (n *notNode) eval(ctx Context) (any, error) {
	v, err := n.inner.eval(ctx)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type listNode struct{ items []node }

func (n *listNode) collectVars(set map[string]struct{}) {
	for _, it := range n.items {
		it.collectVars(set)
	}
}

func (n *listNode) eval(ctx Context) (any, error) {
	out := make([]any, 0, len(n.items))
	for _, it := range n.items {
		v, err := it.eval(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type filterNode struct {
	inner node
	name  string
	args  []node
}

func (n *filterNode) collectVars(set map[string]struct{}) {
	n.inner.collectVars(set)
	for _, a := range n.args {
		a.collectVars(set)
	}
}

func (n *filterNode) eval(ctx Context) (any, error) {
	v, err := n.inner.eval(ctx)
	if err != nil {
		return nil, err
	}
	fn, ok := lookupFilter(ctx.Filters(), n.name)
	if !ok {
		return nil, fmt.Errorf("unknown filter %q", n.name)
	}
	args := make([]any, 0, len(n.args))
	for _, a := range n.args {
		av, err := a.eval(ctx)
		if err != nil {
			return nil, err
		}
		args = append(args, av)
	}
	return fn(v, args...)
}

func lookupFilter(reg FilterRegistry, name string) (FilterFunc, bool) {
	if reg == nil {
		return defaultFilters[name], defaultFilters[name] != nil
	}
	if fn, ok := reg[name]; ok {
		return fn, true
	}
	fn, ok := defaultFilters[name]
	return fn, ok
}

func parseNumberLiteral(text string) any {
	if i, err := strconv.Atoi(text); err == nil {
		return i
	}
	f, _ := strconv.ParseFloat(text, 64)
	return f
}
