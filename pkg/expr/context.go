package expr

import (
	"fmt"
	"strings"

	"github.com/ettle/strcase"
)

// Undefined is the result of looking up a name that is legitimately absent
// from the lenient row layer of a Context (e.g. a remote attribute that the
// current source row simply does not carry). It is falsy, compares unequal
// to everything but another Undefined, and participates in membership tests
// as "not a member" — mirroring Jinja's default Undefined semantics closely
// enough for the mapping language's needs.
type Undefined struct{}

func (Undefined) String() string { return "" }

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(Undefined)
	return ok
}

// Context is the named-value environment an expression is rendered against.
// It has two lookup layers: a lenient "row" layer (a name absent there is
// simply Undefined, never an error) and a strict "reserved" layer (a name
// declared reserved but not supplied is a hard error). See MapContext.WithReserved.
type Context interface {
	// Lookup resolves name. found=false,err=nil means "absent, treat as
	// Undefined". A non-nil err is a strict-undefined failure.
	Lookup(name string) (value any, found bool, err error)
	Filters() FilterRegistry
}

// MapContext is the standard Context implementation: a lenient map of row
// attributes plus a set of reserved names that must be explicitly supplied
// (in Reserved) whenever referenced.
type MapContext struct {
	Row           map[string]any
	Reserved      map[string]any
	ReservedNames map[string]struct{}
	FilterReg     FilterRegistry
}

func NewMapContext(row map[string]any) *MapContext {
	return &MapContext{Row: row}
}

// WithReserved declares the set of reserved/context variable names (§5) and
// the concrete values supplied for this render. Any reserved name referenced
// by the expression but absent from values raises a strict-undefined error.
func (c *MapContext) WithReserved(names []string, values map[string]any) *MapContext {
	c.ReservedNames = make(map[string]struct{}, len(names))
	for _, n := range names {
		c.ReservedNames[n] = struct{}{}
	}
	c.Reserved = values
	return c
}

func (c *MapContext) Lookup(name string) (any, bool, error) {
	if c.Row != nil {
		if v, ok := c.Row[name]; ok {
			return v, true, nil
		}
	}
	if c.Reserved != nil {
		if v, ok := c.Reserved[name]; ok {
			return v, true, nil
		}
	}
	if _, reserved := c.ReservedNames[name]; reserved {
		return nil, false, fmt.Errorf("%w: variable %q was not supplied in context", ErrStrictUndefined, name)
	}
	return nil, false, nil
}

func (c *MapContext) Filters() FilterRegistry { return c.FilterReg }

// FilterFunc is a pluggable pure function usable in a `{{ value | name(args) }}`
// pipeline. The first argument is the piped-in value (possibly Undefined);
// remaining args are the filter's own literal/expression arguments.
type FilterFunc func(value any, args ...any) (any, error)

// FilterRegistry is a named collection of filters, overlaying the engine's
// built-in defaults.
type FilterRegistry map[string]FilterFunc

func NewFilterRegistry() FilterRegistry { return FilterRegistry{} }

func (r FilterRegistry) Register(name string, fn FilterFunc) { r[name] = fn }

var defaultFilters = FilterRegistry{
	"default": func(v any, args ...any) (any, error) {
		if IsUndefined(v) {
			if len(args) > 0 {
				return args[0], nil
			}
			return "", nil
		}
		return v, nil
	},
	"upper": func(v any, _ ...any) (any, error) {
		s, err := toStr(v)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	},
	"lower": func(v any, _ ...any) (any, error) {
		s, err := toStr(v)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	},
	"capitalize": func(v any, _ ...any) (any, error) {
		s, err := toStr(v)
		if err != nil {
			return nil, err
		}
		if s == "" {
			return s, nil
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:]), nil
	},
	"trim": func(v any, _ ...any) (any, error) {
		s, err := toStr(v)
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(s), nil
	},
	"snakecase": func(v any, _ ...any) (any, error) {
		s, err := toStr(v)
		if err != nil {
			return nil, err
		}
		return strcase.ToSnake(s), nil
	},
	"length": func(v any, _ ...any) (any, error) {
		switch t := v.(type) {
		case string:
			return len(t), nil
		case []any:
			return len(t), nil
		case map[string]any:
			return len(t), nil
		case Undefined:
			return 0, nil
		default:
			return nil, fmt.Errorf("length: unsupported type %T", v)
		}
	},
	"join": func(v any, args ...any) (any, error) {
		sep := ""
		if len(args) > 0 {
			s, err := toStr(args[0])
			if err != nil {
				return nil, err
			}
			sep = s
		}
		items, ok := v.([]any)
		if !ok {
			if IsUndefined(v) {
				return "", nil
			}
			return nil, fmt.Errorf("join: not a list")
		}
		parts := make([]string, 0, len(items))
		for _, it := range items {
			s, err := toStr(it)
			if err != nil {
				return nil, err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, sep), nil
	},
}

func toStr(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case Undefined:
		return "", nil
	case nil:
		return "", nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}
