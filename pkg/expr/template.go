// Package expr implements the attribute-mapping / constraint expression
// engine (spec §4.A): it compiles a source string containing zero or more
// "{{ expr }}" markers into one of three shapes (pure-literal,
// single-expression, mixed/multi), tracks the free variable names the
// expression(s) reference, and evaluates the compiled form against a named
// Context to produce a native Go value using the same coercion rules as a
// Jinja "native" environment (see original_source/lib/datamodel/jinja.py):
// a string result is coerced to the narrowest literal type it parses as,
// unless that type would be a complex number, in which case the raw string
// is kept.
package expr

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind classifies a compiled Template.
type Kind int

const (
	KindLiteral Kind = iota
	KindSingleExpr
	KindMixed
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindSingleExpr:
		return "single-expression"
	case KindMixed:
		return "mixed"
	default:
		return "unknown"
	}
}

var (
	ErrBadMapping      = errors.New("expr: bad mapping")
	ErrNotAnExpression = errors.New("expr: not a jinja-style expression")
	ErrTooManyVars     = errors.New("expr: too many free variables")
	ErrStrictUndefined = errors.New("expr: strict undefined")
)

// CompileOptions controls which template shapes Compile accepts.
type CompileOptions struct {
	// AllowOnlyOneTemplate rejects mixed/multi templates with ErrBadMapping.
	AllowOnlyOneTemplate bool
	// AllowOnlyOneVar rejects expressions referencing more than one free
	// variable with ErrTooManyVars.
	AllowOnlyOneVar bool
}

// Template is a compiled expression, ready to Render against a Context.
type Template struct {
	kind    Kind
	literal string
	root    node // nil when kind == KindLiteral
	// parts/roots for KindMixed: a template is a sequence of literal text
	// and compiled expression segments, concatenated at render time.
	segs []renderSeg
	vars []string
	src  string
}

type renderSeg struct {
	isExpr bool
	text   string
	node   node
}

func (t *Template) Kind() Kind      { return t.kind }
func (t *Template) Source() string  { return t.src }
func (t *Template) Literal() string { return t.literal }
func (t *Template) Vars() []string  { return append([]string(nil), t.vars...) }

// Compile parses src and classifies it per spec §4.A.
func Compile(src string, opts CompileOptions) (*Template, error) {
	segs, err := splitSegments(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMapping, err)
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: empty value", ErrBadMapping)
	}

	exprCount := 0
	for _, s := range segs {
		if s.isExpr {
			exprCount++
		}
	}

	if exprCount == 0 {
		// Pure literal: no "{{ }}" marker anywhere.
		return &Template{kind: KindLiteral, literal: src, src: src}, nil
	}

	varSet := map[string]struct{}{}
	renderSegs := make([]renderSeg, 0, len(segs))
	for _, s := range segs {
		if !s.isExpr {
			if s.text == "" {
				continue
			}
			renderSegs = append(renderSegs, renderSeg{text: s.text})
			continue
		}
		toks, err := lex(s.text)
		if err != nil {
			return nil, fmt.Errorf("%w: %v in '{{%s}}'", ErrNotAnExpression, err, s.text)
		}
		if len(toks) == 0 {
			return nil, fmt.Errorf("%w: empty expression '{{%s}}'", ErrNotAnExpression, s.text)
		}
		n, err := parseExpression(toks)
		if err != nil {
			return nil, fmt.Errorf("%w: %v in '{{%s}}'", ErrNotAnExpression, err, s.text)
		}
		n.collectVars(varSet)
		renderSegs = append(renderSegs, renderSeg{isExpr: true, node: n})
	}

	kind := KindMixed
	if len(segs) == 1 && exprCount == 1 {
		kind = KindSingleExpr
	}

	if kind == KindMixed && opts.AllowOnlyOneTemplate {
		return nil, fmt.Errorf("%w: multiple templates found in '%s', only one is allowed", ErrBadMapping, src)
	}

	vars := make([]string, 0, len(varSet))
	for v := range varSet {
		vars = append(vars, v)
	}
	sort.Strings(vars)

	if opts.AllowOnlyOneVar && len(vars) > 1 {
		return nil, fmt.Errorf("%w: expression '%s' references %d variables, only one is allowed", ErrTooManyVars, src, len(vars))
	}

	t := &Template{kind: kind, segs: renderSegs, vars: vars, src: src}
	if kind == KindSingleExpr {
		t.root = renderSegs[0].node
	}
	return t, nil
}

// segment is one literal-text or raw-expression-content chunk of a source
// string, split on "{{" / "}}" delimiters (quote-aware so a string literal
// inside an expression may itself contain "}}").
type segment struct {
	isExpr bool
	text   string
}

func splitSegments(src string) ([]segment, error) {
	var segs []segment
	i, n := 0, len(src)
	for i < n {
		start := strings.Index(src[i:], "{{")
		if start == -1 {
			if rest := src[i:]; rest != "" {
				segs = append(segs, segment{text: rest})
			}
			break
		}
		start += i
		if start > i {
			segs = append(segs, segment{text: src[i:start]})
		}
		j := start + 2
		var inStr byte
		end := -1
		for j < n {
			c := src[j]
			if inStr != 0 {
				if c == '\\' {
					j += 2
					continue
				}
				if c == inStr {
					inStr = 0
				}
				j++
				continue
			}
			if c == '\'' || c == '"' {
				inStr = c
				j++
				continue
			}
			if c == '}' && j+1 < n && src[j+1] == '}' {
				end = j
				break
			}
			j++
		}
		if end == -1 {
			return nil, fmt.Errorf("unterminated '{{' in '%s'", src)
		}
		segs = append(segs, segment{isExpr: true, text: strings.TrimSpace(src[start+2 : end])})
		i = end + 2
	}
	return segs, nil
}

// Render evaluates the template against ctx and returns a native value
// using Jinja-native coercion rules. For KindLiteral it returns the literal
// source string unchanged. Returns ErrStrictUndefined if a reserved context
// name was referenced without being supplied.
func (t *Template) Render(ctx Context) (any, error) {
	switch t.kind {
	case KindLiteral:
		return t.literal, nil
	case KindSingleExpr:
		v, err := t.root.eval(ctx)
		if err != nil {
			return nil, err
		}
		if IsUndefined(v) {
			return Undefined{}, nil
		}
		if s, ok := v.(string); ok {
			return coerceNative(s), nil
		}
		return v, nil
	default: // KindMixed
		var b strings.Builder
		for _, seg := range t.segs {
			if !seg.isExpr {
				b.WriteString(seg.text)
				continue
			}
			v, err := seg.node.eval(ctx)
			if err != nil {
				return nil, err
			}
			s, err := toStr(v)
			if err != nil {
				return nil, err
			}
			b.WriteString(s)
		}
		return coerceNative(b.String()), nil
	}
}

var complexLiteralRe = regexp.MustCompile(`^[+-]?(\d+(\.\d+)?)?[+-]?\d+(\.\d+)?[jJ]$`)

// coerceNative mirrors hermes_native_concat: parse raw as a literal; if it
// would parse as a complex number, keep the raw string instead.
func coerceNative(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	if complexLiteralRe.MatchString(trimmed) {
		return raw
	}

	var y any
	if err := yaml.Unmarshal([]byte(trimmed), &y); err != nil {
		return raw
	}
	switch v := y.(type) {
	case nil:
		if trimmed == "null" || trimmed == "~" || trimmed == "None" {
			return nil
		}
		return raw
	case int:
		return v
	case float64:
		return v
	case bool:
		return v
	case []any:
		return normalizeSeq(v)
	case map[string]any:
		return v
	case string:
		// YAML would have kept genuinely-string-looking text as a bare
		// scalar string too; only trust this if the raw text was quoted or
		// bracket/brace delimited, else prefer the original raw text.
		if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") ||
			strings.HasPrefix(trimmed, "'") || strings.HasPrefix(trimmed, "\"") {
			return v
		}
		return raw
	default:
		return raw
	}
}

func normalizeSeq(in []any) []any {
	out := make([]any, len(in))
	copy(out, in)
	return out
}
