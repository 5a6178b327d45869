package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileKinds(t *testing.T) {
	cases := []struct {
		src  string
		kind Kind
	}{
		{"login", KindLiteral},
		{"{{ login }}", KindSingleExpr},
		{"prefix-{{ login }}", KindMixed},
		{"{{ a }}{{ b }}", KindMixed},
	}
	for _, c := range cases {
		tpl, err := Compile(c.src, CompileOptions{})
		require.NoError(t, err, c.src)
		assert.Equal(t, c.kind, tpl.Kind(), c.src)
	}
}

func TestCompileRejectsEmpty(t *testing.T) {
	_, err := Compile("", CompileOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadMapping))
}

func TestCompileAllowOnlyOneTemplate(t *testing.T) {
	_, err := Compile("{{ a }}-{{ b }}", CompileOptions{AllowOnlyOneTemplate: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadMapping))
}

func TestCompileTooManyVars(t *testing.T) {
	_, err := Compile("{{ a }}{{ b }}", CompileOptions{AllowOnlyOneVar: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooManyVars))
}

func TestRenderSingleVarNativeTypes(t *testing.T) {
	tpl, err := Compile("{{ V }}", CompileOptions{})
	require.NoError(t, err)

	v, err := tpl.Render(NewMapContext(map[string]any{"V": 5}))
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	v, err = tpl.Render(NewMapContext(map[string]any{"V": "5"}))
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	v, err = tpl.Render(NewMapContext(map[string]any{"V": "hello"}))
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = tpl.Render(NewMapContext(map[string]any{"V": true}))
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestRenderComplexNumberStaysString(t *testing.T) {
	tpl, err := Compile("{{ V }}", CompileOptions{})
	require.NoError(t, err)

	v, err := tpl.Render(NewMapContext(map[string]any{"V": "3+4j"}))
	require.NoError(t, err)
	assert.Equal(t, "3+4j", v)
}

func TestRenderMembershipAndComparison(t *testing.T) {
	tpl, err := Compile("{{ user in users_pkeys }}", CompileOptions{})
	require.NoError(t, err)

	ctx := NewMapContext(nil).WithReserved(
		[]string{"user", "users_pkeys"},
		map[string]any{"user": "alice", "users_pkeys": []any{"alice", "bob"}},
	)
	v, err := tpl.Render(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestStrictUndefinedOnReservedName(t *testing.T) {
	tpl, err := Compile("{{ _SELF.active }}", CompileOptions{})
	require.NoError(t, err)

	ctx := NewMapContext(nil).WithReserved([]string{"_SELF"}, map[string]any{})
	_, err = tpl.Render(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStrictUndefined))
}

func TestLenientRowAttributeAbsentIsUndefinedNotError(t *testing.T) {
	tpl, err := Compile("{{ login }}", CompileOptions{})
	require.NoError(t, err)

	v, err := tpl.Render(NewMapContext(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, IsUndefined(v))
}

func TestFilters(t *testing.T) {
	tpl, err := Compile("{{ login | capitalize }}", CompileOptions{})
	require.NoError(t, err)

	v, err := tpl.Render(NewMapContext(map[string]any{"login": "jdoe"}))
	require.NoError(t, err)
	assert.Equal(t, "Jdoe", v)
}

func TestVarsExtraction(t *testing.T) {
	tpl, err := Compile("{{ a.b[c] in d }}", CompileOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c", "d"}, tpl.Vars())
}
