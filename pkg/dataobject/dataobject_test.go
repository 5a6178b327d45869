package dataobject

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userType(t *testing.T) *schema.Type {
	t.Helper()
	reg, err := schema.NewRegistry([]string{"User"}, map[string]*schema.TypeSpec{
		"User": {
			Name:           "User",
			PrimaryKeyAttr: []string{"login"},
			SourceOrder:    []string{"ldap"},
			ToString:       "{{ login }}",
			Sources: map[string]*schema.SourceSpec{
				"ldap": {
					SourceName: "ldap",
					AttrsMapping: map[string]string{
						"login": "uid",
						"email": "{{ mail }}",
						"age":   "{{ age }}",
					},
					CacheOnlyAttrs: []string{"age"},
				},
			},
		},
	})
	require.NoError(t, err)
	return reg.Type("User")
}

func TestFromRemoteOmitsAbsentAttr(t *testing.T) {
	ut := userType(t)
	obj, err := FromRemote(ut, "ldap", map[string]any{"uid": "jdoe"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "jdoe", obj.PKey)
	_, hasEmail := obj.Attrs["email"]
	assert.False(t, hasEmail)
}

func TestFromRemoteMissingPKeyErrors(t *testing.T) {
	ut := userType(t)
	_, err := FromRemote(ut, "ldap", map[string]any{"mail": "j@x.com"}, nil)
	require.Error(t, err)
}

func TestToNativeAddsSyntheticPKey(t *testing.T) {
	ut := userType(t)
	obj := New(ut, map[string]any{"login": "jdoe", "email": "j@x.com"})
	native := obj.ToNative()
	assert.Equal(t, "jdoe", native["_pkey_login"])
}

func TestStringUsesToStringTemplate(t *testing.T) {
	ut := userType(t)
	obj := New(ut, map[string]any{"login": "jdoe"})
	assert.Equal(t, "jdoe", obj.String())
}

func TestDiffFromSelfIsEmpty(t *testing.T) {
	ut := userType(t)
	l := NewList(ut)
	l.Add(New(ut, map[string]any{"login": "jdoe", "email": "j@x.com"}))
	diff := l.DiffFrom(l)
	assert.Empty(t, diff.Added)
	assert.Empty(t, diff.Modified)
	assert.Empty(t, diff.Removed)
}

func TestDiffDetectsAddedModifiedRemoved(t *testing.T) {
	ut := userType(t)
	old := NewList(ut)
	old.Add(New(ut, map[string]any{"login": "alice", "email": "a@x.com"}))
	old.Add(New(ut, map[string]any{"login": "bob", "email": "b@x.com"}))

	next := NewList(ut)
	next.Add(New(ut, map[string]any{"login": "alice", "email": "alice@x.com"}))
	next.Add(New(ut, map[string]any{"login": "carol", "email": "c@x.com"}))

	diff := next.DiffFrom(old)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, "carol", diff.Added[0].PKey)
	require.Len(t, diff.Modified, 1)
	assert.Equal(t, "alice", diff.Modified[0].PKey)
	wantEmitted := AttrDelta{Added: map[string]any{}, Modified: map[string]any{"email": "alice@x.com"}}
	if d := cmp.Diff(wantEmitted, diff.Modified[0].Emitted); d != "" {
		t.Errorf("emitted delta mismatch (-want +got):\n%s", d)
	}
	require.Len(t, diff.Removed, 1)
	assert.Equal(t, "bob", diff.Removed[0].PKey)
}

func TestDiffCacheOnlyChangeUpdatesCacheButNotEmitted(t *testing.T) {
	ut := userType(t)
	old := NewList(ut)
	old.Add(New(ut, map[string]any{"login": "alice", "email": "a@x.com", "age": 30}))

	next := NewList(ut)
	next.Add(New(ut, map[string]any{"login": "alice", "email": "a@x.com", "age": 31}))

	diff := next.DiffFrom(old)
	assert.Empty(t, diff.Modified, "a cache-only-only change must not produce an emitted event")
}

func TestMergeWithMustExistInBothDropsUnmatched(t *testing.T) {
	ut := userType(t)
	a := NewList(ut)
	a.Add(New(ut, map[string]any{"login": "alice", "email": "a@x.com"}))
	a.Add(New(ut, map[string]any{"login": "bob", "email": "b@x.com"}))

	b := NewList(ut)
	b.Add(New(ut, map[string]any{"login": "alice", "age": 30}))

	filtered := a.MergeWith(b, schema.MustExistInBoth, false)
	assert.Contains(t, filtered, Key("bob"))
	_, stillHasBob := a.Get("bob")
	assert.False(t, stillHasBob)
	merged, ok := a.Get("alice")
	require.True(t, ok)
	assert.Equal(t, 30, merged.Attrs["age"])
}

func TestMergeWithDontMergeOnConflictKeepsEarlier(t *testing.T) {
	ut := userType(t)
	a := NewList(ut)
	a.Add(New(ut, map[string]any{"login": "alice", "email": "a@x.com"}))

	b := NewList(ut)
	b.Add(New(ut, map[string]any{"login": "alice", "email": "other@x.com"}))

	filtered := a.MergeWith(b, schema.MustExistInOne, true)
	assert.Contains(t, filtered, Key("alice"))
	merged, _ := a.Get("alice")
	assert.Equal(t, "a@x.com", merged.Attrs["email"])
}

func TestKeyHandlesTuplePKeys(t *testing.T) {
	k1 := Key([]any{"a", 1})
	k2 := Key([]any{"a", 1})
	k3 := Key([]any{"a", "1"})
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
