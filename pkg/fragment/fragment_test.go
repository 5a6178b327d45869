package fragment_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsi-insa-strasbourg/hermes-go/internal/testfixtures"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/adapter"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/dataobject"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/fragment"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/schema"
)

func userType(t *testing.T, extra *schema.SourceSpec) *schema.Type {
	t.Helper()
	src := &schema.SourceSpec{
		SourceName: "users_all",
		AttrsMapping: map[string]string{
			"login":    "login",
			"fullname": "fullname",
		},
		Fetch: &schema.QuerySpec{Type: schema.QueryFetch, Query: `{{ "users_all" }}`},
	}
	if extra != nil {
		src.CommitOne = extra.CommitOne
		src.CommitAll = extra.CommitAll
	}
	reg, err := schema.NewRegistry([]string{"User"}, map[string]*schema.TypeSpec{
		"User": {
			Name:           "User",
			PrimaryKeyAttr: []string{"login"},
			SourceOrder:    []string{"users_all"},
			Sources:        map[string]*schema.SourceSpec{"users_all": src},
		},
	})
	require.NoError(t, err)
	return reg.Type("User")
}

func TestFragmentFetchMaterializesDataObjects(t *testing.T) {
	ut := userType(t, nil)
	table := testfixtures.NewTableAdapter("users_all", "login", []adapter.Row{
		{"login": "jdoe", "fullname": "Jane Doe"},
	})
	frag := fragment.New(ut, "users_all", table)

	list, err := frag.Fetch(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, list.Len())

	obj, ok := list.Get("jdoe")
	require.True(t, ok)
	require.Equal(t, "Jane Doe", obj.Attrs["fullname"])
}

func TestFragmentFetchWithoutFetchQueryReturnsEmptyList(t *testing.T) {
	reg, err := schema.NewRegistry([]string{"User"}, map[string]*schema.TypeSpec{
		"User": {
			Name:           "User",
			PrimaryKeyAttr: []string{"login"},
			SourceOrder:    []string{"sink"},
			Sources: map[string]*schema.SourceSpec{
				"sink": {SourceName: "sink", AttrsMapping: map[string]string{"login": "login"}},
			},
		},
	})
	require.NoError(t, err)
	ut := reg.Type("User")

	table := testfixtures.NewTableAdapter("sink", "login", nil)
	frag := fragment.New(ut, "sink", table)

	list, err := frag.Fetch(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 0, list.Len())
}

func TestFragmentCommitOneDispatchesAddToAdapter(t *testing.T) {
	src := &schema.SourceSpec{
		CommitOne: &schema.QuerySpec{
			Type: schema.QueryAdd,
			Query: `{{ "users_all" }}`,
			Vars: map[string]string{
				"login":    "{{ ITEM_FETCHED_VALUES.login }}",
				"fullname": "{{ ITEM_FETCHED_VALUES.fullname }}",
			},
		},
	}
	ut := userType(t, src)
	table := testfixtures.NewTableAdapter("users_all", "login", nil)
	frag := fragment.New(ut, "users_all", table)

	err := frag.CommitOne(context.Background(), nil, map[string]any{"login": "bsmith", "fullname": "Bob Smith"})
	require.NoError(t, err)

	rows, err := table.Fetch(context.Background(), "users_all", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "bsmith", rows[0]["login"])
}

func TestFragmentCommitAllDispatchesModify(t *testing.T) {
	src := &schema.SourceSpec{
		CommitAll: &schema.QuerySpec{
			Type:  schema.QueryModify,
			Query: `{{ "users_all" }}`,
			Vars: map[string]string{
				"login": `{{ "jdoe" }}`,
			},
		},
	}
	ut := userType(t, src)
	table := testfixtures.NewTableAdapter("users_all", "login", []adapter.Row{
		{"login": "jdoe", "fullname": "Jane Doe"},
	})
	frag := fragment.New(ut, "users_all", table)

	err := frag.CommitAll(context.Background(), dataobject.NewList(ut), dataobject.NewList(ut))
	require.NoError(t, err)
}
