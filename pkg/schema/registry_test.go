package schema

import (
	"errors"
	"testing"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/herrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userTypeSpec() *TypeSpec {
	return &TypeSpec{
		Name:           "User",
		PrimaryKeyAttr: []string{"login"},
		SourceOrder:    []string{"ldap"},
		ToString:       "{{ login }}",
		Sources: map[string]*SourceSpec{
			"ldap": {
				SourceName: "ldap",
				AttrsMapping: map[string]string{
					"login": "uid",
					"email": "{{ mail }}",
				},
				SecretAttrs: []string{},
			},
		},
	}
}

func TestNewRegistryBasic(t *testing.T) {
	reg, err := NewRegistry([]string{"User"}, map[string]*TypeSpec{"User": userTypeSpec()})
	require.NoError(t, err)

	u := reg.Type("User")
	require.NotNil(t, u)
	assert.Equal(t, []string{"login"}, u.PrimaryKey.Attrs)
	assert.Contains(t, u.HermesAttributes, "login")
	assert.Contains(t, u.HermesAttributes, "email")
	assert.Contains(t, u.RemoteAttributes, "uid")
	assert.Contains(t, u.RemoteAttributes, "mail")
}

func TestMissingPrimaryKey(t *testing.T) {
	spec := userTypeSpec()
	spec.PrimaryKeyAttr = []string{"simpleid"}
	_, err := NewRegistry([]string{"User"}, map[string]*TypeSpec{"User": spec})
	require.Error(t, err)
	var herr *herrors.Error
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, herrors.MissingPrimaryKey, herr.Kind)
}

func TestUnknownVarsInToString(t *testing.T) {
	spec := userTypeSpec()
	spec.ToString = "{{ nonexistent }}"
	_, err := NewRegistry([]string{"User"}, map[string]*TypeSpec{"User": spec})
	require.Error(t, err)
	var herr *herrors.Error
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, herrors.UnknownVars, herr.Kind)
}

func TestInvalidQueryType(t *testing.T) {
	spec := userTypeSpec()
	spec.Sources["ldap"].Fetch = &QuerySpec{Type: "bogus", Query: "select *"}
	_, err := NewRegistry([]string{"User"}, map[string]*TypeSpec{"User": spec})
	require.Error(t, err)
	var herr *herrors.Error
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, herrors.InvalidQueryType, herr.Kind)
}
