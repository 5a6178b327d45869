package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/config"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/errqueue"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/schema"
)

const sampleYAML = `
type_order:
  - User

trashbin_retention: 72h
cache_path: hermes-server-cache.sqlite
autoremediation: maximum

datamodel:
  User:
    primarykeyattr: [login]
    source_order: [users_all]
    sources:
      users_all:
        driver: testfixtures
        driver_config:
          table: users_all
        attrsmapping:
          login: login
          fullname: fullname
        fetch:
          type: fetch
          query: '{{ "users_all" }}'
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hermes-server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestConfigLoadParsesTopLevelFields(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	require.Equal(t, []string{"User"}, cfg.TypeOrder)
	require.Equal(t, "hermes-server-cache.sqlite", cfg.CachePath)
	require.Equal(t, errqueue.Maximum, cfg.AutoremediationPolicy())

	userCfg, ok := cfg.Datamodel["User"]
	require.True(t, ok)
	require.Equal(t, []string{"login"}, userCfg.PrimaryKeyAttr)

	src, ok := userCfg.Sources["users_all"]
	require.True(t, ok)
	require.Equal(t, "testfixtures", src.Driver)
	require.Equal(t, "users_all", src.DriverConfig["table"])
}

func TestConfigTypeSpecsCompilesIntoRegistry(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	specs := cfg.TypeSpecs()
	reg, err := schema.NewRegistry(cfg.TypeOrder, specs)
	require.NoError(t, err)

	ut := reg.Type("User")
	require.NotNil(t, ut)
	require.Equal(t, []string{"login"}, ut.PrimaryKey.Attrs)
	require.Contains(t, ut.HermesAttributes, "fullname")
}

func TestConfigAutoremediationDefaultsToConservative(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "type_order: []\n"))
	require.NoError(t, err)
	require.Equal(t, errqueue.Conservative, cfg.AutoremediationPolicy())
}
