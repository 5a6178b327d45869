// Package config loads the configuration surface of spec §6 (datamodel
// type/source declarations plus client autoremediation/trashbin knobs)
// through viper, unmarshalled with mapstructure tags.
package config

import (
	"fmt"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/errqueue"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/schema"
)

// QueryConfig is the raw {type, query, vars} triple (spec §6).
type QueryConfig struct {
	Type  string            `mapstructure:"type"`
	Query string            `mapstructure:"query"`
	Vars  map[string]string `mapstructure:"vars"`
}

// SourceConfig is one `datamodel.<Type>.sources.<Src>` block.
type SourceConfig struct {
	// Driver names the adapter.Registry entry used to build this source's
	// backing client (e.g. "testfixtures", "ldap", "sql"). DriverConfig is
	// passed through verbatim to that driver's adapter.Factory.
	Driver              string            `mapstructure:"driver"`
	DriverConfig        map[string]any    `mapstructure:"driver_config"`
	AttrsMapping        map[string]string `mapstructure:"attrsmapping"`
	SecretAttrs         []string          `mapstructure:"secrets_attrs"`
	CacheOnlyAttrs      []string          `mapstructure:"cacheonly_attrs"`
	LocalAttrs          []string          `mapstructure:"local_attrs"`
	MergeConstraints    []string          `mapstructure:"merge_constraints"`
	PkeyMergeConstraint string            `mapstructure:"pkey_merge_constraint"`
	Fetch               *QueryConfig      `mapstructure:"fetch"`
	CommitOne           *QueryConfig      `mapstructure:"commit_one"`
	CommitAll           *QueryConfig      `mapstructure:"commit_all"`
}

// TypeConfig is one `datamodel.<Type>` block.
type TypeConfig struct {
	PrimaryKeyAttr       []string                `mapstructure:"primarykeyattr"`
	OnMergeConflict      string                  `mapstructure:"on_merge_conflict"`
	IntegrityConstraints []string                `mapstructure:"integrity_constraints"`
	ToString             string                  `mapstructure:"tostring"`
	SourceOrder          []string                `mapstructure:"source_order"`
	Sources              map[string]SourceConfig `mapstructure:"sources"`
}

// Config is the full recognized configuration surface.
type Config struct {
	// TypeOrder is the schema-declared, leaves-first object type order
	// (spec §4.B): types with no dependency on another type's pkeys come
	// first. Required because Go map iteration order is not stable.
	TypeOrder         []string              `mapstructure:"type_order"`
	Datamodel         map[string]TypeConfig `mapstructure:"datamodel"`
	Autoremediation   string                `mapstructure:"autoremediation"`
	TrashbinRetention time.Duration         `mapstructure:"trashbin_retention"`
	CachePath         string                `mapstructure:"cache_path"`
	ErrorQueuePath    string                `mapstructure:"error_queue_path"`
}

// Load reads and unmarshals configuration from path (YAML/JSON/TOML, per
// viper's format sniffing) with HERMES_-prefixed environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HERMES")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}
	// viper lowercases map keys; key Datamodel by the type names as
	// TypeOrder spells them.
	for _, name := range cfg.TypeOrder {
		lower := strings.ToLower(name)
		if tc, ok := cfg.Datamodel[lower]; ok && lower != name {
			cfg.Datamodel[name] = tc
			delete(cfg.Datamodel, lower)
		}
	}

	if err := mergo.Merge(&cfg, defaults()); err != nil {
		return nil, fmt.Errorf("config: applying defaults: %w", err)
	}
	return &cfg, nil
}

// defaults returns the fields a loaded configuration may leave zero. Unlike
// the per-file merge the teacher applies when stitching several declarative
// files together (mergo.WithAppendSlice), this merge only ever fills in
// fields the file left at their zero value, which is mergo's default,
// non-overriding behaviour.
func defaults() Config {
	return Config{
		Autoremediation:   string(errqueue.Conservative),
		TrashbinRetention: 30 * 24 * time.Hour,
		CachePath:         "hermes-server-cache.sqlite",
		ErrorQueuePath:    "hermes-client-errqueue.sqlite",
	}
}

// TypeSpecs converts the loaded datamodel configuration into the
// schema.TypeSpec map the registry compiles. It does not compute a type
// order; callers pass TypeOrder alongside it.
func (c *Config) TypeSpecs() map[string]*schema.TypeSpec {
	out := make(map[string]*schema.TypeSpec, len(c.Datamodel))
	for name, tc := range c.Datamodel {
		spec := &schema.TypeSpec{
			Name:                 name,
			PrimaryKeyAttr:       tc.PrimaryKeyAttr,
			OnMergeConflict:      schema.MergeConflictPolicy(tc.OnMergeConflict),
			IntegrityConstraints: tc.IntegrityConstraints,
			ToString:             tc.ToString,
			SourceOrder:          tc.SourceOrder,
			Sources:              map[string]*schema.SourceSpec{},
		}
		for srcName, sc := range tc.Sources {
			spec.Sources[srcName] = &schema.SourceSpec{
				SourceName:          srcName,
				AttrsMapping:        sc.AttrsMapping,
				SecretAttrs:         sc.SecretAttrs,
				CacheOnlyAttrs:      sc.CacheOnlyAttrs,
				LocalAttrs:          sc.LocalAttrs,
				MergeConstraints:    sc.MergeConstraints,
				PkeyMergeConstraint: schema.PKeyMergeConstraint(sc.PkeyMergeConstraint),
				Fetch:               toQuerySpec(sc.Fetch),
				CommitOne:           toQuerySpec(sc.CommitOne),
				CommitAll:           toQuerySpec(sc.CommitAll),
			}
		}
		out[name] = spec
	}
	return out
}

func toQuerySpec(q *QueryConfig) *schema.QuerySpec {
	if q == nil {
		return nil
	}
	return &schema.QuerySpec{Type: schema.QueryType(q.Type), Query: q.Query, Vars: q.Vars}
}

// AutoremediationPolicy parses the autoremediation knob, defaulting to
// conservative when unset or unrecognized.
func (c *Config) AutoremediationPolicy() errqueue.Policy {
	switch c.Autoremediation {
	case string(errqueue.Disabled):
		return errqueue.Disabled
	case string(errqueue.Maximum):
		return errqueue.Maximum
	default:
		return errqueue.Conservative
	}
}
