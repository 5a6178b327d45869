package adapter

import "fmt"

// Factory builds one Adapter instance for a (type, source) pair from its
// raw per-source configuration (the SourceConfig.Fetch/CommitOne/CommitAll
// queries are compiled separately in pkg/schema; Factory only needs enough
// to construct the backing client — connection string, credentials, table
// name, etc — which is necessarily adapter-specific and so left untyped
// here).
type Factory func(sourceName string, raw map[string]any) (Adapter, error)

// Registry maps a source "driver" name (e.g. "ldap", "sql", "null") to the
// Factory that builds it. Concrete adapters register themselves here by
// name; cmd/hermes-server looks drivers up by name when wiring fragments
// from configuration, the same plugin-by-name indirection
// original_source uses for its plugins/clients/* and plugins/datasources/*
// tree.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(driver string, f Factory) {
	r.factories[driver] = f
}

func (r *Registry) Build(driver, sourceName string, raw map[string]any) (Adapter, error) {
	f, ok := r.factories[driver]
	if !ok {
		return nil, fmt.Errorf("adapter: no driver registered under name %q", driver)
	}
	return f(sourceName, raw)
}
