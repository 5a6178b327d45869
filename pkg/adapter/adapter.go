// Package adapter defines the source adapter contract consumed by
// pkg/fragment (spec §4.D / §6): a scoped external collaborator that can
// fetch rows and dispatch write queries against one backing store.
package adapter

import (
	"context"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/herrors"
)

// Row is one fetched record, keyed by remote attribute name.
type Row = map[string]any

// Vars is the rendered variable set passed alongside a query.
type Vars = map[string]any

// Adapter is the external collaborator a source fragment drives. open/close
// bracket one fetch-or-commit pass as a scoped resource: Close is always
// called on every exit path, mirroring the teacher's acquire-then-defer
// pattern used around every outbound client in pkg/state.
type Adapter interface {
	Name() string
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Fetch(ctx context.Context, query string, vars Vars) ([]Row, error)
	Add(ctx context.Context, query string, vars Vars) error
	Delete(ctx context.Context, query string, vars Vars) error
	Modify(ctx context.Context, query string, vars Vars) error
}

// WithOpen acquires a, runs fn, and guarantees Close runs on every exit
// path, wrapping any adapter error as herrors.SourceFailure.
func WithOpen(ctx context.Context, a Adapter, query string, fn func(a Adapter) error) (err error) {
	if openErr := a.Open(ctx); openErr != nil {
		return wrap(a.Name(), query, openErr)
	}
	defer func() {
		if closeErr := a.Close(ctx); closeErr != nil && err == nil {
			err = wrap(a.Name(), query, closeErr)
		}
	}()
	if err = fn(a); err != nil {
		err = wrap(a.Name(), query, err)
	}
	return err
}

func wrap(source, query string, err error) error {
	if err == nil {
		return nil
	}
	return herrors.New(herrors.SourceFailure, source, &herrors.SourceFailureError{Source: source, Query: query, Err: err})
}
