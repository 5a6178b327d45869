package event

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/cache"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/dataobject"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/fragment"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/herrors"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/schema"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/transport"
)

const evCounterName = "server_ev_number"

// transportBackOff bounds the transport-ack retries of a single publish
// call (spec §4.G/§8). Grounded on
// Kong-go-database-reconciler/pkg/diff's defaultBackOff/backoff.Retry
// pattern, the same one pkg/errqueue's retry driver uses for
// error-queue retries.
func transportBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.Multiplier = 2
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// Producer emits one consolidation pass' diff onto the transport, then
// rotates the cache and drives commit-one/commit-all back to the sources
// (spec §4.G).
type Producer struct {
	Transport   transport.Transport
	Cache       *cache.DB
	Registry    *schema.Registry
	Fragments   map[string]map[string]*fragment.Fragment
	Log         *zap.SugaredLogger
	evNumber    int64
	initialSync bool
}

func NewProducer(tr transport.Transport, db *cache.DB, reg *schema.Registry, frags map[string]map[string]*fragment.Fragment, log *zap.SugaredLogger) (*Producer, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	n, err := db.LoadCounter(context.Background(), evCounterName)
	if err != nil {
		return nil, err
	}
	return &Producer{Transport: tr, Cache: db, Registry: reg, Fragments: frags, Log: log, evNumber: n}, nil
}

// RequestInitialSync causes the next EmitPass to stream every current
// object as a synthetic Added event, bypassing the diff against cache.
func (p *Producer) RequestInitialSync() { p.initialSync = true }

// EmitPass publishes the diff between merged[type] and the persisted cache
// for every type, in schema order; added, then modified, then removed
// within a type. Once a type's events are published it saves that type's
// cache snapshot and the event counter, then drives its per-object/per-type
// commits. On transport failure it returns the error; the failing type's
// cache and those of later types are left untouched (earlier types in the
// pass have already been saved), for a retry on the next tick.
func (p *Producer) EmitPass(ctx context.Context, merged map[string]*dataobject.List) error {
	consumeInitialSync := p.initialSync
	p.initialSync = false

	for _, typeName := range p.Registry.Order() {
		t := p.Registry.Type(typeName)
		newList := merged[typeName]
		if newList == nil {
			newList = dataobject.NewList(t)
		}

		oldSnap, _, err := p.Cache.Load(ctx, typeName)
		if err != nil {
			return err
		}
		oldList := cache.ToList(t, oldSnap)

		var diff *dataobject.Diff
		if consumeInitialSync {
			diff = &dataobject.Diff{Added: newList.Objects()}
		} else {
			diff = newList.DiffFrom(oldList)
		}

		if err := p.publishDiff(ctx, typeName, diff); err != nil {
			return err
		}

		if err := p.Cache.Save(ctx, typeName, cache.ToSnapshot(newList), p.evNumber); err != nil {
			return err
		}
		if err := p.Cache.SaveCounter(ctx, evCounterName, p.evNumber); err != nil {
			return err
		}

		p.runCommits(ctx, typeName, oldList, newList, diff)
	}
	return nil
}

func (p *Producer) publishDiff(ctx context.Context, typeName string, diff *dataobject.Diff) error {
	for _, obj := range diff.Added {
		if err := p.publish(ctx, Added, typeName, obj.PKey, obj.ToNative()); err != nil {
			return err
		}
	}
	for _, m := range diff.Modified {
		attrs := ModifiedAttrs{Added: m.Emitted.Added, Modified: m.Emitted.Modified, Removed: m.Emitted.Removed}
		if err := p.publish(ctx, Modified, typeName, m.PKey, attrs); err != nil {
			return err
		}
	}
	for _, obj := range diff.Removed {
		if err := p.publish(ctx, Removed, typeName, obj.PKey, obj.ToNative()); err != nil {
			return err
		}
	}
	return nil
}

func (p *Producer) publish(ctx context.Context, typ Type, typeName string, pkey any, attrs any) error {
	p.evNumber++
	ev := Event{Num: p.evNumber, Type: typ, ObjType: typeName, ObjPKey: pkey, ObjAttrs: attrs}
	frame := ev.ToFrame()

	err := backoff.Retry(func() error {
		return p.Transport.Publish(ctx, frame)
	}, backoff.WithContext(transportBackOff(), ctx))
	if err != nil {
		p.evNumber--
		return herrors.New(herrors.TransportFailure, typeName, err)
	}
	return nil
}

// runCommits drives per-object commit-one and per-type commit-all against
// every source fragment of typeName. Failures are logged, never rolled
// back: the cache is authoritative once saved (spec §4.G).
func (p *Producer) runCommits(ctx context.Context, typeName string, oldList, newList *dataobject.List, diff *dataobject.Diff) {
	frags := p.Fragments[typeName]
	for srcName, frag := range frags {
		for _, obj := range diff.Added {
			if err := frag.CommitOne(ctx, nil, obj.Attrs); err != nil {
				p.Log.Warnw("commitOne failed", "type", typeName, "source", srcName, "pkey", obj.PKey, "error", err)
			}
		}
		for _, m := range diff.Modified {
			if err := frag.CommitOne(ctx, m.Old.Attrs, m.New.Attrs); err != nil {
				p.Log.Warnw("commitOne failed", "type", typeName, "source", srcName, "pkey", m.PKey, "error", err)
			}
		}
		for _, obj := range diff.Removed {
			if err := frag.CommitOne(ctx, obj.Attrs, nil); err != nil {
				p.Log.Warnw("commitOne failed", "type", typeName, "source", srcName, "pkey", obj.PKey, "error", err)
			}
		}
		if err := frag.CommitAll(ctx, oldList, newList); err != nil {
			p.Log.Warnw("commitAll failed", "type", typeName, "source", srcName, "error", err)
		}
	}
}
