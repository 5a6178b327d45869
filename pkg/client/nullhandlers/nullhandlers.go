// Package nullhandlers provides a reference no-op handler set: a minimal
// client wiring that acknowledges every event without applying it
// anywhere, useful for smoke-testing a datamodel/transport configuration
// before writing real handlers.
package nullhandlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/client"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/dataobject"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/event"
)

// For builds a client.Handlers table covering every event type for each
// of objTypes, logging at debug level and always succeeding.
func For(log *zap.SugaredLogger, objTypes ...string) client.Handlers {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	h := make(client.Handlers, len(objTypes))
	for _, t := range objTypes {
		h[t] = map[event.Type]client.HandlerFunc{
			event.Added:    logOnly(log, t, event.Added),
			event.Modified: logOnly(log, t, event.Modified),
			event.Removed:  logOnly(log, t, event.Removed),
			event.Trashed:  logOnly(log, t, event.Trashed),
			event.Recycled: logOnly(log, t, event.Recycled),
		}
	}
	return h
}

func logOnly(log *zap.SugaredLogger, objType string, evType event.Type) client.HandlerFunc {
	return func(_ context.Context, obj *dataobject.DataObject, delta *dataobject.AttrDelta) error {
		pkey := any(nil)
		if obj != nil {
			pkey = obj.PKey
		}
		log.Debugw("nullhandlers: event received", "objtype", objType, "eventtype", evType, "pkey", pkey, "delta", delta)
		return nil
	}
}
