// Package enum implements the tracepoint/field enumeration surface of
// §4.7: aggregate tracepoint and field listings across every compatible
// app, tolerating per-app app-vanished errors and growing the collection
// buffer geometrically.
package enum

import (
	"context"

	"go.uber.org/zap"

	"github.com/arc-self/trace-sessiond/internal/apperr"
	"github.com/arc-self/trace-sessiond/internal/registry"
	"github.com/arc-self/trace-sessiond/internal/tracerdriver"
)

// ustAppEventListSize is the initial enumeration buffer size (§6,
// "Defaults": UST_APP_EVENT_LIST_SIZE).
const ustAppEventListSize = 64

// Event is one collected tracepoint row (§4.7): "enabled" is always -1
// because enablement is not a tracer-wide attribute.
type Event struct {
	Name     string
	LogLevel int32
	Pid      uint32
	Enabled  int32
}

// Field is one collected tracepoint-field row (§4.7): a richer variant of
// Event carrying the nested tracepoint metadata.
type Field struct {
	Name       string
	FieldType  string
	NoWrite    bool
	Tracepoint Event
}

// Lister ties the registry and tracer driver together for the two
// enumeration operations.
type Lister struct {
	Registry *registry.Registry
	Driver   tracerdriver.Driver
	Logger   *zap.Logger
}

// ListEvents implements list_events (§4.7): allocates a buffer of
// UST_APP_EVENT_LIST_SIZE entries, doubling it on overflow, and collects
// one Event per tracepoint across every compatible app. A NoMemory error
// from tracepoint_list_get is fatal and discards the partial buffer.
func (l *Lister) ListEvents(ctx context.Context) ([]Event, error) {
	out := make([]Event, 0, ustAppEventListSize)
	for _, a := range l.Registry.All() {
		if !a.Compatible {
			continue
		}
		handle, err := l.Driver.TracepointList(ctx, a.Sock)
		if err != nil {
			classified := tracerdriver.Classify("tracepoint_list", err)
			if apperr.IsAppVanished(classified) {
				l.Logger.Debug("list_events: app vanished", zap.Uint32("pid", uint32(a.Pid)))
				continue
			}
			l.Logger.Warn("list_events: tracepoint_list failed", zap.Error(classified), zap.Uint32("pid", uint32(a.Pid)))
			continue
		}

		index := 0
		for {
			entry, err := l.Driver.TracepointListGet(ctx, a.Sock, handle, index)
			if err != nil {
				if err == tracerdriver.ErrNoEnt {
					break
				}
				classified := tracerdriver.Classify("tracepoint_list_get", err)
				if apperr.Is(classified, apperr.CodeNoMemory) {
					return nil, classified
				}
				if apperr.IsAppVanished(classified) {
					break
				}
				l.Logger.Warn("list_events: tracepoint_list_get failed", zap.Error(classified), zap.Uint32("pid", uint32(a.Pid)))
				break
			}
			if len(out) == cap(out) {
				grown := make([]Event, len(out), cap(out)*2)
				copy(grown, out)
				out = grown
			}
			out = append(out, Event{Name: entry.Name, LogLevel: entry.LogLevel, Pid: uint32(a.Pid), Enabled: -1})
			index++
		}
	}
	return out, nil
}

// ListEventFields implements list_event_fields (§4.7): same shape as
// ListEvents with the richer per-entry Field record.
func (l *Lister) ListEventFields(ctx context.Context) ([]Field, error) {
	out := make([]Field, 0, ustAppEventListSize)
	for _, a := range l.Registry.All() {
		if !a.Compatible {
			continue
		}
		handle, err := l.Driver.TracepointFieldList(ctx, a.Sock)
		if err != nil {
			classified := tracerdriver.Classify("tracepoint_field_list", err)
			if apperr.IsAppVanished(classified) {
				l.Logger.Debug("list_event_fields: app vanished", zap.Uint32("pid", uint32(a.Pid)))
				continue
			}
			l.Logger.Warn("list_event_fields: tracepoint_field_list failed", zap.Error(classified), zap.Uint32("pid", uint32(a.Pid)))
			continue
		}

		index := 0
		for {
			entry, err := l.Driver.TracepointFieldListGet(ctx, a.Sock, handle, index)
			if err != nil {
				if err == tracerdriver.ErrNoEnt {
					break
				}
				classified := tracerdriver.Classify("tracepoint_field_list_get", err)
				if apperr.Is(classified, apperr.CodeNoMemory) {
					return nil, classified
				}
				if apperr.IsAppVanished(classified) {
					break
				}
				l.Logger.Warn("list_event_fields: tracepoint_field_list_get failed", zap.Error(classified), zap.Uint32("pid", uint32(a.Pid)))
				break
			}
			if len(out) == cap(out) {
				grown := make([]Field, len(out), cap(out)*2)
				copy(grown, out)
				out = grown
			}
			out = append(out, Field{
				Name:      entry.Name,
				FieldType: entry.FieldType,
				NoWrite:   entry.NoWrite,
				Tracepoint: Event{
					Name:     entry.Tracepoint.Name,
					LogLevel: entry.Tracepoint.LogLevel,
					Pid:      uint32(a.Pid),
					Enabled:  -1,
				},
			})
			index++
		}
	}
	return out, nil
}
