package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// handler tees slog records into a Sink while passing them on to an
// inner handler unchanged.
type handler struct { // A
	inner  slog.Handler
	sink   Sink
	level  slog.Leveler
	fields map[string]string
	groups []string
}

// NewHandler wraps inner so that every record at or above minLevel is
// also delivered to sink as an Entry. A nil minLevel means Info.
func NewHandler( // A
	inner slog.Handler,
	sink Sink,
	minLevel slog.Leveler,
) slog.Handler {
	if minLevel == nil {
		minLevel = slog.LevelInfo
	}
	return &handler{inner: inner, sink: OrNop(sink), level: minLevel}
}

func (h *handler) Enabled(ctx context.Context, l slog.Level) bool { // A
	return l >= h.level.Level() || h.inner.Enabled(ctx, l)
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error { // A
	if r.Level >= h.level.Level() {
		fields := make(map[string]string, len(h.fields)+r.NumAttrs())
		for k, v := range h.fields {
			fields[k] = v
		}
		prefix := strings.Join(h.groups, ".")
		r.Attrs(func(a slog.Attr) bool {
			addField(fields, prefix, a)
			return true
		})
		if len(fields) == 0 {
			fields = nil
		}
		h.sink.Log(Entry{
			Timestamp: r.Time,
			Level:     LevelFromSlog(r.Level),
			Message:   r.Message,
			Fields:    fields,
		})
	}
	if h.inner.Enabled(ctx, r.Level) {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler { // A
	cp := *h
	cp.inner = h.inner.WithAttrs(attrs)
	cp.fields = make(map[string]string, len(h.fields)+len(attrs))
	for k, v := range h.fields {
		cp.fields[k] = v
	}
	prefix := strings.Join(h.groups, ".")
	for _, a := range attrs {
		addField(cp.fields, prefix, a)
	}
	return &cp
}

func (h *handler) WithGroup(name string) slog.Handler { // A
	if name == "" {
		return h
	}
	cp := *h
	cp.inner = h.inner.WithGroup(name)
	cp.groups = append(append([]string(nil), h.groups...), name)
	return &cp
}

func addField(fields map[string]string, prefix string, a slog.Attr) { // A
	a.Value = a.Value.Resolve()
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			addField(fields, key, ga)
		}
		return
	}
	if key == "" {
		return
	}
	fields[key] = fmt.Sprint(a.Value.Any())
}
