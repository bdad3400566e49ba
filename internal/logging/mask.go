package logging

import (
	"context"
	"log/slog"
	"strings"
)

// maskHandler redacts configured strings from every log record before it
// reaches the wrapped handler. Used for GitHub Enterprise deployments where
// the hostname and org name must not leak into shipped logs.
type maskHandler struct {
	inner    slog.Handler
	replacer *strings.Replacer
}

func newMaskHandler(inner slog.Handler, cfg *MaskConfig) *maskHandler {
	pairs := make([]string, 0, 4)
	if cfg.Hostname != "" {
		pairs = append(pairs, cfg.Hostname, "ghes.invalid")
	}
	if cfg.Org != "" {
		pairs = append(pairs, cfg.Org, "org")
	}
	return &maskHandler{
		inner:    inner,
		replacer: strings.NewReplacer(pairs...),
	}
}

func (h *maskHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *maskHandler) Handle(ctx context.Context, rec slog.Record) error {
	masked := slog.NewRecord(rec.Time, rec.Level, h.replacer.Replace(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		masked.AddAttrs(h.maskAttr(a))
		return true
	})
	return h.inner.Handle(ctx, masked)
}

func (h *maskHandler) maskAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.replacer.Replace(a.Value.String()))
	case slog.KindGroup:
		attrs := a.Value.Group()
		masked := make([]any, 0, len(attrs))
		for _, ga := range attrs {
			masked = append(masked, h.maskAttr(ga))
		}
		return slog.Group(a.Key, masked...)
	default:
		return a
	}
}

func (h *maskHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		masked = append(masked, h.maskAttr(a))
	}
	return &maskHandler{inner: h.inner.WithAttrs(masked), replacer: h.replacer}
}

func (h *maskHandler) WithGroup(name string) slog.Handler {
	return &maskHandler{inner: h.inner.WithGroup(name), replacer: h.replacer}
}
