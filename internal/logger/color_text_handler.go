package logger

import (
	"context"
	"io"
	"log/slog"
)

const (
	ansiReset = "\033[0m"
	ansiDim   = "\033[2m"
)

// ColorTextHandler wraps slog.TextHandler and prefixes the message with a colored level.
// Records carrying a "stream" attribute (captured solver output) are dimmed.
type ColorTextHandler struct {
	*slog.TextHandler
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	return &ColorTextHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m"
	case l >= slog.LevelWarn:
		return "\033[33m"
	case l >= slog.LevelInfo:
		return "\033[32m"
	default:
		return "\033[36m"
	}
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	prefix := levelColor(r.Level) + r.Level.String() + ansiReset + "  "
	captured := false
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "stream" {
			captured = true
			return false
		}
		return true
	})
	if captured {
		r.Message = prefix + ansiDim + r.Message + ansiReset
	} else {
		r.Message = prefix + r.Message
	}
	return h.TextHandler.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithAttrs(attrs).(*slog.TextHandler)}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithGroup(name).(*slog.TextHandler)}
}
