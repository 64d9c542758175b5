package debuglog

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/ashureev/reply-relay/internal/shared"
)

// TeeHandler passes every record to a primary handler and to a secondary
// one, typically a text handler writing into a Ring.
type TeeHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

// NewTeeHandler creates a handler that writes to both handlers.
func NewTeeHandler(primary, secondary slog.Handler) *TeeHandler {
	return &TeeHandler{primary: primary, secondary: secondary}
}

// NewRingHandler returns a text handler that writes into ring at level and
// above. Token values are masked before they reach the ring, since its
// contents are handed out by DEBUG_LOG.
func NewRingHandler(ring *Ring, level slog.Leveler) slog.Handler {
	return slog.NewTextHandler(redactingWriter{w: ring}, &slog.HandlerOptions{Level: level})
}

// redactingWriter masks tokens in each write. slog handlers emit one record per Write.
type redactingWriter struct {
	w io.Writer
}

func (r redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(r.w, shared.RedactTokens(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Enabled reports whether either handler wants records at level.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

// Handle forwards r to each handler that is enabled for its level.
func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	if h.primary.Enabled(ctx, r.Level) {
		errs = append(errs, h.primary.Handle(ctx, r.Clone()))
	}
	if h.secondary.Enabled(ctx, r.Level) {
		errs = append(errs, h.secondary.Handle(ctx, r.Clone()))
	}
	return errors.Join(errs...)
}

// WithAttrs implements slog.Handler.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TeeHandler{primary: h.primary.WithAttrs(attrs), secondary: h.secondary.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	return &TeeHandler{primary: h.primary.WithGroup(name), secondary: h.secondary.WithGroup(name)}
}
