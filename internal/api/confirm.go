package api

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/reply-relay/internal/tracker"
	"github.com/ashureev/reply-relay/web"
	"github.com/go-chi/chi/v5"
)

// ConfirmHandler serves the browser mark-as-replied flow linked from alerts.
// Unknown conversations and wrong tokens get the same response.
type ConfirmHandler struct {
	engine *tracker.Engine
}

// NewConfirmHandler creates a confirmation handler.
func NewConfirmHandler(engine *tracker.Engine) *ConfirmHandler {
	return &ConfirmHandler{engine: engine}
}

// RegisterRoutes registers the confirmation routes.
func (h *ConfirmHandler) RegisterRoutes(r chi.Router) {
	r.Get("/confirm/{id}", h.Show)
	r.Post("/confirm/{id}", h.Confirm)
}

// Show renders the confirmation form if the token is current.
func (h *ConfirmHandler) Show(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	token := r.URL.Query().Get("token")

	conv, err := h.engine.CheckToken(r.Context(), id, token)
	if err != nil {
		invalid(w)
		return
	}

	page := web.ConfirmPage{
		ConversationID: conv.ID,
		DisplayName:    conv.DisplayName,
		Token:          token,
	}
	if conv.LastInbound != nil {
		page.Preview = conv.LastInbound.Text
	}
	html(w, http.StatusOK)
	if err := web.RenderConfirm(w, page); err != nil {
		slog.Error("Failed to render confirmation page", "error", err)
	}
}

// Confirm marks the conversation replied if the posted token is current.
func (h *ConfirmHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	if err := r.ParseForm(); err != nil {
		invalid(w)
		return
	}

	conv, err := h.engine.Confirm(r.Context(), chi.URLParam(r, "id"), r.PostFormValue("token"))
	if err != nil {
		invalid(w)
		return
	}

	html(w, http.StatusOK)
	if err := web.RenderDone(w, web.DonePage{DisplayName: conv.DisplayName}); err != nil {
		slog.Error("Failed to render confirmation page", "error", err)
	}
}

func html(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(status)
}

func invalid(w http.ResponseWriter) {
	html(w, http.StatusNotFound)
	if err := web.RenderInvalid(w); err != nil {
		slog.Error("Failed to render confirmation page", "error", err)
	}
}
