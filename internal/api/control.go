package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/reply-relay/internal/domain"
	"github.com/ashureev/reply-relay/internal/middleware"
	"github.com/ashureev/reply-relay/internal/scheduler"
	"github.com/ashureev/reply-relay/internal/tracker"
	"github.com/go-chi/chi/v5"
)

// ControlHandler serves the operator control API.
type ControlHandler struct {
	engine    *tracker.Engine
	reminders *scheduler.ReminderSweeper
	retention *scheduler.RetentionSweeper
	token     string
	now       func() time.Time
}

// NewControlHandler creates the operator API handler.
func NewControlHandler(engine *tracker.Engine, reminders *scheduler.ReminderSweeper, retention *scheduler.RetentionSweeper, adminToken string) *ControlHandler {
	return &ControlHandler{
		engine:    engine,
		reminders: reminders,
		retention: retention,
		token:     adminToken,
		now:       time.Now,
	}
}

// RegisterRoutes registers the /api routes behind the admin token.
func (h *ControlHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequireToken(h.token, false))
		r.Get("/conversations", h.List)
		r.Get("/conversations/{id}", h.Get)
		r.Post("/conversations/{id}/reply", h.Reply)
		r.Post("/conversations/{id}/mark-replied", h.MarkReplied)
		r.Post("/reset", h.Reset)
		r.Post("/sweeps/reminders", h.SweepReminders)
		r.Post("/sweeps/retention", h.SweepRetention)
	})
}

type conversationView struct {
	*domain.Conversation
	WaitingSeconds int64 `json:"waiting_seconds,omitempty"`
}

func (h *ControlHandler) view(conv *domain.Conversation) conversationView {
	return conversationView{
		Conversation:   conv,
		WaitingSeconds: int64(conv.WaitingFor(h.now()).Seconds()),
	}
}

// List returns every conversation in ascending id order.
func (h *ControlHandler) List(w http.ResponseWriter, r *http.Request) {
	convs, err := h.engine.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	onlyPending := r.URL.Query().Get("needs_reply") == "true"
	views := make([]conversationView, 0, len(convs))
	for _, c := range convs {
		if onlyPending && !c.NeedsReply {
			continue
		}
		views = append(views, h.view(c))
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"conversations": views,
		"count":         len(views),
	})
}

// Get returns one conversation.
func (h *ControlHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, err := h.engine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, h.view(conv))
}

type replyRequest struct {
	Text string `json:"text"`
}

// Reply sends an outbound reply through the platform.
func (h *ControlHandler) Reply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}

	conv, err := h.engine.Reply(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, h.view(conv))
}

// MarkReplied clears the reply flag without sending.
func (h *ControlHandler) MarkReplied(w http.ResponseWriter, r *http.Request) {
	conv, err := h.engine.MarkReplied(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, h.view(conv))
}

// Reset clears the reply flag on every conversation.
func (h *ControlHandler) Reset(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.engine.ResetAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

// SweepReminders runs a reminder sweep now. Returns 409 if one is running.
func (h *ControlHandler) SweepReminders(w http.ResponseWriter, r *http.Request) {
	report, err := h.reminders.Sweep(r.Context(), h.now())
	if err != nil {
		if !errors.Is(err, domain.ErrBusy) {
			slog.Error("Manual reminder sweep failed", "error", err)
		}
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{
		"awaiting": report.Awaiting,
		"due":      report.Due,
		"sent":     report.Sent,
		"failed":   report.Failed,
		"stale":    report.Stale,
	})
}

// SweepRetention runs a retention sweep now. Returns 409 if one is running.
func (h *ControlHandler) SweepRetention(w http.ResponseWriter, r *http.Request) {
	evicted, err := h.retention.Sweep(r.Context(), h.now())
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{"evicted": evicted})
}
