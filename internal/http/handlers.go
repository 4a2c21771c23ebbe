package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Cypherspark/future-self/internal/analytics"
	"github.com/Cypherspark/future-self/internal/core"
	"github.com/Cypherspark/future-self/internal/metrics"
	"github.com/Cypherspark/future-self/internal/timing"
)

type Server struct {
	Messages  *core.Service
	Analytics *analytics.Service
	Auth      *Authenticator
	// CORSOrigins lists allowed origins; empty allows any.
	CORSOrigins []string
	// Ready reports dependency health for /readyz. Nil means always ready.
	Ready ReadyFunc
	Log   *zap.Logger
}

func NewServer(messages *core.Service, stats *analytics.Service, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		Messages:  messages,
		Analytics: stats,
		Auth:      NewAuthenticator(""),
		Log:       log,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(instrument)
	r.Use(s.cors())

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Post("/users", s.createUser)

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware)

		r.Post("/messages", s.createMessage)
		r.Get("/messages", s.listMessages)
		r.Get("/messages/{id}", s.getMessage)
		r.Delete("/messages/{id}", s.deleteMessage)
		r.Post("/messages/{id}/read", s.markRead)
		r.Post("/milestones", s.triggerMilestone)

		r.Get("/analytics/me", s.userAnalytics)
		r.Get("/analytics/platform", s.platformAnalytics)
		r.Get("/analytics/growth", s.growth)
		r.Get("/analytics/retention", s.retention)
		r.Get("/analytics/timeline", s.messageTimeline)

		r.Get("/delivery/stats", s.deliveryStats)
		r.Get("/delivery/upcoming", s.upcoming)
		r.Get("/delivery/overdue", s.overdue)
		r.Get("/delivery/performance", s.performance)
		r.Get("/delivery/timeline", s.timeline)
		r.Get("/delivery/my-stats", s.myDeliveryStats)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes. Unknown errors are logged
// and reported as "internal" so storage details never leak.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *core.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  core.ErrValidation.Error(),
			"field":  ve.Field,
			"reason": ve.Reason,
		})
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": core.ErrNotFound.Error()})
	case errors.Is(err, core.ErrPrecondition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": core.ErrPrecondition.Error()})
	case errors.Is(err, core.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": core.ErrConflict.Error()})
	default:
		s.Log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
	}
}

func badBody(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ID    string    `json:"id"`
		Name  string    `json:"name"`
		Email string    `json:"email"`
		Tier  core.Tier `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badBody(w)
		return
	}
	u, err := s.Messages.CreateUser(r.Context(), core.User{ID: in.ID, Name: in.Name, Email: in.Email, Tier: in.Tier})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

type messageResponse struct {
	core.Message
	Explanation string `json:"explanation"`
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Content      string        `json:"content"`
		Strategy     core.Strategy `json:"timing_strategy"`
		ScheduledFor *time.Time    `json:"scheduled_for"`
		MilestoneKey string        `json:"milestone_key"`
		Category     string        `json:"category"`
		Tags         []string      `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badBody(w)
		return
	}
	m, err := s.Messages.CreateMessage(r.Context(), core.CreateRequest{
		OwnerID:      OwnerID(r.Context()),
		Content:      in.Content,
		Strategy:     in.Strategy,
		RequestedAt:  in.ScheduledFor,
		MilestoneKey: in.MilestoneKey,
		Category:     in.Category,
		Tags:         in.Tags,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.MessagesCreated.WithLabelValues(string(m.Strategy), string(m.Status)).Inc()
	writeJSON(w, http.StatusCreated, messageResponse{
		Message:     m,
		Explanation: timing.Explain(m, s.Messages.Clock.Now()),
	})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 50, 1, 500)
	offset := intParam(q.Get("offset"), 0, 0, 1<<30)
	items, err := s.Messages.ListMessages(r.Context(), OwnerID(r.Context()), core.ListFilter{
		Status: core.Status(q.Get("status")),
		Search: q.Get("q"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.Messages.GetMessage(r.Context(), OwnerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: m, Explanation: timing.Explain(m, s.Messages.Clock.Now())})
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.Messages.DeleteMessage(r.Context(), OwnerID(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	m, err := s.Messages.MarkRead(r.Context(), OwnerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) triggerMilestone(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Key        string    `json:"milestone_key"`
		OccurredAt time.Time `json:"occurred_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badBody(w)
		return
	}
	n, err := s.Messages.TriggerMilestone(r.Context(), core.MilestoneEvent{
		OwnerID:    OwnerID(r.Context()),
		Key:        in.Key,
		OccurredAt: in.OccurredAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"scheduled": n})
}

func (s *Server) userAnalytics(w http.ResponseWriter, r *http.Request) {
	v, err := s.Analytics.User(r.Context(), OwnerID(r.Context()))
	respond(s, w, r, v, err)
}

func (s *Server) platformAnalytics(w http.ResponseWriter, r *http.Request) {
	v, err := s.Analytics.Platform(r.Context())
	respond(s, w, r, v, err)
}

func (s *Server) growth(w http.ResponseWriter, r *http.Request) {
	v, err := s.Analytics.Growth(r.Context(), intParam(r.URL.Query().Get("days"), 30, 1, 365))
	respond(s, w, r, v, err)
}

func (s *Server) retention(w http.ResponseWriter, r *http.Request) {
	v, err := s.Analytics.Retention(r.Context())
	respond(s, w, r, v, err)
}

func (s *Server) messageTimeline(w http.ResponseWriter, r *http.Request) {
	v, err := s.Analytics.MessageTimeline(r.Context(), OwnerID(r.Context()))
	respond(s, w, r, v, err)
}

func (s *Server) deliveryStats(w http.ResponseWriter, r *http.Request) {
	v, err := s.Analytics.DeliveryStats(r.Context())
	respond(s, w, r, v, err)
}

func (s *Server) upcoming(w http.ResponseWriter, r *http.Request) {
	v, err := s.Analytics.Upcoming(r.Context(), intParam(r.URL.Query().Get("days"), 7, 1, 365))
	respond(s, w, r, v, err)
}

func (s *Server) overdue(w http.ResponseWriter, r *http.Request) {
	v, err := s.Analytics.Overdue(r.Context())
	respond(s, w, r, v, err)
}

func (s *Server) performance(w http.ResponseWriter, r *http.Request) {
	v, err := s.Analytics.Performance(r.Context())
	respond(s, w, r, v, err)
}

func (s *Server) timeline(w http.ResponseWriter, r *http.Request) {
	v, err := s.Analytics.Timeline(r.Context(), intParam(r.URL.Query().Get("days"), 30, 1, 365))
	respond(s, w, r, v, err)
}

func (s *Server) myDeliveryStats(w http.ResponseWriter, r *http.Request) {
	v, err := s.Analytics.UserDeliveries(r.Context(), OwnerID(r.Context()))
	respond(s, w, r, v, err)
}

func respond[T any](s *Server, w http.ResponseWriter, r *http.Request, v T, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// intParam parses a query value, falling back to def when it is missing,
// malformed or outside [lo, hi].
func intParam(v string, def, lo, hi int) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return def
	}
	return n
}
