// Package api serves the operator HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/foxseedlab/meetscribe/internal/apperrors"
	"github.com/foxseedlab/meetscribe/internal/queue"
	"github.com/foxseedlab/meetscribe/internal/repository"
	"github.com/foxseedlab/meetscribe/internal/tasks"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultDeadLetterLimit = 50
	shutdownTimeout        = 10 * time.Second
	pingTimeout            = 3 * time.Second
)

type Server struct {
	repo     repository.Repository
	enqueuer queue.Enqueuer
	router   chi.Router
	addr     string
}

func NewServer(repo repository.Repository, enqueuer queue.Enqueuer, gatherer prometheus.Gatherer, addr string) *Server {
	srv := &Server{
		repo:     repo,
		enqueuer: enqueuer,
		addr:     addr,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", srv.handleHealth)
	r.Post("/reconcile", srv.handleReconcile)
	r.Get("/sessions/{sessionID}", srv.handleGetSession)
	r.Get("/tasks/dead", srv.handleDeadTasks)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	srv.router = r
	return srv
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	hs := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting admin HTTP", "addr", s.addr)
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()
	if err := s.repo.Ping(ctx); err != nil {
		slog.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id, err := tasks.RequestReconcile(r.Context(), s.enqueuer, "http:"+r.RemoteAddr)
	if err != nil {
		slog.Error("reconcile request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

type segmentView struct {
	Sequence int64     `json:"sequence"`
	Offset   string    `json:"offset"`
	Text     string    `json:"text"`
	IsFinal  bool      `json:"is_final"`
	Revision int       `json:"revision"`
	SpokenAt time.Time `json:"spoken_at"`
}

type sessionView struct {
	ID            string        `json:"id"`
	MeetingID     string        `json:"meeting_id"`
	FireAt        time.Time     `json:"fire_at"`
	State         string        `json:"state"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	EndReason     string        `json:"end_reason,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	FinalizedAt   *time.Time    `json:"finalized_at,omitempty"`
	Segments      []segmentView `json:"segments"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := uuid.Parse(sessionID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session id"})
		return
	}

	rec, err := s.repo.GetBotSession(r.Context(), sessionID)
	if errors.Is(err, apperrors.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		slog.Error("load session failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	segments, err := s.repo.ListSegments(r.Context(), sessionID)
	if err != nil {
		slog.Error("list segments failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	view := sessionView{
		ID:            rec.ID,
		MeetingID:     rec.MeetingID,
		FireAt:        rec.FireAt,
		State:         string(rec.State),
		StartedAt:     rec.StartedAt,
		EndedAt:       rec.EndedAt,
		EndReason:     rec.EndReason,
		FailureReason: rec.FailureReason,
		FinalizedAt:   rec.FinalizedAt,
		Segments:      make([]segmentView, 0, len(segments)),
	}
	for _, seg := range segments {
		view.Segments = append(view.Segments, segmentView{
			Sequence: seg.Sequence,
			Offset:   seg.Offset.String(),
			Text:     seg.Text,
			IsFinal:  seg.IsFinal,
			Revision: seg.Revision,
			SpokenAt: seg.SpokenAt,
		})
	}
	writeJSON(w, http.StatusOK, view)
}

type taskView struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (s *Server) handleDeadTasks(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := s.repo.ListDeadLetteredTasks(r.Context(), limit)
	if err != nil {
		slog.Error("list dead-lettered tasks failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	views := make([]taskView, 0, len(list))
	for _, t := range list {
		views = append(views, taskView{
			ID:        t.ID,
			Kind:      t.Kind,
			Attempts:  t.Attempts,
			LastError: t.LastError,
			Payload:   t.Payload,
			UpdatedAt: t.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}
