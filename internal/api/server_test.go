package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/foxseedlab/meetscribe/internal/metrics"
	"github.com/foxseedlab/meetscribe/internal/queue"
	"github.com/foxseedlab/meetscribe/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
)

const sessionID = "0f8fad5b-d9cb-469f-a165-70867728950e"

type unhealthyRepo struct {
	*repository.MemoryRepository
}

func (unhealthyRepo) Ping(context.Context) error { return errors.New("connection refused") }

func setupServer(repo repository.Repository) (*Server, *queue.Queue, *metrics.Metrics) {
	q := queue.New(repo, queue.Config{MaxRetries: 5}, nil)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	return NewServer(repo, q, m.Registry, ":0"), q, m
}

func serve(srv *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := setupServer(repository.NewMemoryRepository())
	w := serve(srv, http.MethodGet, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body["status"] != "ok" {
		t.Fatalf("unexpected body %v err=%v", body, err)
	}
}

func TestHealthEndpoint_StoreDown(t *testing.T) {
	srv, _, _ := setupServer(unhealthyRepo{repository.NewMemoryRepository()})
	if w := serve(srv, http.MethodGet, "/healthz"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestReconcileEndpoint_EnqueuesTask(t *testing.T) {
	repo := repository.NewMemoryRepository()
	srv, _, _ := setupServer(repo)
	w := serve(srv, http.MethodPost, "/reconcile")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	task, err := repo.GetTask(context.Background(), body["task_id"])
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Kind != string(queue.KindReconcileCalendar) || task.Status != repository.TaskStatusQueued {
		t.Fatalf("unexpected task %+v", task)
	}
	p, err := queue.DecodePayload[queue.ReconcileCalendarPayload](*task)
	if err != nil || !strings.HasPrefix(p.RequestedBy, "http:") {
		t.Fatalf("unexpected payload %+v err=%v", p, err)
	}
}

func TestSessionEndpoint(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	fireAt := time.Date(2026, 3, 2, 9, 58, 0, 0, time.UTC)
	if err := repo.CreateBotSession(ctx, repository.BotSessionRecord{ID: sessionID, MeetingID: "evt-1", FireAt: fireAt, State: repository.SessionStatePending}); err != nil {
		t.Fatalf("CreateBotSession: %v", err)
	}
	if _, err := repo.UpsertSegment(ctx, repository.TranscriptSegment{SessionID: sessionID, Sequence: 0, Text: "hello", IsFinal: true, Revision: 1}); err != nil {
		t.Fatalf("UpsertSegment: %v", err)
	}
	srv, _, _ := setupServer(repo)

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "invalid id", path: "/sessions/not-a-uuid", want: http.StatusBadRequest},
		{name: "unknown", path: "/sessions/6ba7b810-9dad-11d1-80b4-00c04fd430c8", want: http.StatusNotFound},
		{name: "found", path: "/sessions/" + sessionID, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(srv, http.MethodGet, tt.path)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}

	w := serve(srv, http.MethodGet, "/sessions/"+sessionID)
	var view sessionView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.State != "pending" || view.MeetingID != "evt-1" || len(view.Segments) != 1 || view.Segments[0].Text != "hello" {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestDeadTasksEndpoint(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	srv, q, _ := setupServer(repo)
	id, err := q.Enqueue(ctx, queue.KindNotifyCompletion, queue.NotifyCompletionPayload{SessionID: sessionID})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := repo.DeadLetterTask(ctx, id, 6, "webhook 500"); err != nil {
		t.Fatalf("DeadLetterTask: %v", err)
	}

	w := serve(srv, http.MethodGet, "/tasks/dead?limit=10")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var views []taskView
	if err := json.NewDecoder(w.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].ID != id || views[0].Attempts != 6 || views[0].LastError != "webhook 500" {
		t.Fatalf("unexpected dead tasks %+v", views)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, m := setupServer(repository.NewMemoryRepository())
	m.JoinFired()
	w := serve(srv, http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "meetscribe_joins_fired_total 1") {
		t.Fatalf("expected joins counter in output:\n%s", w.Body.String())
	}
}
