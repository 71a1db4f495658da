package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"provenance-pipeline/internal/agent"
	"provenance-pipeline/internal/events"
	"provenance-pipeline/internal/logger"
	"provenance-pipeline/internal/models"
	"provenance-pipeline/internal/telemetry"
)

// QueueInspector is the read side of queue.Service.
type QueueInspector interface {
	GetQueueStats(ctx context.Context, queueName string) (models.QueueStats, error)
	GetJob(ctx context.Context, queueName, id string) (models.Job, error)
	HealthCheck(ctx context.Context) error
}

// Pinger is satisfied by graph.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AgentLister is satisfied by agent.Registry.
type AgentLister interface {
	List() []string
}

// Server wires the worker's operational HTTP surface.
type Server struct {
	queue  QueueInspector
	graph  Pinger
	agents AgentLister
	bus    *events.Bus
	log    *slog.Logger
}

// New constructs the ops server. bus may be nil, which disables /mutations.
func New(q QueueInspector, g Pinger, agents AgentLister, bus *events.Bus, log *slog.Logger) *Server {
	return &Server{
		queue:  q,
		graph:  g,
		agents: agents,
		bus:    bus,
		log:    logger.OrDefault(log).With(slog.String("component", "api")),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/agents", s.handleAgents)
	r.Get("/queues/{name}/stats", s.handleStats)
	r.Get("/queues/{name}/jobs/{id}", s.handleGetJob)
	r.Post("/mutations", s.handleMutation)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"queue": "ok", "graph": "ok"}
	code := http.StatusOK
	if err := s.queue.HealthCheck(ctx); err != nil {
		checks["queue"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.graph != nil {
		if err := s.graph.Ping(ctx); err != nil {
			checks["graph"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	status := "ok"
	if code != http.StatusOK {
		status = "degraded"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.agents.List()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stats, err := s.queue.GetQueueStats(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJob(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleMutation publishes a mutation report for the provenance agent.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "mutation reports are disabled", http.StatusNotFound)
		return
	}
	var report agent.MutationReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if report.ActionType == "" || report.EntityID == "" {
		http.Error(w, "action_type and entity_id are required", http.StatusBadRequest)
		return
	}
	env := events.Envelope{Type: events.MutationReported, OrgID: orgFromRequest(r), Payload: report}
	if err := s.bus.Publish(r.Context(), env); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func orgFromRequest(r *http.Request) string {
	return r.Header.Get("X-Org-ID")
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, models.ErrRateLimited):
		code = http.StatusTooManyRequests
		if wait, ok := models.RetryAfter(err); ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
	case errors.Is(err, models.ErrClosed), errors.Is(err, models.ErrPersistence):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", slog.Any("err", err))
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
