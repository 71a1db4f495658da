package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provenance-pipeline/internal/agent"
	"provenance-pipeline/internal/events"
	"provenance-pipeline/internal/graph"
	"provenance-pipeline/internal/logger"
	"provenance-pipeline/internal/models"
	"provenance-pipeline/internal/queue"
	"provenance-pipeline/internal/ratelimit"
	"provenance-pipeline/internal/repository"
)

type fixture struct {
	queue   *queue.Service
	graph   *graph.MemoryStore
	bus     *events.Bus
	agents  *agent.Registry
	actions *repository.ActionRepository
	router  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	svc := queue.NewService(
		queue.NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()})),
		queue.Options{PollInterval: 10 * time.Millisecond, Logger: logger.Discard()},
	)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	reg := agent.NewRegistry(logger.Discard())
	bus := events.NewBus(logger.Discard())
	store := graph.NewMemoryStore()
	actions := repository.NewActionRepository(store, logger.Discard())
	prov := agent.NewProvenanceAgent(agent.ProvenanceConfig{
		Queue:     svc,
		QueueName: "provenance",
		Bus:       bus,
		Actions:   actions,
		Logger:    logger.Discard(),
	})
	require.NoError(t, reg.Register(agent.ProvenanceName, prov))

	return &fixture{
		queue:   svc,
		graph:   store,
		bus:     bus,
		agents:  reg,
		actions: actions,
		router:  New(svc, store, reg, bus, logger.Discard()).Router(),
	}
}

func (f *fixture) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	require.NoError(t, f.graph.Close(context.Background()))
	rec = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}

func TestAgentsAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodGet, "/agents", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"agents":["provenance-tracking"]}`, rec.Body.String())

	id, err := f.queue.AddJob(ctx, "files", map[string]string{"path": "/a"}, 3)
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/queues/files/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Waiting)

	rec = f.do(t, http.MethodGet, "/queues/files/jobs/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 3, job.Priority)
	assert.Equal(t, models.StatusQueued, job.Status)

	rec = f.do(t, http.MethodGet, "/queues/files/jobs/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMutationReportBecomesAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.agents.StartAll(ctx))
	t.Cleanup(func() { _ = f.agents.StopAll(ctx) })

	rec := f.do(t, http.MethodPost, "/mutations", `{"action_type":"rename_file","entity_type":"File","entity_id":"file-1"}`,
		http.Header{"X-Org-Id": []string{"org-1"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var history []models.Action
	require.Eventually(t, func() bool {
		var err error
		history, err = f.actions.ListByEntity(ctx, "file-1")
		return err == nil && len(history) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "rename_file", history[0].ActionType)
	assert.Equal(t, agent.ProvenanceName, history[0].Tool)

	rec = f.do(t, http.MethodPost, "/mutations", `{"entity_id":"file-1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/mutations", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMutationRateLimitedSetsRetryAfter(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	svc := queue.NewService(queue.NewRedisQueue(client), queue.Options{
		PollInterval: 10 * time.Millisecond,
		Limiter:      ratelimit.NewTokenBucket(client, 1, 0.5, time.Minute),
		Logger:       logger.Discard(),
	})
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	bus := events.NewBus(logger.Discard())
	reg := agent.NewRegistry(logger.Discard())
	prov := agent.NewProvenanceAgent(agent.ProvenanceConfig{
		Queue:     svc,
		QueueName: "provenance",
		Bus:       bus,
		Actions:   repository.NewActionRepository(graph.NewMemoryStore(), logger.Discard()),
		Logger:    logger.Discard(),
	})
	require.NoError(t, reg.Register(agent.ProvenanceName, prov))
	require.NoError(t, reg.StartAll(ctx))
	t.Cleanup(func() { _ = reg.StopAll(ctx) })

	f := &fixture{router: New(svc, graph.NewMemoryStore(), reg, bus, logger.Discard()).Router()}
	body := `{"action_type":"rename_file","entity_id":"file-1"}`
	org := http.Header{"X-Org-Id": []string{"org-1"}}

	rec := f.do(t, http.MethodPost, "/mutations", body, org)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/mutations", body, org)
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}
