package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"provenance-pipeline/internal/logger"
	"provenance-pipeline/internal/models"
)

// Agent is a long-running unit started and stopped by the Registry.
type Agent interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Registry owns agent instances and drives their lifecycle in registration
// order.
type Registry struct {
	log *slog.Logger

	mu     sync.Mutex
	names  []string
	agents map[string]Agent
}

// NewRegistry returns an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:    logger.OrDefault(log).With(slog.String("component", "registry")),
		agents: make(map[string]Agent),
	}
}

// Register adds a under name. Re-registering a name replaces the instance
// and keeps its original position.
func (r *Registry) Register(name string, a Agent) error {
	if name == "" || a == nil {
		return models.Validationf("registry.register", "agent name and instance are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[name]; !ok {
		r.names = append(r.names, name)
	}
	r.agents[name] = a
	return nil
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, models.NotFound("registry.get", "agent "+name)
	}
	return a, nil
}

// List returns agent names in registration order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func (r *Registry) snapshot() ([]string, map[string]Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agents := make(map[string]Agent, len(r.agents))
	for k, v := range r.agents {
		agents[k] = v
	}
	return append([]string(nil), r.names...), agents
}

// StartAll starts agents one at a time. The first failure is returned and
// the remaining agents are not started.
func (r *Registry) StartAll(ctx context.Context) error {
	names, agents := r.snapshot()
	for _, name := range names {
		if err := agents[name].Start(ctx); err != nil {
			r.log.Error("agent failed to start", slog.String("agent", name), slog.Any("err", err))
			return fmt.Errorf("start agent %s: %w", name, err)
		}
		r.log.Info("agent started", slog.String("agent", name))
	}
	return nil
}

// StopAll stops every registered agent in reverse order, started or not,
// and returns all failures joined.
func (r *Registry) StopAll(ctx context.Context) error {
	names, agents := r.snapshot()
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		if err := stopAgent(ctx, agents[name]); err != nil {
			r.log.Error("agent failed to stop", slog.String("agent", name), slog.Any("err", err))
			errs = append(errs, fmt.Errorf("stop agent %s: %w", name, err))
			continue
		}
		r.log.Info("agent stopped", slog.String("agent", name))
	}
	return errors.Join(errs...)
}

func stopAgent(ctx context.Context, a Agent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return a.Stop(ctx)
}
