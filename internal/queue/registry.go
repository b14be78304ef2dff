// Package queue implements the cron-driven job processor: a database-backed
// queue ticked by HTTP cron endpoints rather than long-lived workers. Each
// tick recovers orphaned work, claims a batch of eligible jobs, and
// dispatches them to registered handlers.
package queue

import (
	"context"
	"sort"

	"github.com/npdlabs/npd/internal/model"
)

// Handler processes one claimed job. The returned map is persisted as the
// job's result on success; a returned error is classified by the shared
// back-off policy to decide between requeue and terminal failure.
type Handler func(ctx context.Context, job *model.Job) (map[string]any, error)

// Registry maps job types to handlers. Registration happens once at startup;
// the registry is read-only afterwards and safe for concurrent ticks.
type Registry struct {
	handlers map[model.JobType]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.JobType]Handler)}
}

// Register binds a handler to a job type, replacing any previous binding.
func (r *Registry) Register(jobType model.JobType, h Handler) {
	r.handlers[jobType] = h
}

// Lookup returns the handler for a job type.
func (r *Registry) Lookup(jobType model.JobType) (Handler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types in stable order.
func (r *Registry) Types() []model.JobType {
	types := make([]model.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
