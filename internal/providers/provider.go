// Package providers defines the external collaborators the queue runtime
// dispatches to: a provider registry mapping (provider, task type) to a run
// function, and a model repository the runtime consults at dispatch time.
// Both are deliberately thin — model resolution, task-graph orchestration,
// and input validation are out of scope for the queue.
package providers

import (
	"context"
	"fmt"
)

// ProgressFunc reports execution progress. The queue runtime supplies a
// coalescing wrapper, so run functions may call this as often as they like.
type ProgressFunc func(progress float64, message string, details map[string]any)

// CancelSignal offers a non-blocking cancellation test and an on-cancel
// registration hook for cooperative cancellation of long-running work.
type CancelSignal interface {
	IsCancelled() bool
	OnCancel(fn func())
}

// RunFunc is the caller-supplied executor associated with a
// (provider, task_type) pair.
type RunFunc func(ctx context.Context, input []byte, model *Model, progress ProgressFunc, cancel CancelSignal) (output []byte, err error)

// Registry maps (provider_name, task_type) to a RunFunc.
type Registry interface {
	Resolve(provider, taskType string) (RunFunc, bool)
}

// Model is the minimal model record the runtime attaches to job context at
// dispatch time.
type Model struct {
	Name string
	Task string
}

// ModelRepository is the external model lookup collaborator.
type ModelRepository interface {
	FindByName(ctx context.Context, name string) (*Model, error)
	FindModelsByTask(ctx context.Context, task string) ([]*Model, error)
}

// StaticRegistry is a map-backed Registry, the ergonomic default for
// processes that do not need a dynamic provider registration mechanism.
type StaticRegistry struct {
	funcs map[string]RunFunc
}

// NewStaticRegistry creates an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{funcs: make(map[string]RunFunc)}
}

// Register associates provider+taskType with fn, overwriting any prior
// registration.
func (r *StaticRegistry) Register(provider, taskType string, fn RunFunc) {
	r.funcs[key(provider, taskType)] = fn
}

func (r *StaticRegistry) Resolve(provider, taskType string) (RunFunc, bool) {
	fn, ok := r.funcs[key(provider, taskType)]
	return fn, ok
}

func key(provider, taskType string) string {
	return fmt.Sprintf("%s::%s", provider, taskType)
}

// StaticModelRepository is a map-backed ModelRepository.
type StaticModelRepository struct {
	byName map[string]*Model
}

// NewStaticModelRepository creates a repository seeded with models.
func NewStaticModelRepository(models ...*Model) *StaticModelRepository {
	r := &StaticModelRepository{byName: make(map[string]*Model, len(models))}
	for _, m := range models {
		r.byName[m.Name] = m
	}
	return r
}

func (r *StaticModelRepository) FindByName(_ context.Context, name string) (*Model, error) {
	m, ok := r.byName[name]
	if !ok {
		return nil, nil
	}
	return m, nil
}

func (r *StaticModelRepository) FindModelsByTask(_ context.Context, task string) ([]*Model, error) {
	var out []*Model
	for _, m := range r.byName {
		if m.Task == task {
			out = append(out, m)
		}
	}
	return out, nil
}
