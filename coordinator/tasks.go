package coordinator

import (
	"time"

	"github.com/c360studio/taskforge/registry"
)

// TaskSummary is the list_tasks projection (spec.md §6.1 "[Task
// summary]"): enough to pick a task_ref without shipping its full
// source and schemas over the façade.
type TaskSummary struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Fingerprint  string    `json:"fingerprint"`
	Stale        bool      `json:"stale"`
	RegisteredAt time.Time `json:"registered_at"`
	Summary      string    `json:"summary"`
}

func summarize(t *registry.Task) TaskSummary {
	return TaskSummary{
		Name:         t.Name,
		Version:      t.Version,
		Fingerprint:  t.Fingerprint,
		Stale:        t.Stale,
		RegisteredAt: t.RegisteredAt,
		Summary:      registry.Summarize(t),
	}
}

// ListTasks returns a summary of every task matching filter.
func (c *Coordinator) ListTasks(filter registry.ListFilter) []TaskSummary {
	tasks := c.registry.List(filter)
	out := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, summarize(t))
	}
	return out
}

// GetTask resolves taskRef (name, name@version, or fingerprint) to its
// full Task, per registry.Registry.Resolve's resolution rules.
func (c *Coordinator) GetTask(taskRef string) (*registry.Task, error) {
	return c.registry.Resolve(taskRef)
}
