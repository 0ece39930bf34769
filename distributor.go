package scrapequota

import (
	"sort"
	"sync"
)

// Distributor routes task types onto the Manager: it owns the
// task-type → (priority, category) mapping and forwards accounting calls.
// Unregistered task types default to PriorityMedium with no category.
type Distributor struct {
	manager *Manager

	mu    sync.RWMutex
	types map[string]taskTypeBinding
}

type taskTypeBinding struct {
	priority Priority
	category string
}

// NewDistributor creates a Distributor over the given manager, registering
// any task types declared in the manager's config.
func NewDistributor(m *Manager) *Distributor {
	d := &Distributor{
		manager: m,
		types:   make(map[string]taskTypeBinding),
	}
	for _, tt := range m.cfg.TaskTypes {
		d.types[tt.Name] = taskTypeBinding{priority: tt.Priority, category: tt.Category}
	}
	return d
}

// RegisterTaskType binds a task type to a priority and category, replacing
// any existing binding.
func (d *Distributor) RegisterTaskType(taskType string, priority Priority, category string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.types[taskType] = taskTypeBinding{priority: priority, category: category}
}

// SetTaskPriority updates the priority of a task type, registering it with
// an empty category if unknown. Used by operators to demote noisy task types
// at runtime.
func (d *Distributor) SetTaskPriority(taskType string, priority Priority) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.binding(taskType)
	b.priority = priority
	d.types[taskType] = b
}

// SetTaskCategory updates the category of a task type, registering it with
// PriorityMedium if unknown.
func (d *Distributor) SetTaskCategory(taskType string, category string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.binding(taskType)
	b.category = category
	d.types[taskType] = b
}

// binding returns the current binding or the default. Lock held.
func (d *Distributor) binding(taskType string) taskTypeBinding {
	if b, ok := d.types[taskType]; ok {
		return b
	}
	return taskTypeBinding{priority: PriorityMedium}
}

// Resolve returns the effective (priority, category) for a task type.
func (d *Distributor) Resolve(taskType string) (Priority, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b := d.binding(taskType)
	return b.priority, b.category
}

// CheckQuota reports whether a request for the task type would be allowed.
func (d *Distributor) CheckQuota(taskType string) bool {
	p, c := d.Resolve(taskType)
	return d.manager.CheckQuota(p, c)
}

// TryReserve atomically checks and consumes one request for the task type.
func (d *Distributor) TryReserve(taskType string) bool {
	p, c := d.Resolve(taskType)
	return d.manager.TryReserve(p, c)
}

// RecordUsage records count consumed requests against the task type's
// priority and category.
func (d *Distributor) RecordUsage(taskType string, count int) {
	p, c := d.Resolve(taskType)
	d.manager.RecordUsage(count, p, c)
}

// TaskTypesByPriority returns registered task types grouped by priority,
// each group sorted by name.
func (d *Distributor) TaskTypesByPriority() map[Priority][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[Priority][]string)
	for name, b := range d.types {
		out[b.priority] = append(out[b.priority], name)
	}
	for p := range out {
		sort.Strings(out[p])
	}
	return out
}

// TaskTypesByCategory returns registered task types grouped by category,
// each group sorted by name. Task types without a category are grouped
// under the empty string.
func (d *Distributor) TaskTypesByCategory() map[string][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string][]string)
	for name, b := range d.types {
		out[b.category] = append(out[b.category], name)
	}
	for c := range out {
		sort.Strings(out[c])
	}
	return out
}
