package progress

import "sync"

// Registry tracks the live Bus for each in-flight task, letting the API
// layer look up a task's bus by ID without threading it through every
// function call.
type Registry struct {
	mu    sync.RWMutex
	buses map[string]*Bus
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{buses: make(map[string]*Bus)}
}

// Create allocates a new Bus for taskID, registers it, and returns it. If a
// bus already exists for taskID it is replaced; callers are expected to
// call Create exactly once per task at task-start time.
func (r *Registry) Create(taskID string) *Bus {
	bus := New(taskID)
	r.mu.Lock()
	r.buses[taskID] = bus
	r.mu.Unlock()
	return bus
}

// Get returns the Bus registered for taskID, if any.
func (r *Registry) Get(taskID string) (*Bus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bus, ok := r.buses[taskID]
	return bus, ok
}

// Remove drops taskID's bus from the registry without closing it. Callers
// close the bus (via its terminal Publish or Close) before or after
// removing it; Remove only stops new Subscribe/Get calls from finding it.
func (r *Registry) Remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buses, taskID)
}
