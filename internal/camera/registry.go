package camera

import "sync"

// Registry hands out exactly one Controller per device name, process-wide.
// The camera is shared hardware: two controllers driving the same device
// would fight over it. The registry guards identity only; streaming state
// lives in the controller.
type Registry struct {
	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewRegistry creates an empty registry. Tests build their own registry per
// case instead of resetting hidden globals.
func NewRegistry() *Registry {
	return &Registry{controllers: make(map[string]*Controller)}
}

// GetOrCreate returns the controller for name, invoking build at most once
// per name even under concurrent first access.
func (r *Registry) GetOrCreate(name string, build func() *Controller) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.controllers[name]; ok {
		return c
	}
	c := build()
	r.controllers[name] = c
	return c
}

// Get returns the controller for name, or nil when none exists yet.
func (r *Registry) Get(name string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controllers[name]
}
