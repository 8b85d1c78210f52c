package task

import "sync"

// Registry holds the task factories available to every server.
type Registry struct {
	mu          sync.RWMutex
	serverTasks []ServerTaskFactory
	moduleTasks []ModuleTaskFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddServerTask registers a server-scoped factory. Factories are consulted in
// registration order.
func (r *Registry) AddServerTask(f ServerTaskFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serverTasks = append(r.serverTasks, f)
}

// AddModuleTask registers a module-scoped factory.
func (r *Registry) AddModuleTask(f ModuleTaskFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moduleTasks = append(r.moduleTasks, f)
}

// ServerTasks returns a snapshot of the server-scoped factories.
func (r *Registry) ServerTasks() []ServerTaskFactory {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ServerTaskFactory(nil), r.serverTasks...)
}

// ModuleTasks returns a snapshot of the module-scoped factories.
func (r *Registry) ModuleTasks() []ModuleTaskFactory {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ModuleTaskFactory(nil), r.moduleTasks...)
}
