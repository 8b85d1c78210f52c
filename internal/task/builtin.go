package task

import (
	"context"
	"fmt"

	"servctl/internal/module"
	"servctl/internal/progress"
	"servctl/internal/status"
	"servctl/pkg/logging"
)

const (
	// OrderSaveServer runs the save before anything else touches the server.
	OrderSaveServer = -100
	// OrderModuleCompatibility runs ahead of user script tasks.
	OrderModuleCompatibility = -50
)

// Dirtier is implemented by targets that track unsaved changes.
type Dirtier interface {
	IsDirty() bool
}

// SaveFunc persists a target.
type SaveFunc func(ctx context.Context, target Target) error

// NewSaveServerTaskFactory returns a factory for the task that saves a
// server with unsaved attribute changes before it is published.
func NewSaveServerTaskFactory(save SaveFunc) ServerTaskFactory {
	return func() ServerTask {
		return &saveServerTask{save: save}
	}
}

type saveServerTask struct {
	save   SaveFunc
	target Target
	dirty  bool
}

func (t *saveServerTask) Name() string { return "save-server" }
func (t *saveServerTask) Order() int   { return OrderSaveServer }

func (t *saveServerTask) Init(target Target, _ []module.Occurrence) {
	t.target = target
	if d, ok := target.(Dirtier); ok {
		t.dirty = d.IsDirty()
	}
}

func (t *saveServerTask) Status() Status {
	if t.dirty {
		return StatusMandatory
	}
	return StatusUnnecessary
}

func (t *saveServerTask) Perform(ctx context.Context, mon progress.Monitor) *status.Status {
	mon.Begin(fmt.Sprintf("Saving %s", t.target.Name()), 1)
	defer mon.Done()

	if err := t.save(ctx, t.target); err != nil {
		logging.Error("Tasks", err, "Failed to save server %s", t.target.ID())
		return status.Error(fmt.Sprintf("Could not save server %s", t.target.Name()), err)
	}
	mon.Worked(1)
	return status.OK(fmt.Sprintf("Saved server %s", t.target.Name()))
}

// ConstraintLookup returns the module constraints of a server type.
type ConstraintLookup func(typeID string) []module.Constraint

// NewModuleCompatibilityTaskFactory returns a factory for the task that
// rejects modules whose type or version the server type does not accept.
// The task is only mandatory for server types that declare constraints.
func NewModuleCompatibilityTaskFactory(lookup ConstraintLookup) ModuleTaskFactory {
	return func() ModuleTask {
		return &moduleCompatibilityTask{lookup: lookup}
	}
}

type moduleCompatibilityTask struct {
	lookup      ConstraintLookup
	constraints []module.Constraint
	occurrence  module.Occurrence
}

func (t *moduleCompatibilityTask) Name() string { return "module-compatibility" }
func (t *moduleCompatibilityTask) Order() int   { return OrderModuleCompatibility }

func (t *moduleCompatibilityTask) Init(target Target, occ module.Occurrence) {
	t.occurrence = occ
	t.constraints = t.lookup(target.TypeID())
}

func (t *moduleCompatibilityTask) Status() Status {
	if len(t.constraints) == 0 {
		return StatusUnnecessary
	}
	return StatusMandatory
}

func (t *moduleCompatibilityTask) Perform(_ context.Context, mon progress.Monitor) *status.Status {
	mon.Begin("", 1)
	defer mon.Done()

	m := t.occurrence.Module
	if err := module.Supported(t.constraints, m); err != nil {
		return status.NewBuilder(fmt.Sprintf("Module %s is not compatible", m)).Module(m).Err(err).Build()
	}
	mon.Worked(1)
	return status.NewBuilder(fmt.Sprintf("Module %s is compatible", m)).Module(m).Build()
}
