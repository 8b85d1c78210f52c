package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"servctl/internal/module"
	"servctl/internal/progress"
	"servctl/internal/status"
	"servctl/pkg/logging"
)

// TicksPerTask is the progress share of a single task.
const TicksPerTask = 500

// Planned is one initialised task together with what it was planned for.
type Planned struct {
	Task  Task
	Scope Scope
	// Occurrence is set for module-scoped tasks.
	Occurrence *module.Occurrence
}

// Info describes a planned task for display.
type Info struct {
	Name   string `json:"name" yaml:"name"`
	Order  int    `json:"order" yaml:"order"`
	Scope  Scope  `json:"scope" yaml:"scope"`
	Status Status `json:"status" yaml:"status"`
	Module string `json:"module,omitempty" yaml:"module,omitempty"`
}

func (p Planned) Info() Info {
	info := Info{
		Name:   p.Task.Name(),
		Order:  p.Task.Order(),
		Scope:  p.Scope,
		Status: p.Task.Status(),
	}
	if p.Occurrence != nil {
		info.Module = p.Occurrence.Key()
	}
	return info
}

// Plan initialises every registered task for target and the given module
// occurrences. Mandatory tasks are returned as the plan; preferred tasks are
// returned separately and are never run automatically. Both lists are sorted
// by Order; ties keep discovery order, which is server tasks first and then
// module tasks per occurrence, per factory.
func Plan(reg *Registry, target Target, occurrences []module.Occurrence) (mandatory, optional []Planned) {
	keep := func(p Planned) {
		switch p.Task.Status() {
		case StatusMandatory:
			mandatory = append(mandatory, p)
		case StatusPreferred:
			optional = append(optional, p)
		}
	}

	for _, factory := range reg.ServerTasks() {
		t := factory()
		t.Init(target, occurrences)
		keep(Planned{Task: t, Scope: ScopeServer})
	}

	moduleFactories := reg.ModuleTasks()
	for i := range occurrences {
		occ := occurrences[i]
		for _, factory := range moduleFactories {
			t := factory()
			t.Init(target, occ)
			keep(Planned{Task: t, Scope: ScopeModule, Occurrence: &occ})
		}
	}

	sortPlanned(mandatory)
	sortPlanned(optional)
	return mandatory, optional
}

func sortPlanned(p []Planned) {
	sort.SliceStable(p, func(i, j int) bool {
		return p[i].Task.Order() < p[j].Task.Order()
	})
}

// Perform runs the plan in order and aggregates one child status per task
// that ran. It stops before the next task once ctx is done. It never fails:
// panics and task failures become error children. An empty plan yields nil.
func Perform(ctx context.Context, plan []Planned, mon progress.Monitor) *status.Status {
	logging.Debug("Tasks", "Performing %d tasks", len(plan))
	if len(plan) == 0 {
		return nil
	}
	mon = progress.OrNull(mon)

	start := time.Now()
	b := status.NewBuilder("Performing tasks")
	for _, p := range plan {
		if ctx.Err() != nil {
			logging.Info("Tasks", "Task execution cancelled before %s", p.Task.Name())
			break
		}
		mon.SubTask(fmt.Sprintf("Performing task %s", p.Task.Name()))
		b.Add(performOne(ctx, p, progress.Sub(mon, TicksPerTask)))
	}
	return b.Elapsed(time.Since(start)).Build()
}

func performOne(ctx context.Context, p Planned, mon progress.Monitor) (st *status.Status) {
	start := time.Now()
	name := p.Task.Name()
	defer mon.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Tasks", fmt.Errorf("panic: %v", r), "Task %s panicked\n%s", name, debug.Stack())
			st = status.NewBuilder(fmt.Sprintf("Task %s failed", name)).
				Severity(status.SeverityError).
				Err(fmt.Errorf("task panicked: %v", r)).
				Elapsed(time.Since(start)).
				Build()
		}
	}()

	res := p.Task.Perform(ctx, mon)
	b := status.NewBuilder(fmt.Sprintf("Task %s", name)).Elapsed(time.Since(start))
	if p.Occurrence != nil {
		b.Module(p.Occurrence.Module)
	}
	if res != nil {
		if res.Severity() >= status.SeverityError {
			logging.Warn("Tasks", "Task %s reported %s: %s", name, res.Severity(), res.Message())
		}
		b.Add(res)
	}
	return b.Build()
}
