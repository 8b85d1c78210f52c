package server

import (
	"context"
	"fmt"
	"time"

	"servctl/internal/module"
	"servctl/internal/progress"
	"servctl/internal/status"
	"servctl/internal/task"
	"servctl/pkg/logging"
)

// Progress shares of a publish.
const (
	publishOverheadTicks = 2000
	publishModuleWeight  = 3500
	publishStartTicks    = 1000
	publishServerTicks   = 1000
	publishModuleTicks   = 3000
	publishStopTicks     = 500
)

// CanPublish reports whether a publish is possible right now and there is
// something out of sync, either the server itself or any of its modules.
func (s *Server) CanPublish(ctx context.Context) bool {
	switch s.ServerState() {
	case StateStarting, StateStopping:
		return false
	}
	if s.typ == nil || (s.typ.RequiresConfiguration && s.configuration == nil) {
		return false
	}
	if s.ServerPublishState() != PublishStateNone {
		return true
	}

	found := false
	_ = module.Walk(ctx, s, func(_ []module.Module, m module.Module) bool {
		if s.ModulePublishState(m) != PublishStateNone {
			found = true
			return false
		}
		return true
	})
	return found
}

// ShouldPublish reports whether a publish would actually change anything.
func (s *Server) ShouldPublish(ctx context.Context) bool {
	if !s.CanPublish(ctx) {
		return false
	}
	if s.ServerPublishState() != PublishStateNone {
		return true
	}
	return len(s.UnpublishedModules(ctx)) > 0
}

// UnpublishedModules returns the modules that changed since they were last
// published, each once, in traversal order.
func (s *Server) UnpublishedModules(ctx context.Context) []module.Module {
	var out []module.Module
	if s.typ != nil && s.typ.RequiresConfiguration && s.configuration == nil {
		return out
	}

	seen := make(map[string]bool)
	_ = module.Walk(ctx, s, func(parents []module.Module, m module.Module) bool {
		if seen[m.ID] || s.ModulePublishState(m) == PublishStateNone {
			return true
		}
		if s.publishControlDirty(parents, m) {
			seen[m.ID] = true
			out = append(out, m)
		}
		return true
	})
	logging.Debug("Publish", "Unpublished modules of %s: %v", s, out)
	return out
}

func (s *Server) publishControlDirty(parents []module.Module, m module.Module) bool {
	if s.publishInfo == nil {
		return true
	}
	return s.publishInfo.IsDirty(s.id, parents, m)
}

// PlanTasks initialises the registered tasks against the current module
// tree. Mandatory tasks run on the next publish; optional ones are only
// reported.
func (s *Server) PlanTasks(ctx context.Context) (mandatory, optional []task.Planned, err error) {
	occs, err := module.Collect(ctx, s)
	if err != nil {
		return nil, nil, err
	}
	mandatory, optional = task.Plan(s.tasks, s, occs)
	return mandatory, optional, nil
}

// Publish brings the server and all of its modules in sync. It never returns
// an error; every failure is part of the returned status. mon may be nil.
func (s *Server) Publish(ctx context.Context, mon progress.Monitor) *status.Status {
	if s.typ == nil {
		return status.Error(fmt.Sprintf("Could not publish to %s", s), ErrNoServerType)
	}
	if s.typ.RequiresConfiguration && s.configuration == nil {
		return status.Error(fmt.Sprintf("Could not publish to %s", s), ErrNoConfiguration)
	}
	d, err := s.Delegate()
	if err != nil {
		return status.Error(fmt.Sprintf("Could not publish to %s", s), err)
	}

	logging.Info("Publish", "Publishing to server %s", s)
	start := time.Now()

	taskOccs, err := module.Collect(ctx, s)
	if err != nil {
		logging.Info("Publish", "Publishing to %s cancelled while listing modules", s)
		return status.Cancel(fmt.Sprintf("Publishing to %s cancelled", s))
	}
	occs := make([]module.Occurrence, len(taskOccs))
	for i, occ := range taskOccs {
		if occ.Parents == nil {
			occ.Parents = module.RootPath
		}
		occs[i] = occ
	}

	plan, _ := task.Plan(s.tasks, s, taskOccs)

	mon = progress.OrNull(mon)
	mon.Begin(fmt.Sprintf("Publishing to %s", s), publishOverheadTicks+publishModuleWeight*len(occs)+task.TicksPerTask*len(plan))
	defer mon.Done()

	multi := status.NewBuilder(fmt.Sprintf("Publishing to %s", s))

	if ts := task.Perform(ctx, plan, mon); ts != nil {
		multi.Add(ts)
	}
	if ctx.Err() != nil {
		logging.Info("Publish", "Publishing to %s cancelled after tasks", s)
		return multi.Add(status.Cancel("Publishing cancelled")).Elapsed(time.Since(start)).Build()
	}

	s.listeners.Dispatch(Event{Kind: EventPublishStarted, Server: s})
	s.listeners.Dispatch(Event{Kind: EventPublishStarting, Server: s, Occurrences: occs})

	startedAt := time.Now()
	if err := s.callMonitored("publish start", mon, publishStartTicks, func(sub progress.Monitor) error {
		return d.PublishStart(ctx, sub)
	}); err != nil {
		logging.Error("Publish", err, "Error starting publish to %s", s)
		st := status.NewBuilder(fmt.Sprintf("Could not start publishing to %s", s)).
			Err(err).
			Elapsed(time.Since(startedAt)).
			Build()
		s.listeners.Dispatch(Event{Kind: EventPublishFinished, Server: s, Status: st})
		return st
	}

	configInSync := true
	if ctx.Err() == nil && s.typ.RequiresConfiguration {
		if err := s.callMonitored("publish server", mon, publishServerTicks, func(sub progress.Monitor) error {
			return d.PublishServer(ctx, sub)
		}); err != nil {
			logging.Error("Publish", err, "Error publishing configuration to %s", s)
			multi.Add(status.Warning(fmt.Sprintf("Could not publish configuration of %s", s), err))
			configInSync = false
		}
	}

	var published []module.Occurrence
	for _, occ := range occs {
		if ctx.Err() != nil {
			break
		}
		st := s.publishModule(ctx, d, occ, progress.Sub(mon, publishModuleTicks))
		multi.Add(st)
		if st.IsOK() {
			published = append(published, occ)
		}
	}

	// Runs even when cancelled so the delegate can release its connection.
	if err := s.callMonitored("publish stop", mon, publishStopTicks, func(sub progress.Monitor) error {
		return d.PublishStop(context.WithoutCancel(ctx), sub)
	}); err != nil {
		logging.Error("Publish", err, "Error stopping publish to %s", s)
	}

	cancelled := ctx.Err() != nil
	if cancelled {
		logging.Info("Publish", "Publishing to %s cancelled", s)
		multi.Add(status.Cancel("Publishing cancelled"))
	}

	for _, occ := range published {
		if s.publishInfo != nil {
			s.publishInfo.MarkPublished(s.id, occ.Parents, occ.Module)
		}
		s.state.SetModulePublishState(occ.Module, PublishStateNone)
	}
	if configInSync && !cancelled {
		s.state.SetServerPublishState(PublishStateNone)
	}

	result := multi.Elapsed(time.Since(start)).Build()
	s.listeners.Dispatch(Event{Kind: EventPublishFinished, Server: s, Status: result})

	if s.publishInfo != nil {
		if err := s.publishInfo.Save(s.id); err != nil {
			logging.Error("Publish", err, "Could not save publish state of %s", s)
		}
	}

	logging.Info("Publish", "Done publishing to %s in %s: %s", s, result.Elapsed(), result.Severity())
	return result
}

func (s *Server) publishModule(ctx context.Context, d Delegate, occ module.Occurrence, mon progress.Monitor) *status.Status {
	m := occ.Module
	logging.Debug("Publish", "Publishing module %s to %s", module.PathKey(occ.Parents, m), s)
	mon.Begin(fmt.Sprintf("Publishing %s", m), 1000)
	defer mon.Done()

	s.listeners.Dispatch(Event{Kind: EventModulePublishStarting, Server: s, Module: &m, Parents: occ.Parents})

	start := time.Now()
	err := s.call("publish module", func() error {
		return d.PublishModule(ctx, occ.Parents, m, mon)
	})

	b := status.NewBuilder(fmt.Sprintf("Published %s", m)).Module(m)
	if err != nil {
		logging.Error("Publish", err, "Error publishing module %s to %s", m, s)
		b.Message(fmt.Sprintf("Could not publish %s", m)).Err(err)
	}
	st := b.Elapsed(time.Since(start)).Build()

	s.listeners.Dispatch(Event{Kind: EventModulePublishFinished, Server: s, Module: &m, Parents: occ.Parents, Status: st})
	return st
}

// callMonitored runs a delegate operation with ticks of mon as its share.
func (s *Server) callMonitored(op string, mon progress.Monitor, ticks int, fn func(progress.Monitor) error) error {
	sub := progress.Sub(mon, ticks)
	defer sub.Done()
	return s.call(op, func() error { return fn(sub) })
}
