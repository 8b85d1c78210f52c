// Package task plans and runs the ordered pre-publish work of a server.
//
// Tasks come from factories held in a Registry. Server-scoped tasks see the
// whole set of module occurrences; module-scoped tasks are instantiated once
// per occurrence. After initialisation a task reports how much it is needed:
// only mandatory tasks are run by a publish, preferred tasks are surfaced to
// the caller as optional work.
package task

import (
	"context"
	"fmt"
	"strings"

	"servctl/internal/module"
	"servctl/internal/progress"
	"servctl/internal/status"
)

// Status classifies how much a task is needed.
type Status int

const (
	StatusUnnecessary Status = iota
	StatusCompleted
	StatusPreferred
	StatusMandatory
)

func (s Status) String() string {
	switch s {
	case StatusUnnecessary:
		return "unnecessary"
	case StatusCompleted:
		return "completed"
	case StatusPreferred:
		return "preferred"
	case StatusMandatory:
		return "mandatory"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Scope says whether a task runs once for the server or once per module.
type Scope string

const (
	ScopeServer Scope = "server"
	ScopeModule Scope = "module"
)

// ParseScope accepts "server" or "module", case-insensitively.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(s)) {
	case ScopeServer:
		return ScopeServer, nil
	case ScopeModule:
		return ScopeModule, nil
	}
	return "", fmt.Errorf("unknown task scope %q", s)
}

// Target is the read-only view of a server that tasks are initialised with.
type Target interface {
	ID() string
	Name() string
	TypeID() string
	ConfigurationID() string
}

// Task is the common part of server and module tasks.
type Task interface {
	Name() string
	// Order positions the task in the plan; lower runs first.
	Order() int
	// Status is only meaningful after Init.
	Status() Status
	// Perform does the work. A nil result counts as success.
	Perform(ctx context.Context, mon progress.Monitor) *status.Status
}

// ServerTask runs once per publish and sees every module occurrence.
type ServerTask interface {
	Task
	Init(target Target, occurrences []module.Occurrence)
}

// ModuleTask runs once per module occurrence.
type ModuleTask interface {
	Task
	Init(target Target, occurrence module.Occurrence)
}

// ServerTaskFactory returns a fresh, uninitialised server task.
type ServerTaskFactory func() ServerTask

// ModuleTaskFactory returns a fresh, uninitialised module task.
type ModuleTaskFactory func() ModuleTask
