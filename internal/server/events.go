package server

import (
	"strings"

	"servctl/internal/module"
	"servctl/internal/status"
)

// EventKind identifies a notification. Kinds are bit flags so a listener can
// subscribe to several at once.
type EventKind uint32

const (
	EventServerStateChange EventKind = 1 << iota
	EventModuleStateChange
	EventRestartStateChange
	EventPublishSyncStateChange
	EventModulePublishStateChange
	EventPublishStarting
	EventPublishStarted
	EventPublishFinished
	EventModulePublishStarting
	EventModulePublishFinished
	EventAttributeChange

	EventAll EventKind = 1<<iota - 1
)

var eventNames = []struct {
	kind EventKind
	name string
}{
	{EventServerStateChange, "server-state-change"},
	{EventModuleStateChange, "module-state-change"},
	{EventRestartStateChange, "restart-state-change"},
	{EventPublishSyncStateChange, "publish-sync-state-change"},
	{EventModulePublishStateChange, "module-publish-state-change"},
	{EventPublishStarting, "publish-starting"},
	{EventPublishStarted, "publish-started"},
	{EventPublishFinished, "publish-finished"},
	{EventModulePublishStarting, "module-publish-starting"},
	{EventModulePublishFinished, "module-publish-finished"},
	{EventAttributeChange, "attribute-change"},
}

func (k EventKind) String() string {
	var names []string
	for _, e := range eventNames {
		if k&e.kind != 0 {
			names = append(names, e.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Event is delivered to listeners. Only the fields relevant to Kind are set.
type Event struct {
	Kind   EventKind
	Server *Server

	// Module and Parents identify the module for module-scoped events.
	Module  *module.Module
	Parents []module.Module

	// Occurrences lists everything about to be published, for
	// EventPublishStarting.
	Occurrences []module.Occurrence

	State        State
	PublishState PublishState
	Restart      bool

	// Status is set for the publish finished events.
	Status *status.Status

	// Attribute is the changed key for EventAttributeChange.
	Attribute string
}

// Listener receives server events.
type Listener interface {
	HandleEvent(ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev Event)

func (f ListenerFunc) HandleEvent(ev Event) { f(ev) }
