package server

import (
	"sync"

	"servctl/internal/module"
)

// StateStore holds the run and publish state of a server and of its modules.
// All state is guarded by one lock; notifications are sent after the lock is
// released so listeners always read the new value.
type StateStore struct {
	mu sync.RWMutex

	serverState        State
	serverPublishState PublishState
	serverRestart      bool
	mode               Mode

	moduleState        map[string]State
	modulePublishState map[string]PublishState
	moduleRestart      map[string]bool

	notify func(Event)
}

// NewStateStore returns a store in the given initial run state. notify is
// called for every state change that is announced.
func NewStateStore(initial State, notify func(Event)) *StateStore {
	if notify == nil {
		notify = func(Event) {}
	}
	return &StateStore{
		serverState:        initial,
		serverPublishState: PublishStateUnknown,
		moduleState:        make(map[string]State),
		modulePublishState: make(map[string]PublishState),
		moduleRestart:      make(map[string]bool),
		notify:             notify,
	}
}

// ServerState returns the run state of the server.
func (s *StateStore) ServerState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverState
}

// SetServerState changes the run state. Setting the current state again does
// nothing and sends no notification.
func (s *StateStore) SetServerState(state State) {
	s.mu.Lock()
	if s.serverState == state {
		s.mu.Unlock()
		return
	}
	s.serverState = state
	s.mu.Unlock()

	s.notify(Event{Kind: EventServerStateChange, State: state})
}

func (s *StateStore) ServerPublishState() PublishState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverPublishState
}

// SetServerPublishState changes the server publish state, notifying on change.
func (s *StateStore) SetServerPublishState(state PublishState) {
	s.mu.Lock()
	if s.serverPublishState == state {
		s.mu.Unlock()
		return
	}
	s.serverPublishState = state
	s.mu.Unlock()

	s.notify(Event{Kind: EventPublishSyncStateChange, PublishState: state})
}

// ServerRestartState reports whether the server needs a restart. A stopped
// server never needs one, whatever flag was stored.
func (s *StateStore) ServerRestartState() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.serverState == StateStopped {
		return false
	}
	return s.serverRestart
}

// SetServerRestartState stores the restart flag, notifying on change.
func (s *StateStore) SetServerRestartState(restart bool) {
	s.mu.Lock()
	if s.serverRestart == restart {
		s.mu.Unlock()
		return
	}
	s.serverRestart = restart
	s.mu.Unlock()

	s.notify(Event{Kind: EventRestartStateChange, Restart: restart})
}

// Mode returns the launch mode the server was last started in.
func (s *StateStore) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *StateStore) SetMode(mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// ModuleState returns the run state of m, StateUnknown when never set.
func (s *StateStore) ModuleState(m module.Module) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.moduleState[m.ID]; ok {
		return st
	}
	return StateUnknown
}

// SetModuleState records the run state of m and always notifies.
func (s *StateStore) SetModuleState(m module.Module, state State) {
	s.mu.Lock()
	s.moduleState[m.ID] = state
	s.mu.Unlock()

	s.notify(Event{Kind: EventModuleStateChange, Module: &m, State: state})
}

// ModulePublishState returns the publish state of m, PublishStateUnknown
// when never set.
func (s *StateStore) ModulePublishState(m module.Module) PublishState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.modulePublishState[m.ID]; ok {
		return st
	}
	return PublishStateUnknown
}

// SetModulePublishState records the publish state of m without notifying.
func (s *StateStore) SetModulePublishState(m module.Module, state PublishState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modulePublishState[m.ID] = state
}

// ModuleRestartState returns the restart flag of m.
func (s *StateStore) ModuleRestartState(m module.Module) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.moduleRestart[m.ID]
}

// SetModuleRestartState records the restart flag of m without notifying.
func (s *StateStore) SetModuleRestartState(m module.Module, restart bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moduleRestart[m.ID] = restart
}

// Snapshot is a consistent copy of the store.
type Snapshot struct {
	State              State                   `json:"state" yaml:"state"`
	PublishState       PublishState            `json:"publishState" yaml:"publishState"`
	RestartNeeded      bool                    `json:"restartNeeded" yaml:"restartNeeded"`
	Mode               Mode                    `json:"mode,omitempty" yaml:"mode,omitempty"`
	ModuleStates       map[string]State        `json:"moduleStates,omitempty" yaml:"moduleStates,omitempty"`
	ModulePublishState map[string]PublishState `json:"modulePublishStates,omitempty" yaml:"modulePublishStates,omitempty"`
}

// Snapshot copies the whole store under one lock.
func (s *StateStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		State:              s.serverState,
		PublishState:       s.serverPublishState,
		RestartNeeded:      s.serverRestart && s.serverState != StateStopped,
		Mode:               s.mode,
		ModuleStates:       make(map[string]State, len(s.moduleState)),
		ModulePublishState: make(map[string]PublishState, len(s.modulePublishState)),
	}
	for k, v := range s.moduleState {
		snap.ModuleStates[k] = v
	}
	for k, v := range s.modulePublishState {
		snap.ModulePublishState[k] = v
	}
	return snap
}
