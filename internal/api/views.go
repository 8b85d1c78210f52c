package api

import (
	"context"

	"servctl/internal/module"
	"servctl/internal/server"
)

// ServerSummary is one row of server_list.
type ServerSummary struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Type            string `json:"type"`
	State           string `json:"state"`
	Publish         string `json:"publish"`
	RestartRequired bool   `json:"restartRequired"`
}

// ModuleInfo describes one module occurrence of a server.
type ModuleInfo struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Type            string `json:"type"`
	Path            string `json:"path"`
	State           string `json:"state"`
	Publish         string `json:"publish"`
	RestartRequired bool   `json:"restartRequired"`
}

// ServerInfo is the result of server_status.
type ServerInfo struct {
	ServerSummary
	Mode          string                `json:"mode,omitempty"`
	Hostname      string                `json:"hostname"`
	Runtime       string                `json:"runtime,omitempty"`
	Configuration *server.Configuration `json:"configuration,omitempty"`
	Dirty         bool                  `json:"unsavedChanges"`
	Ports         []server.Port         `json:"ports,omitempty"`
	Attributes    map[string]string     `json:"attributes"`
	Modules       []ModuleInfo          `json:"modules"`
	Listeners     server.ListenerStats  `json:"listeners"`
}

func summarize(s *server.Server) ServerSummary {
	snap := s.Snapshot()
	return ServerSummary{
		ID:              s.ID(),
		Name:            s.Name(),
		Type:            s.TypeID(),
		State:           snap.State.String(),
		Publish:         snap.PublishState.String(),
		RestartRequired: snap.RestartNeeded,
	}
}

func describe(ctx context.Context, s *server.Server) (ServerInfo, error) {
	info := ServerInfo{
		ServerSummary: summarize(s),
		Mode:          string(s.Mode()),
		Hostname:      s.Hostname(),
		Runtime:       s.RuntimeID(),
		Configuration: s.Configuration(),
		Dirty:         s.IsDirty(),
		Attributes:    s.Attributes(),
		Modules:       []ModuleInfo{},
		Listeners:     s.Listeners().Stats(),
	}
	// Ports needs a delegate; don't create one just to describe the server.
	if s.DelegateLoaded() {
		info.Ports = s.Ports()
	}

	occs, err := module.Collect(ctx, s.DeclaredModules())
	if err != nil {
		return info, err
	}
	for _, occ := range occs {
		m := occ.Module
		info.Modules = append(info.Modules, ModuleInfo{
			ID:              m.ID,
			Name:            m.Name,
			Type:            m.Type,
			Path:            occ.Key(),
			State:           s.ModuleState(m).String(),
			Publish:         s.ModulePublishState(m).String(),
			RestartRequired: s.ModuleRestartState(m),
		})
	}
	return info, nil
}
