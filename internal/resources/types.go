package resources

import (
	"fmt"

	"servctl/internal/config"
	"servctl/internal/delegate/kubernetes"
	"servctl/internal/delegate/process"
	"servctl/internal/server"
)

// Built-in server type ids.
const (
	TypeLocalProcess = "local.process"
	TypeKubernetes   = "kubernetes.deployment"
)

// BuiltinTypes returns the server types available without configuration.
func BuiltinTypes() []*server.Type {
	return []*server.Type{
		{
			ID:           TypeLocalProcess,
			Name:         "Local process",
			Delegate:     process.DelegateKey,
			InitialState: server.StateStopped,
			LaunchModes:  []server.Mode{server.ModeRun, server.ModeDebug, server.ModeProfile},
		},
		{
			// The workload may already run when servctl starts.
			ID:           TypeKubernetes,
			Name:         "Kubernetes deployment",
			Delegate:     kubernetes.DelegateKey,
			InitialState: server.StateUnknown,
			LaunchModes:  []server.Mode{server.ModeRun},
		},
	}
}

// TypeFromDefinition converts a configured server type.
func TypeFromDefinition(def config.ServerTypeDefinition) (*server.Type, error) {
	initial, err := server.ParseState(def.InitialState)
	if err != nil {
		return nil, fmt.Errorf("server type %s: %w", def.ID, err)
	}
	if def.InitialState == "" {
		initial = server.StateStopped
	}
	t := &server.Type{
		ID:                    def.ID,
		Name:                  def.Name,
		Delegate:              def.Delegate,
		InitialState:          initial,
		RequiresConfiguration: def.RequiresConfiguration,
		ModuleTypes:           def.ModuleTypes,
	}
	if t.Name == "" {
		t.Name = def.ID
	}
	for _, m := range def.LaunchModes {
		t.LaunchModes = append(t.LaunchModes, server.Mode(m))
	}
	if len(t.LaunchModes) == 0 {
		t.LaunchModes = []server.Mode{server.ModeRun}
	}
	return t, nil
}

// RegisterTypes registers the built-in types followed by the configured
// ones, which replace built-ins of the same id.
func RegisterTypes(reg *server.TypeRegistry, defs []config.ServerTypeDefinition) error {
	for _, t := range BuiltinTypes() {
		reg.RegisterType(t)
	}
	for _, def := range defs {
		t, err := TypeFromDefinition(def)
		if err != nil {
			return err
		}
		reg.RegisterType(t)
	}
	return nil
}
