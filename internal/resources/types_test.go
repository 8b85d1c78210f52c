package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servctl/internal/config"
	"servctl/internal/module"
	"servctl/internal/server"
)

func TestTypeFromDefinition(t *testing.T) {
	typ, err := TypeFromDefinition(config.ServerTypeDefinition{
		ID:                    "jboss",
		Delegate:              "process",
		InitialState:          "started",
		RequiresConfiguration: true,
		LaunchModes:           []string{"run", "debug"},
		ModuleTypes:           []module.Constraint{{Type: "jee.ear"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "jboss", typ.Name)
	assert.Equal(t, server.StateStarted, typ.InitialState)
	assert.True(t, typ.RequiresConfiguration)
	assert.True(t, typ.SupportsMode(server.ModeDebug))
	assert.False(t, typ.SupportsMode(server.ModeProfile))
	require.Len(t, typ.ModuleTypes, 1)

	typ, err = TypeFromDefinition(config.ServerTypeDefinition{ID: "plain", Delegate: "process"})
	require.NoError(t, err)
	assert.Equal(t, server.StateStopped, typ.InitialState)
	assert.Equal(t, []server.Mode{server.ModeRun}, typ.LaunchModes)

	_, err = TypeFromDefinition(config.ServerTypeDefinition{ID: "bad", InitialState: "sleeping"})
	assert.Error(t, err)
}

func TestRegisterTypes_ConfiguredOverridesBuiltin(t *testing.T) {
	reg := server.NewTypeRegistry()
	require.NoError(t, RegisterTypes(reg, []config.ServerTypeDefinition{
		{ID: TypeLocalProcess, Name: "Custom", Delegate: "process"},
	}))

	typ, ok := reg.Type(TypeLocalProcess)
	require.True(t, ok)
	assert.Equal(t, "Custom", typ.Name)

	_, ok = reg.Type(TypeKubernetes)
	assert.True(t, ok)
}
