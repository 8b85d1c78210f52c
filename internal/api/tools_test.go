package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servctl/internal/server"
)

type handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

func call(t *testing.T, h handler, args map[string]interface{}) (*mcp.CallToolResult, string) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return res, text.Text
}

func TestServerTools_Definitions(t *testing.T) {
	tools := NewServerTools(nil).Tools()
	names := make(map[string]bool)
	for _, tool := range tools {
		names[tool.Name] = true
	}
	for _, name := range []string{
		"server_list", "server_status", "server_start", "server_stop", "server_restart",
		"server_publish", "server_unpublished", "server_tasks", "server_set_attribute", "module_restart",
	} {
		assert.True(t, names[name], name)
	}
	assert.Len(t, tools, 10)
}

func TestHandleServerList(t *testing.T) {
	f := newFixture(t)
	st := NewServerTools(f.manager)

	res, text := call(t, st.HandleServerList, nil)
	assert.False(t, res.IsError)

	var out struct {
		Servers []ServerSummary `json:"servers"`
		Total   int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, "api", out.Servers[0].ID)
	assert.Equal(t, "shop", out.Servers[1].ID)
	assert.Equal(t, "stopped", out.Servers[1].State)
	assert.Equal(t, "instant.server", out.Servers[1].Type)
}

func TestHandleServerStatus(t *testing.T) {
	f := newFixture(t)
	st := NewServerTools(f.manager)
	s, err := f.manager.Get("shop")
	require.NoError(t, err)
	s.SetAttribute("owner", "team-a")

	res, text := call(t, st.HandleServerStatus, map[string]interface{}{"id": "shop"})
	require.False(t, res.IsError, text)

	var info ServerInfo
	require.NoError(t, json.Unmarshal([]byte(text), &info))
	assert.Equal(t, "Shop", info.Name)
	assert.Equal(t, "localhost", info.Hostname)
	require.Len(t, info.Modules, 2)
	assert.Equal(t, "ear", info.Modules[0].Path)
	assert.Equal(t, "ear/web", info.Modules[1].Path)
	assert.Empty(t, info.Ports)
	assert.Equal(t, "team-a", info.Attributes["owner"])
	assert.GreaterOrEqual(t, info.Listeners.Dispatched, int64(1))
	assert.Equal(t, s.Listeners().Len(), info.Listeners.Registered)

	res, _ = call(t, st.HandleServerStatus, map[string]interface{}{"id": "nope"})
	assert.True(t, res.IsError)
	res, _ = call(t, st.HandleServerStatus, nil)
	assert.True(t, res.IsError)
}

func TestHandleServerStartStop(t *testing.T) {
	f := newFixture(t)
	st := NewServerTools(f.manager)
	s, _ := f.manager.Get("shop")

	res, text := call(t, st.HandleServerStart, map[string]interface{}{"id": "shop", "wait": true, "timeout": 5})
	require.False(t, res.IsError, text)
	assert.Equal(t, server.StateStarted, s.ServerState())
	assert.Equal(t, server.ModeRun, s.Mode())

	res, _ = call(t, st.HandleServerStart, map[string]interface{}{"id": "shop"})
	assert.True(t, res.IsError, "already started")

	res, text = call(t, st.HandleServerStop, map[string]interface{}{"id": "shop", "wait": true})
	require.False(t, res.IsError, text)
	assert.Equal(t, server.StateStopped, s.ServerState())

	res, text = call(t, st.HandleServerStart, map[string]interface{}{"id": "shop", "mode": "debug"})
	require.False(t, res.IsError, text)
	assert.Contains(t, text, "is starting")
	assert.Equal(t, server.ModeDebug, s.Mode())

	res, text = call(t, st.HandleServerStop, map[string]interface{}{"id": "shop", "force": true})
	require.False(t, res.IsError, text)
	assert.Equal(t, server.StateStopped, s.ServerState())

	res, _ = call(t, st.HandleServerStart, map[string]interface{}{"id": "shop", "mode": "profile"})
	assert.True(t, res.IsError, "unsupported mode")
}

func TestHandleServerRestart(t *testing.T) {
	f := newFixture(t)
	st := NewServerTools(f.manager)
	s, _ := f.manager.Get("shop")

	res, _ := call(t, st.HandleServerRestart, map[string]interface{}{"id": "shop"})
	assert.True(t, res.IsError, "stopped servers are not restarted")

	_, err := s.Start(context.Background(), server.ModeRun)
	require.NoError(t, err)

	res, text := call(t, st.HandleServerRestart, map[string]interface{}{"id": "shop", "wait": true, "timeout": 5})
	require.False(t, res.IsError, text)
	assert.Equal(t, server.StateStarted, s.ServerState())
}

func TestHandleServerPublish(t *testing.T) {
	f := newFixture(t)
	st := NewServerTools(f.manager)
	s, _ := f.manager.Get("shop")
	s.SetAttribute("color", "blue")

	res, text := call(t, st.HandleServerTasks, map[string]interface{}{"id": "shop"})
	require.False(t, res.IsError, text)
	assert.Contains(t, text, "save-server")

	res, text = call(t, st.HandleServerUnpublished, map[string]interface{}{"id": "shop"})
	require.False(t, res.IsError, text)

	res, text = call(t, st.HandleServerPublish, map[string]interface{}{"id": "shop"})
	require.False(t, res.IsError, text)
	assert.Equal(t, server.PublishStateNone, s.ServerPublishState())
	assert.False(t, s.IsDirty())

	rec, err := f.storage.Load("shop")
	require.NoError(t, err)
	assert.Equal(t, "blue", rec.Attributes["color"])

	res, text = call(t, st.HandleServerUnpublished, map[string]interface{}{"id": "shop"})
	require.False(t, res.IsError, text)
	var out struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.Equal(t, 0, out.Total)
}

func TestHandleSetAttribute(t *testing.T) {
	f := newFixture(t)
	st := NewServerTools(f.manager)
	s, _ := f.manager.Get("api")

	res, text := call(t, st.HandleSetAttribute, map[string]interface{}{"id": "api", "key": "replicas", "value": "3"})
	require.False(t, res.IsError, text)
	assert.Equal(t, "3", s.Attribute("replicas", ""))
	assert.True(t, s.IsDirty())

	res, text = call(t, st.HandleSetAttribute, map[string]interface{}{"id": "api", "key": "replicas", "value": "4", "save": true})
	require.False(t, res.IsError, text)
	assert.False(t, s.IsDirty())
	rec, err := f.storage.Load("api")
	require.NoError(t, err)
	assert.Equal(t, "4", rec.Attributes["replicas"])

	res, _ = call(t, st.HandleSetAttribute, map[string]interface{}{"id": "api", "key": "replicas"})
	assert.True(t, res.IsError)
}

func TestHandleModuleRestart(t *testing.T) {
	f := newFixture(t)
	st := NewServerTools(f.manager)
	s, _ := f.manager.Get("shop")
	_, err := s.Start(context.Background(), server.ModeRun)
	require.NoError(t, err)

	res, text := call(t, st.HandleModuleRestart, map[string]interface{}{"id": "shop", "module": "web", "wait": true, "timeout": 5})
	require.False(t, res.IsError, text)
	web, _ := s.DeclaredModules().Lookup("web")
	assert.Equal(t, server.StateStarted, s.ModuleState(web))

	res, _ = call(t, st.HandleModuleRestart, map[string]interface{}{"id": "shop", "module": "nope"})
	assert.True(t, res.IsError)
	res, _ = call(t, st.HandleModuleRestart, map[string]interface{}{"id": "shop"})
	assert.True(t, res.IsError)
}
