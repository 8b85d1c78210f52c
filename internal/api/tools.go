package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"servctl/internal/module"
	"servctl/internal/progress"
	"servctl/internal/server"
	"servctl/internal/status"
	"servctl/internal/task"
	"servctl/pkg/logging"
)

// Servers is what the tools operate on.
type Servers interface {
	Get(id string) (*server.Server, error)
	List() []*server.Server
	Save(id string) error
}

// ServerTools exposes server lifecycle and publishing as MCP tools.
type ServerTools struct {
	servers Servers
}

// NewServerTools creates the tools over servers.
func NewServerTools(servers Servers) *ServerTools {
	return &ServerTools{servers: servers}
}

func idArg() mcp.ToolOption {
	return mcp.WithString("id",
		mcp.Required(),
		mcp.Description("Server id"),
	)
}

func modeArg() mcp.ToolOption {
	return mcp.WithString("mode",
		mcp.Description("Launch mode. Start defaults to run, restart to the current mode"),
		mcp.Enum(string(server.ModeRun), string(server.ModeDebug), string(server.ModeProfile)),
	)
}

func waitArgs() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithBoolean("wait",
			mcp.Description("Wait until the operation finished"),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Seconds to wait when wait is set, 0 for the default"),
		),
	}
}

// Tools returns the tool definitions.
func (st *ServerTools) Tools() []mcp.Tool {
	withWait := func(opts ...mcp.ToolOption) []mcp.ToolOption {
		return append(opts, waitArgs()...)
	}
	return []mcp.Tool{
		mcp.NewTool("server_list",
			mcp.WithDescription("List all servers with their run and publish state"),
		),
		mcp.NewTool("server_status",
			mcp.WithDescription("Get detailed status of a server and its modules"),
			idArg(),
		),
		mcp.NewTool("server_start", withWait(
			mcp.WithDescription("Start a server"),
			idArg(),
			modeArg(),
		)...),
		mcp.NewTool("server_stop", withWait(
			mcp.WithDescription("Stop a server"),
			idArg(),
			mcp.WithBoolean("force",
				mcp.Description("Terminate instead of stopping gracefully"),
			),
		)...),
		mcp.NewTool("server_restart", withWait(
			mcp.WithDescription("Restart a running server"),
			idArg(),
			modeArg(),
		)...),
		mcp.NewTool("server_publish",
			mcp.WithDescription("Publish outstanding server and module changes"),
			idArg(),
		),
		mcp.NewTool("server_unpublished",
			mcp.WithDescription("List modules changed since they were last published"),
			idArg(),
		),
		mcp.NewTool("server_tasks",
			mcp.WithDescription("List the tasks the next publish runs and the optional ones it skips"),
			idArg(),
		),
		mcp.NewTool("server_set_attribute",
			mcp.WithDescription("Change a server attribute"),
			idArg(),
			mcp.WithString("key",
				mcp.Required(),
				mcp.Description("Attribute name"),
			),
			mcp.WithString("value",
				mcp.Required(),
				mcp.Description("New value"),
			),
			mcp.WithBoolean("save",
				mcp.Description("Persist the server right away instead of on the next publish"),
			),
		),
		mcp.NewTool("module_restart", withWait(
			mcp.WithDescription("Restart a single module on a running server"),
			idArg(),
			mcp.WithString("module",
				mcp.Required(),
				mcp.Description("Module id"),
			),
		)...),
	}
}

// Register adds the tools to s.
func (st *ServerTools) Register(s *mcpserver.MCPServer) {
	handlers := map[string]mcpserver.ToolHandlerFunc{
		"server_list":          st.HandleServerList,
		"server_status":        st.HandleServerStatus,
		"server_start":         st.HandleServerStart,
		"server_stop":          st.HandleServerStop,
		"server_restart":       st.HandleServerRestart,
		"server_publish":       st.HandleServerPublish,
		"server_unpublished":   st.HandleServerUnpublished,
		"server_tasks":         st.HandleServerTasks,
		"server_set_attribute": st.HandleSetAttribute,
		"module_restart":       st.HandleModuleRestart,
	}
	var tools []mcpserver.ServerTool
	for _, tool := range st.Tools() {
		tools = append(tools, mcpserver.ServerTool{Tool: tool, Handler: handlers[tool.Name]})
	}
	s.AddTools(tools...)
	logging.Debug("API", "Registered %d tools", len(tools))
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (st *ServerTools) server(req mcp.CallToolRequest) (*server.Server, *mcp.CallToolResult) {
	id, err := req.RequireString("id")
	if err != nil {
		return nil, mcp.NewToolResultError("id is required")
	}
	s, err := st.servers.Get(id)
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	return s, nil
}

func mode(req mcp.CallToolRequest) server.Mode {
	return server.Mode(req.GetString("mode", string(server.ModeRun)))
}

func timeout(req mcp.CallToolRequest) time.Duration {
	secs := req.GetFloat("timeout", 0)
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// HandleServerList handles server_list.
func (st *ServerTools) HandleServerList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list := st.servers.List()
	out := make([]ServerSummary, 0, len(list))
	for _, s := range list {
		out = append(out, summarize(s))
	}
	return jsonResult(map[string]interface{}{
		"servers": out,
		"total":   len(out),
	})
}

// HandleServerStatus handles server_status.
func (st *ServerTools) HandleServerStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, res := st.server(req)
	if res != nil {
		return res, nil
	}
	info, err := describe(ctx, s)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status of %s: %v", s.ID(), err)), nil
	}
	return jsonResult(info)
}

// HandleServerStart handles server_start.
func (st *ServerTools) HandleServerStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, res := st.server(req)
	if res != nil {
		return res, nil
	}
	m := mode(req)
	if req.GetBool("wait", false) {
		if err := s.SynchronousStart(ctx, m, timeout(req)); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to start server: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Server '%s' started", s.ID())), nil
	}
	l, err := s.Start(ctx, m)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start server: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Server '%s' is starting (launch %s)", s.ID(), l.ID)), nil
}

// HandleServerStop handles server_stop.
func (st *ServerTools) HandleServerStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, res := st.server(req)
	if res != nil {
		return res, nil
	}
	if req.GetBool("force", false) {
		s.Terminate(ctx)
		return mcp.NewToolResultText(fmt.Sprintf("Server '%s' terminated", s.ID())), nil
	}
	if req.GetBool("wait", false) {
		if err := s.SynchronousStop(ctx, timeout(req)); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to stop server: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Server '%s' stopped", s.ID())), nil
	}
	s.Stop(ctx)
	return mcp.NewToolResultText(fmt.Sprintf("Server '%s' is stopping", s.ID())), nil
}

// HandleServerRestart handles server_restart.
func (st *ServerTools) HandleServerRestart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, res := st.server(req)
	if res != nil {
		return res, nil
	}
	m := server.Mode(req.GetString("mode", ""))
	if m == "" {
		m = s.Mode()
	}
	if m == "" {
		m = server.ModeRun
	}
	if !s.CanRestart(m) {
		return mcp.NewToolResultError(fmt.Sprintf("Server '%s' cannot be restarted in %s mode while %s", s.ID(), m, s.ServerState())), nil
	}
	if req.GetBool("wait", false) {
		if err := s.SynchronousRestart(ctx, m, timeout(req)); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to restart server: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Server '%s' restarted", s.ID())), nil
	}
	s.Restart(context.WithoutCancel(ctx), m)
	return mcp.NewToolResultText(fmt.Sprintf("Server '%s' is restarting", s.ID())), nil
}

// HandleServerPublish handles server_publish. The call returns once the
// publish finished.
func (st *ServerTools) HandleServerPublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, res := st.server(req)
	if res != nil {
		return res, nil
	}
	result := s.Publish(ctx, progress.Logger("Publish"))
	if result.Severity() >= status.SeverityError && !result.IsCancelled() {
		return mcp.NewToolResultError(result.String()), nil
	}
	return jsonResult(result)
}

// HandleServerUnpublished handles server_unpublished.
func (st *ServerTools) HandleServerUnpublished(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, res := st.server(req)
	if res != nil {
		return res, nil
	}
	mods := s.UnpublishedModules(ctx)
	if mods == nil {
		mods = []module.Module{}
	}
	return jsonResult(map[string]interface{}{
		"modules": mods,
		"total":   len(mods),
	})
}

// HandleServerTasks handles server_tasks.
func (st *ServerTools) HandleServerTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, res := st.server(req)
	if res != nil {
		return res, nil
	}
	mandatory, optional, err := s.PlanTasks(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to plan tasks: %v", err)), nil
	}
	items := make([]task.Info, 0, len(mandatory)+len(optional))
	for _, p := range mandatory {
		items = append(items, p.Info())
	}
	for _, p := range optional {
		items = append(items, p.Info())
	}
	return jsonResult(map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// HandleSetAttribute handles server_set_attribute.
func (st *ServerTools) HandleSetAttribute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, res := st.server(req)
	if res != nil {
		return res, nil
	}
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError("key is required"), nil
	}
	value, err := req.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError("value is required"), nil
	}
	s.SetAttribute(key, value)
	if req.GetBool("save", false) {
		if err := st.servers.Save(s.ID()); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to save server: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Set %s on '%s' and saved", key, s.ID())), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Set %s on '%s', saved on next publish", key, s.ID())), nil
}

// HandleModuleRestart handles module_restart.
func (st *ServerTools) HandleModuleRestart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, res := st.server(req)
	if res != nil {
		return res, nil
	}
	id, err := req.RequireString("module")
	if err != nil {
		return mcp.NewToolResultError("module is required"), nil
	}
	m, ok := s.DeclaredModules().Lookup(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("Server '%s' has no module '%s'", s.ID(), id)), nil
	}
	if !s.CanRestartModule(m) {
		return mcp.NewToolResultError(fmt.Sprintf("Module '%s' cannot be restarted on '%s'", id, s.ID())), nil
	}
	if req.GetBool("wait", false) {
		if err := s.SynchronousRestartModule(ctx, m, timeout(req)); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to restart module: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Module '%s' restarted on '%s'", id, s.ID())), nil
	}
	s.RestartModule(ctx, m)
	return mcp.NewToolResultText(fmt.Sprintf("Module '%s' is restarting on '%s'", id, s.ID())), nil
}
