package cli

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := mcpserver.NewMCPServer("servctl", "test", mcpserver.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("echo", mcp.WithString("text", mcp.Required())),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			text, err := req.RequireString("text")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(text), nil
		})
	s.AddTool(mcp.NewTool("fail"),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("server shop not found"), nil
		})

	ts := httptest.NewServer(mcpserver.NewStreamableHTTPServer(s, mcpserver.WithEndpointPath("/mcp")))
	t.Cleanup(ts.Close)
	return ts
}

func TestNewCLIClientWithEndpoint(t *testing.T) {
	endpoint := "http://localhost:8090/mcp"
	client := NewCLIClientWithEndpoint(endpoint)

	assert.NotNil(t, client)
	assert.Equal(t, endpoint, client.Endpoint())
	assert.Equal(t, DefaultTimeout, client.timeout)

	client.WithTimeout(2 * time.Minute).WithTimeout(0).WithVersion("1.2.3")
	assert.Equal(t, 2*time.Minute, client.timeout)
	assert.Equal(t, "1.2.3", client.version)
}

func TestCLIClient_Close(t *testing.T) {
	client := NewCLIClientWithEndpoint("http://localhost:8090/mcp")

	assert.NotPanics(t, func() {
		assert.NoError(t, client.Close())
	})
}

func TestCLIClient_CallToolNotConnected(t *testing.T) {
	client := NewCLIClientWithEndpoint("http://localhost:8090/mcp")
	_, err := client.CallTool(context.Background(), "echo", nil)
	assert.EqualError(t, err, "client not connected")
}

func TestCLIClient_Connect_InvalidEndpoint(t *testing.T) {
	client := NewCLIClientWithEndpoint("invalid-endpoint")

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	err := client.Connect(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestCLIClient_RoundTrip(t *testing.T) {
	ts := newEchoServer(t)
	client := NewCLIClientWithEndpoint(ts.URL + "/mcp")
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	result, err := client.CallTool(ctx, "echo", map[string]interface{}{"text": "hello"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	assert.Equal(t, "hello", text.Text)

	result, err = client.CallTool(ctx, "fail", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text, ok = mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	assert.Equal(t, "server shop not found", text.Text)
}
