package cli

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultTimeout bounds a single tool call.
const DefaultTimeout = 30 * time.Second

// CLIClient provides a simplified MCP client for CLI commands
type CLIClient struct {
	endpoint string
	version  string
	client   client.MCPClient
	timeout  time.Duration
}

// NewCLIClientWithEndpoint creates a new CLI client with a specific endpoint
func NewCLIClientWithEndpoint(endpoint string) *CLIClient {
	return &CLIClient{
		endpoint: endpoint,
		version:  "dev",
		timeout:  DefaultTimeout,
	}
}

// WithTimeout overrides the per-call timeout. Synchronous lifecycle calls
// wait on the server side, so callers pass something above the wait timeout.
func (c *CLIClient) WithTimeout(timeout time.Duration) *CLIClient {
	if timeout > 0 {
		c.timeout = timeout
	}
	return c
}

// WithVersion sets the version reported during the handshake.
func (c *CLIClient) WithVersion(version string) *CLIClient {
	if version != "" {
		c.version = version
	}
	return c
}

// Endpoint returns the MCP endpoint the client talks to
func (c *CLIClient) Endpoint() string {
	return c.endpoint
}

// Connect establishes connection to the servctl API
func (c *CLIClient) Connect(ctx context.Context) error {
	mcpClient, err := c.newTransport()
	if err != nil {
		return err
	}
	c.client = mcpClient

	if err := mcpClient.Start(ctx); err != nil {
		c.client = nil
		return fmt.Errorf("failed to start client transport for %s: %w", c.endpoint, err)
	}

	if err := c.initialize(ctx); err != nil {
		mcpClient.Close()
		c.client = nil
		return fmt.Errorf("initialization failed: %w", err)
	}

	return nil
}

// newTransport picks the transport from the endpoint shape. The API serves
// SSE under <endpoint>/sse and streamable HTTP everywhere else.
func (c *CLIClient) newTransport() (*client.Client, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("failed to parse endpoint %q", c.endpoint)
	}
	if strings.HasSuffix(u.Path, "/sse") {
		sse, err := client.NewSSEMCPClient(c.endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create sse client: %w", err)
		}
		return sse, nil
	}
	httpClient, err := client.NewStreamableHttpClient(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable-http client: %w", err)
	}
	return httpClient, nil
}

// CallTool executes a tool and returns the result
func (c *CLIClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if c.client == nil {
		return nil, fmt.Errorf("client not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.client.CallTool(timeoutCtx, req)
	if err != nil {
		return nil, fmt.Errorf("tool call failed: %w", err)
	}

	return result, nil
}

// Close closes the connection
func (c *CLIClient) Close() error {
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	return nil
}

// initialize performs the MCP protocol handshake
func (c *CLIClient) initialize(ctx context.Context) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    "servctl-cli",
		Version: c.version,
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.client.Initialize(timeoutCtx, req)
	return err
} 