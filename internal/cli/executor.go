package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mattn/go-runewidth"
	"gopkg.in/yaml.v3"

	"servctl/internal/color"
)

// OutputFormat represents the output format for CLI commands
type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatYAML  OutputFormat = "yaml"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case OutputFormatTable, OutputFormatJSON, OutputFormatYAML:
		return f, nil
	case "":
		return OutputFormatTable, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s (use table, json or yaml)", s)
	}
}

// ExecutorOptions contains options for tool execution
type ExecutorOptions struct {
	Format OutputFormat
	Quiet  bool
	// Out defaults to os.Stdout, Err to os.Stderr.
	Out io.Writer
	Err io.Writer
}

// caller is the part of CLIClient the executor needs.
type caller interface {
	Connect(ctx context.Context) error
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	Close() error
}

// ToolExecutor provides high-level tool execution functionality
type ToolExecutor struct {
	client  caller
	options ExecutorOptions
}

// NewToolExecutor creates a new tool executor on top of a client
func NewToolExecutor(client *CLIClient, options ExecutorOptions) *ToolExecutor {
	return newToolExecutor(client, options)
}

func newToolExecutor(client caller, options ExecutorOptions) *ToolExecutor {
	if options.Out == nil {
		options.Out = os.Stdout
	}
	if options.Err == nil {
		options.Err = os.Stderr
	}
	if options.Format == "" {
		options.Format = OutputFormatTable
	}
	return &ToolExecutor{client: client, options: options}
}

// Connect establishes connection to the API
func (e *ToolExecutor) Connect(ctx context.Context) error {
	return e.client.Connect(ctx)
}

// Close closes the connection
func (e *ToolExecutor) Close() error {
	return e.client.Close()
}

// Execute executes a tool and formats the output
func (e *ToolExecutor) Execute(ctx context.Context, toolName string, arguments map[string]interface{}) error {
	result, err := e.client.CallTool(ctx, toolName, arguments)
	if err != nil {
		return fmt.Errorf("failed to execute tool %s: %w", toolName, err)
	}

	if result.IsError {
		return e.formatError(result)
	}

	return e.formatOutput(result)
}

func (e *ToolExecutor) formatError(result *mcp.CallToolResult) error {
	var errorMsgs []string
	for _, content := range result.Content {
		if textContent, ok := mcp.AsTextContent(content); ok {
			errorMsgs = append(errorMsgs, textContent.Text)
		}
	}

	errorMsg := strings.Join(errorMsgs, "\n")
	if !e.options.Quiet {
		fmt.Fprintf(e.options.Err, "%s %s\n", color.ErrorStyle.Render("Error:"), errorMsg)
	}
	return fmt.Errorf("%s", errorMsg)
}

func (e *ToolExecutor) formatOutput(result *mcp.CallToolResult) error {
	if len(result.Content) == 0 {
		if !e.options.Quiet {
			fmt.Fprintln(e.options.Out, "No results")
		}
		return nil
	}

	textContent, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		return fmt.Errorf("content is not text")
	}

	switch e.options.Format {
	case OutputFormatJSON:
		fmt.Fprintln(e.options.Out, textContent.Text)
		return nil
	case OutputFormatYAML:
		return e.outputYAML(textContent.Text)
	case OutputFormatTable:
		if e.options.Quiet {
			return nil
		}
		return e.outputTable(textContent.Text)
	default:
		return fmt.Errorf("unsupported output format: %s", e.options.Format)
	}
}

func (e *ToolExecutor) outputYAML(jsonData string) error {
	var data interface{}
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}

	yamlData, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to convert to YAML: %w", err)
	}

	fmt.Fprint(e.options.Out, string(yamlData))
	return nil
}

func (e *ToolExecutor) outputTable(jsonData string) error {
	var data interface{}
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		// plain text results such as "Server shop is starting"
		fmt.Fprintln(e.options.Out, jsonData)
		return nil
	}

	switch d := data.(type) {
	case map[string]interface{}:
		return e.formatTableFromObject(d)
	case []interface{}:
		return e.formatTableFromArray("", d)
	default:
		fmt.Fprintln(e.options.Out, jsonData)
		return nil
	}
}

// formatTableFromObject handles {"servers": [...], "total": N} wrappers, a
// publish status or a single server description.
func (e *ToolExecutor) formatTableFromObject(data map[string]interface{}) error {
	if arrayKey := findArrayKey(data); arrayKey != "" {
		arr := data[arrayKey].([]interface{})
		if err := e.formatTableFromArray(arrayKey, arr); err != nil {
			return err
		}
		if total, ok := data["total"]; ok && len(arr) > 0 {
			fmt.Fprintf(e.options.Out, "\n%s %v %s\n",
				text.FgHiBlue.Sprint("Total:"),
				text.FgHiWhite.Sprint(total),
				arrayKey)
		}
		return nil
	}

	if _, ok := data["severity"]; ok {
		return e.formatStatus(data, 0)
	}

	return e.formatKeyValueTable(data)
}

// findArrayKey looks for the list keys the server tools wrap results in.
func findArrayKey(data map[string]interface{}) string {
	// a server description also has a modules array but no total
	if _, ok := data["total"]; !ok {
		return ""
	}
	for _, key := range []string{"servers", "modules", "items"} {
		if value, exists := data[key]; exists {
			if _, isArray := value.([]interface{}); isArray {
				return key
			}
		}
	}
	return ""
}

// columnsFor lists the columns shown for each list tool.
var columnsFor = map[string][]string{
	"servers": {"id", "name", "type", "state", "publish", "restartRequired"},
	"modules": {"path", "type", "state", "publish", "restartRequired"},
	"items":   {"name", "scope", "module", "status", "order"},
}

func (e *ToolExecutor) formatTableFromArray(key string, data []interface{}) error {
	if len(data) == 0 {
		if !e.options.Quiet {
			fmt.Fprintln(e.options.Out, text.FgYellow.Sprint("No items found"))
		}
		return nil
	}

	firstObj, ok := data[0].(map[string]interface{})
	if !ok {
		for _, item := range data {
			fmt.Fprintln(e.options.Out, item)
		}
		return nil
	}

	columns := columnsFor[key]
	if columns == nil {
		columns = sortedKeys(firstObj)
		if len(columns) > 5 {
			columns = columns[:5]
		}
	}

	t := e.newTable()
	headers := make(table.Row, len(columns))
	for i, col := range columns {
		headers[i] = text.FgHiCyan.Sprint(strings.ToUpper(col))
	}
	t.AppendHeader(headers)

	for _, item := range data {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		row := make(table.Row, len(columns))
		for i, col := range columns {
			row[i] = formatCellValue(col, itemMap[col])
		}
		t.AppendRow(row)
	}

	t.Render()
	return nil
}

// formatStatus prints a publish status tree, one line per node.
func (e *ToolExecutor) formatStatus(data map[string]interface{}, depth int) error {
	sev, _ := data["severity"].(string)
	msg, _ := data["message"].(string)
	line := strings.Repeat("  ", depth) + color.Severity(sev)
	if msg != "" {
		line += " " + msg
	}
	if errText, ok := data["error"].(string); ok && errText != "" {
		line += " " + color.MutedStyle.Render("("+errText+")")
	}
	fmt.Fprintln(e.options.Out, line)

	children, _ := data["children"].([]interface{})
	for _, child := range children {
		if m, ok := child.(map[string]interface{}); ok {
			if err := e.formatStatus(m, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *ToolExecutor) formatKeyValueTable(data map[string]interface{}) error {
	t := e.newTable()
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("PROPERTY"),
		text.FgHiCyan.Sprint("VALUE"),
	})

	for _, key := range sortedKeys(data) {
		t.AppendRow(table.Row{
			text.FgYellow.Sprint(key),
			formatCellValue(key, data[key]),
		})
	}

	t.Render()
	return nil
}

func (e *ToolExecutor) newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(e.options.Out)
	t.SetStyle(table.StyleRounded)
	return t
}

func formatCellValue(column string, value interface{}) interface{} {
	if value == nil {
		return text.FgHiBlack.Sprint("-")
	}

	switch strings.ToLower(column) {
	case "state":
		return color.State(fmt.Sprintf("%v", value))
	case "publish":
		return color.Publish(fmt.Sprintf("%v", value))
	case "severity":
		return color.Severity(fmt.Sprintf("%v", value))
	case "status":
		return formatTaskStatus(fmt.Sprintf("%v", value))
	case "restartrequired", "unsavedchanges":
		if b, ok := value.(bool); ok {
			if b {
				return color.WarningStyle.Render("yes")
			}
			return color.MutedStyle.Render("no")
		}
	case "type":
		return text.FgCyan.Sprint(value)
	case "ports":
		return formatPorts(value)
	case "attributes":
		return formatAttributes(value)
	case "modules":
		if arr, ok := value.([]interface{}); ok {
			return fmt.Sprintf("%d", len(arr))
		}
	case "listeners":
		if m, ok := value.(map[string]interface{}); ok {
			return fmt.Sprintf("%v registered, %v dispatched, %v failed", m["registered"], m["dispatched"], m["failed"])
		}
	}

	switch v := value.(type) {
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case []interface{}:
		return fmt.Sprintf("[%d items]", len(v))
	case map[string]interface{}:
		return fmt.Sprintf("{%d keys}", len(v))
	default:
		return runewidth.Truncate(fmt.Sprintf("%v", v), 40, "...")
	}
}

func formatTaskStatus(status string) string {
	switch status {
	case "mandatory":
		return color.WarningStyle.Render(status)
	case "preferred":
		return color.InfoStyle.Render(status)
	case "completed":
		return color.SuccessStyle.Render(status)
	case "unnecessary":
		return color.MutedStyle.Render(status)
	default:
		return color.Severity(status)
	}
}

func formatPorts(value interface{}) interface{} {
	arr, ok := value.([]interface{})
	if !ok || len(arr) == 0 {
		return text.FgHiBlack.Sprint("none")
	}
	var parts []string
	for _, p := range arr {
		m, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%v/%v", formatCellValue("", m["port"]), m["protocol"]))
	}
	return strings.Join(parts, ", ")
}

func formatAttributes(value interface{}) interface{} {
	m, ok := value.(map[string]interface{})
	if !ok || len(m) == 0 {
		return text.FgHiBlack.Sprint("none")
	}
	var parts []string
	for _, k := range sortedKeys(m) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return runewidth.Truncate(strings.Join(parts, " "), 60, "...")
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
