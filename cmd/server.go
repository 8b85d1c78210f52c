package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"servctl/internal/cli"
	"servctl/internal/server"
)

var (
	serverMode    string
	serverWait    bool
	serverTimeout time.Duration
	serverForce   bool
	serverSave    bool
)

// publishCallTimeout bounds a publish, which runs every mandatory task.
const publishCallTimeout = 30 * time.Minute

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage servers",
	Long: `Manage the servers owned by the servctl API.

Available commands:
  list         - List all servers with their state
  status       - Get detailed status of a server
  start        - Start a server
  stop         - Stop a server
  restart      - Restart a server
  publish      - Publish a server and its modules
  unpublished  - List modules with unpublished changes
  tasks        - List the tasks the next publish runs
  set          - Set a server attribute

Note: The API must be running (use 'servctl serve') before using these commands.`,
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all servers",
	Long: `List all servers with their run state, publish state and whether a
restart is needed to pick up published changes.`,
	Args: cobra.NoArgs,
	RunE: runServerList,
}

var serverStatusCmd = &cobra.Command{
	Use:   "status <server-id>",
	Short: "Get detailed status of a server",
	Long: `Get detailed status information for a server: its mode, ports,
attributes, unsaved changes and the state of every module.`,
	Args: cobra.ExactArgs(1),
	RunE: runServerStatus,
}

var serverStartCmd = &cobra.Command{
	Use:   "start <server-id>",
	Short: "Start a server",
	Long: `Start a stopped server in the given mode.

Without --wait the command returns once the start was requested. With --wait
it blocks until the server reports started, failing after --timeout.`,
	Args: cobra.ExactArgs(1),
	RunE: runServerStart,
}

var serverStopCmd = &cobra.Command{
	Use:   "stop <server-id>",
	Short: "Stop a server",
	Long: `Stop a server. --force terminates it instead of asking it to stop.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runServerStop,
}

var serverRestartCmd = &cobra.Command{
	Use:   "restart <server-id>",
	Short: "Restart a server",
	Long: `Restart a started server. Servers whose delegate cannot restart in place
are stopped and started again. --mode defaults to the current mode.`,
	Args: cobra.ExactArgs(1),
	RunE: runServerRestart,
}

var serverPublishCmd = &cobra.Command{
	Use:   "publish <server-id>",
	Short: "Publish a server and its modules",
	Long: `Publish runs the mandatory publish tasks, pushes changed modules to the
server and prints the resulting status tree.`,
	Args: cobra.ExactArgs(1),
	RunE: runServerPublish,
}

var serverUnpublishedCmd = &cobra.Command{
	Use:   "unpublished <server-id>",
	Short: "List modules with unpublished changes",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerUnpublished,
}

var serverTasksCmd = &cobra.Command{
	Use:   "tasks <server-id>",
	Short: "List the tasks the next publish runs",
	Long: `List the mandatory tasks the next publish runs, followed by the
optional ones it offers.`,
	Args: cobra.ExactArgs(1),
	RunE: runServerTasks,
}

var serverSetCmd = &cobra.Command{
	Use:   "set <server-id> <key> <value>",
	Short: "Set a server attribute",
	Long: `Set a server attribute. The change is saved by the next publish, or
immediately with --save.`,
	Args: cobra.ExactArgs(3),
	RunE: runServerSet,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.AddCommand(serverListCmd)
	serverCmd.AddCommand(serverStatusCmd)
	serverCmd.AddCommand(serverStartCmd)
	serverCmd.AddCommand(serverStopCmd)
	serverCmd.AddCommand(serverRestartCmd)
	serverCmd.AddCommand(serverPublishCmd)
	serverCmd.AddCommand(serverUnpublishedCmd)
	serverCmd.AddCommand(serverTasksCmd)
	serverCmd.AddCommand(serverSetCmd)

	addOutputFlags(serverCmd)

	for _, c := range []*cobra.Command{serverStartCmd, serverStopCmd, serverRestartCmd} {
		c.Flags().BoolVarP(&serverWait, "wait", "w", false, "Wait until the operation completed")
		c.Flags().DurationVar(&serverTimeout, "timeout", 0, "How long --wait waits (default: the server default)")
	}
	serverStartCmd.Flags().StringVarP(&serverMode, "mode", "m", string(server.ModeRun), "Launch mode (run, debug, profile)")
	serverRestartCmd.Flags().StringVarP(&serverMode, "mode", "m", "", "Launch mode (default: current mode)")
	serverStopCmd.Flags().BoolVarP(&serverForce, "force", "f", false, "Terminate instead of stopping gracefully")
	serverSetCmd.Flags().BoolVar(&serverSave, "save", false, "Save the server right away")
}

// lifecycleCallTimeout leaves room for the server side wait.
func lifecycleCallTimeout(wait bool, timeout time.Duration) time.Duration {
	if !wait {
		return cli.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = server.DefaultStopTimeout + server.DefaultStartTimeout
	}
	return timeout + cli.DefaultTimeout
}

// lifecycleArgs builds the arguments shared by start, stop and restart.
func lifecycleArgs(id string) map[string]interface{} {
	args := map[string]interface{}{"id": id}
	if serverWait {
		args["wait"] = true
		if serverTimeout > 0 {
			args["timeout"] = serverTimeout.Seconds()
		}
	}
	return args
}

func execute(cmd *cobra.Command, timeout time.Duration, tool string, args map[string]interface{}) error {
	return withExecutor(cmd, timeout, func(ctx context.Context, e *cli.ToolExecutor) error {
		return e.Execute(ctx, tool, args)
	})
}

func runServerList(cmd *cobra.Command, args []string) error {
	return execute(cmd, cli.DefaultTimeout, "server_list", nil)
}

func runServerStatus(cmd *cobra.Command, args []string) error {
	return execute(cmd, cli.DefaultTimeout, "server_status", map[string]interface{}{"id": args[0]})
}

func runServerStart(cmd *cobra.Command, args []string) error {
	toolArgs := lifecycleArgs(args[0])
	toolArgs["mode"] = serverMode
	return execute(cmd, lifecycleCallTimeout(serverWait, serverTimeout), "server_start", toolArgs)
}

func runServerStop(cmd *cobra.Command, args []string) error {
	toolArgs := lifecycleArgs(args[0])
	if serverForce {
		toolArgs["force"] = true
	}
	return execute(cmd, lifecycleCallTimeout(serverWait, serverTimeout), "server_stop", toolArgs)
}

func runServerRestart(cmd *cobra.Command, args []string) error {
	toolArgs := lifecycleArgs(args[0])
	if serverMode != "" {
		toolArgs["mode"] = serverMode
	}
	return execute(cmd, lifecycleCallTimeout(serverWait, serverTimeout), "server_restart", toolArgs)
}

func runServerPublish(cmd *cobra.Command, args []string) error {
	return execute(cmd, publishCallTimeout, "server_publish", map[string]interface{}{"id": args[0]})
}

func runServerUnpublished(cmd *cobra.Command, args []string) error {
	return execute(cmd, cli.DefaultTimeout, "server_unpublished", map[string]interface{}{"id": args[0]})
}

func runServerTasks(cmd *cobra.Command, args []string) error {
	return execute(cmd, cli.DefaultTimeout, "server_tasks", map[string]interface{}{"id": args[0]})
}

func runServerSet(cmd *cobra.Command, args []string) error {
	toolArgs := map[string]interface{}{
		"id":    args[0],
		"key":   args[1],
		"value": args[2],
	}
	if serverSave {
		toolArgs["save"] = true
	}
	return execute(cmd, cli.DefaultTimeout, "server_set_attribute", toolArgs)
}
