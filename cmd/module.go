package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"servctl/internal/server"
)

var (
	moduleWait    bool
	moduleTimeout time.Duration
)

// moduleCmd represents the module command
var moduleCmd = &cobra.Command{
	Use:   "module",
	Short: "Manage modules of a server",
	Long: `Manage the modules deployed to a server.

Available commands:
  restart  - Restart a single module without restarting its server

Use 'servctl server status <server-id>' to see a server's modules.`,
}

var moduleRestartCmd = &cobra.Command{
	Use:   "restart <server-id> <module-id>",
	Short: "Restart a module",
	Long: `Restart a single module of a started server. Only servers whose
delegate supports module restarts accept this.`,
	Args: cobra.ExactArgs(2),
	RunE: runModuleRestart,
}

func init() {
	rootCmd.AddCommand(moduleCmd)
	moduleCmd.AddCommand(moduleRestartCmd)

	addOutputFlags(moduleCmd)
	moduleRestartCmd.Flags().BoolVarP(&moduleWait, "wait", "w", false, "Wait until the module is started again")
	moduleRestartCmd.Flags().DurationVar(&moduleTimeout, "timeout", 0, "How long --wait waits (default 30s)")
}

func runModuleRestart(cmd *cobra.Command, args []string) error {
	toolArgs := map[string]interface{}{
		"id":     args[0],
		"module": args[1],
	}
	callTimeout := lifecycleCallTimeout(false, 0)
	if moduleWait {
		toolArgs["wait"] = true
		timeout := moduleTimeout
		if timeout <= 0 {
			timeout = server.DefaultModuleRestartTimeout
		} else {
			toolArgs["timeout"] = moduleTimeout.Seconds()
		}
		callTimeout = lifecycleCallTimeout(true, timeout)
	}
	return execute(cmd, callTimeout, "module_restart", toolArgs)
}
