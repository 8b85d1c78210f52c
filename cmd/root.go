package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"servctl/internal/color"
)

var (
	// configPath selects a single configuration file for every command.
	configPath string
	// endpoint overrides the API URL client commands connect to.
	endpoint string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "servctl",
	Short: "Manage the lifecycle of local and Kubernetes application servers",
	Long: `servctl starts, stops and restarts application servers and publishes
their modules. 'servctl serve' runs the API that owns the servers; the other
commands talk to it over MCP, so editors and AI assistants can drive the same
servers.`,
	// SilenceUsage is set to true to prevent printing usage message on errors
	// handled by us (e.g. invalid arguments, failed connections)
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		color.InitializeFromEnv()
	},
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "servctl version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		// Cobra prints the error, we just exit non-zero
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: layered ~/.config/servctl and .servctl config)")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "API endpoint for client commands (default: derived from the configuration, or $SERVCTL_ENDPOINT)")
}
