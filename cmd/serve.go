package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"servctl/internal/app"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveCmd starts the API that owns the configured servers.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the servctl API server",
	Long: `Starts the servctl API server. It builds the configured servers, restores
attributes saved by earlier runs and serves the server tools over MCP until it
receives SIGINT or SIGTERM. Servers that are running when the API stops keep
running.

Other servctl commands ('servctl server', 'servctl module') connect to this
API, so it must be running before they are used.

Configuration:
  servctl layers ~/.config/servctl/config.yaml and .servctl/config.yaml in the
  current directory on top of its defaults. Use --config to load a single file
  instead.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// runServe is the main entry point for the serve command
func runServe(cmd *cobra.Command, args []string) error {
	cfg := app.NewConfig(configPath, serveDebug, rootCmd.Version)

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
}
