package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"servctl/internal/api"
	"servctl/internal/cli"
	"servctl/internal/config"
)

// EndpointEnv overrides the endpoint derived from the configuration.
const EndpointEnv = "SERVCTL_ENDPOINT"

var (
	outputFormat string
	quiet        bool
)

// addOutputFlags registers the flags shared by client commands.
func addOutputFlags(c *cobra.Command) {
	c.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, yaml)")
	c.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
}

// resolveEndpoint picks the API endpoint: --endpoint, then $SERVCTL_ENDPOINT,
// then the configured API address.
func resolveEndpoint() (string, error) {
	if endpoint != "" {
		return endpoint, nil
	}
	if env := os.Getenv(EndpointEnv); env != "" {
		return env, nil
	}
	var cfg config.ServctlConfig
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfigFromPath(configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return "", err
	}
	return api.EndpointURL(cfg.API), nil
}

// withExecutor connects to the API and runs fn. callTimeout bounds each
// tool call.
func withExecutor(cmd *cobra.Command, callTimeout time.Duration, fn func(ctx context.Context, e *cli.ToolExecutor) error) error {
	format, err := cli.ParseOutputFormat(outputFormat)
	if err != nil {
		return err
	}
	url, err := resolveEndpoint()
	if err != nil {
		return err
	}

	client := cli.NewCLIClientWithEndpoint(url).
		WithTimeout(callTimeout).
		WithVersion(rootCmd.Version)
	executor := cli.NewToolExecutor(client, cli.ExecutorOptions{
		Format: format,
		Quiet:  quiet,
		Out:    cmd.OutOrStdout(),
		Err:    cmd.ErrOrStderr(),
	})
	defer executor.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := executor.Connect(ctx); err != nil {
		return err
	}
	return fn(ctx, executor)
}
