package cmd

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersion(t *testing.T) {
	orig := rootCmd.Version
	defer SetVersion(orig)

	SetVersion("1.2.3-test")
	assert.Equal(t, "1.2.3-test", rootCmd.Version)
}

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "servctl", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	assert.True(t, rootCmd.SilenceUsage)

	for _, name := range []string{"config", "endpoint"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), name)
	}
	assert.Equal(t, "c", rootCmd.PersistentFlags().Lookup("config").Shorthand)
}

func TestSubcommands(t *testing.T) {
	found := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		found[c.Name()] = true
	}
	for _, name := range []string{"version", "self-update", "serve", "server", "module"} {
		assert.True(t, found[name], "subcommand %s not registered", name)
	}
}

func TestVersionCommand(t *testing.T) {
	orig := rootCmd.Version
	defer SetVersion(orig)
	SetVersion("1.0.0")

	var buf bytes.Buffer
	c := newVersionCmd()
	c.SetOut(&buf)
	c.Run(c, nil)
	assert.Equal(t, "servctl version 1.0.0\n", buf.String())
}

func TestVersionTemplate(t *testing.T) {
	testCmd := &cobra.Command{Use: "test", Version: "1.0.0"}
	testCmd.SetVersionTemplate(`{{printf "servctl version %s\n" .Version}}`)

	var buf bytes.Buffer
	testCmd.SetOut(&buf)
	testCmd.SetArgs([]string{"--version"})
	require.NoError(t, testCmd.Execute())
	assert.Equal(t, "servctl version 1.0.0\n", buf.String())
}

func TestServeCommand(t *testing.T) {
	assert.Equal(t, "serve", serveCmd.Use)
	assert.NotNil(t, serveCmd.RunE)
	debug := serveCmd.Flags().Lookup("debug")
	require.NotNil(t, debug)
	assert.Equal(t, "false", debug.DefValue)
	assert.Error(t, serveCmd.Args(serveCmd, []string{"extra"}))
}
