package cmd

import (
	"bytes"
	"testing"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSelfUpdateCmd(t *testing.T) {
	c := newSelfUpdateCmd()

	assert.Equal(t, "self-update", c.Use)
	assert.NotEmpty(t, c.Short)
	assert.NotEmpty(t, c.Long)
	assert.NotNil(t, c.RunE)
	assert.Error(t, c.Args(c, []string{"v1.0.0"}))
}

func TestRunSelfUpdate_DevelopmentVersions(t *testing.T) {
	orig := rootCmd.Version
	defer func() { rootCmd.Version = orig }()

	for _, v := range []string{"dev", ""} {
		rootCmd.Version = v
		err := runSelfUpdate(nil, nil)
		require.Error(t, err, "version %q", v)
		assert.Contains(t, err.Error(), "cannot self-update a development version")
	}
}

func TestSelfUpdateCommandHelp(t *testing.T) {
	c := newSelfUpdateCmd()
	var buf bytes.Buffer
	c.SetOut(&buf)
	c.SetErr(&buf)
	c.SetArgs([]string{"--help"})

	require.NoError(t, c.Execute())
	assert.Contains(t, buf.String(), "Checks for the latest release")
	assert.Contains(t, buf.String(), "self-update")
}

func TestGithubRepoSlug(t *testing.T) {
	slug := selfupdate.ParseSlug(githubRepoSlug)
	owner, repo, err := slug.GetSlug()
	require.NoError(t, err)
	assert.Equal(t, "servctl", owner)
	assert.Equal(t, "servctl", repo)
}
