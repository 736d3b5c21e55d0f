package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandInMemory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WIRECHAT_STORE_PATH", filepath.Join(dir, "chat.db"))

	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs([]string{
		"--config", filepath.Join(dir, "config.yaml"),
		"--nick", "alice",
		"--room", "general",
		"--inmem",
		"--log-level", "off",
	})
	cmd.SetIn(strings.NewReader("/rooms\n/quit\n"))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Connected as alice")
	assert.Contains(t, out.String(), " * general")
}

func TestRootCommandRequiresNick(t *testing.T) {
	var errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--inmem"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&errOut)

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nick")
}
