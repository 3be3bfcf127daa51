package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/keys"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestSubmitKeyRoundTrip(t *testing.T) {
	out, err := execute(t, "submit-key", "doc-key")
	require.NoError(t, err)
	submit := strings.TrimSpace(out)
	assert.True(t, keys.IsSubmitKey("doc-key", submit))

	out, err = execute(t, "submit-key", "doc-key", "--check", submit)
	require.NoError(t, err)
	assert.Equal(t, "ok", strings.TrimSpace(out))

	_, err = execute(t, "submit-key", "doc-key", "--check", "other")
	assert.Error(t, err)
}

func TestComposeArgs(t *testing.T) {
	composeFile = "stack.yml"
	t.Cleanup(func() { composeFile = "docker-compose.yml" })
	assert.Equal(t, []string{"compose", "-f", "stack.yml", "down", "-v"}, compose("down", "-v"))
	assert.Equal(t,
		[]string{"compose", "-f", "stack.yml", "exec", "-T", "server", "docctl", "uploads", "purge"},
		stackExec("uploads", "purge"))
}
