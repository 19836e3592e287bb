package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "protocore", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"simulate"},
		{"instances"},
		{"recover"},
		{"config", "validate"},
		{"config", "show"},
	} {
		t.Run(path[len(path)-1], func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "false", verbose.DefValue)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, tc := range []struct {
		command string
		flags   []string
	}{
		{"simulate", []string{"db-dir", "golden-dir", "update"}},
		{"instances", []string{"db", "owner", "prune"}},
		{"recover", []string{"db", "attachments", "foreground", "first-time", "drain"}},
	} {
		sub, _, err := cmd.Find([]string{tc.command})
		require.NoError(t, err)
		for _, name := range tc.flags {
			assert.NotNil(t, sub.Flags().Lookup(name), "%s --%s", tc.command, name)
		}
	}
}

func TestInvalidFormat(t *testing.T) {
	_, _, err := execute(t, "config", "show", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestConfigFlag_LoadsFile(t *testing.T) {
	path := writeFile(t, "p.toml", "sas_digits = 6\n")
	stdout, _, err := execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "sas_digits           = 6")
	assert.Contains(t, stdout, "# "+path)
}

func TestConfigFlag_InvalidFileIsCommandError(t *testing.T) {
	path := writeFile(t, "p.toml", "sas_digits = 42\n")
	_, _, err := execute(t, "config", "show", "--config", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestVerbose_LogsDebugToStderr(t *testing.T) {
	db := filepath.Join(t.TempDir(), "p.db")
	stdout, stderr, err := execute(t, "recover", "--db", db, "--attachments", t.TempDir(), "-v")
	require.NoError(t, err)
	assert.Contains(t, stdout, "resumed 0 journaled messages")
	assert.Contains(t, stderr, "level=DEBUG")
	assert.NotContains(t, stdout, "level=")
}
