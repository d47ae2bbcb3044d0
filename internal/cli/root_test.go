package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executeCommand runs the root command with args and returns its output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := GetRootCmd()
	resetFlags(cmd)

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)
	t.Cleanup(func() {
		cmd.SetOut(nil)
		cmd.SetErr(nil)
		cmd.SetArgs(nil)
	})

	err := cmd.Execute()
	return output.String(), err
}

// resetFlags restores every flag of cmd and its subcommands to its default,
// including cobra's help flag, so commands do not leak state between runs.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// writeTestConfig points the data directory at a temp dir.
func writeTestConfig(t *testing.T) (configPath, dataDir string) {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	dataDir = t.TempDir()
	configPath = filepath.Join(dataDir, "tripmate.json")
	body := `{
  "data_dir": "` + filepath.ToSlash(dataDir) + `",
  "logging": {"level": "warn", "console": false},
  "server": {"port": 1}
}`
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0600))
	return configPath, dataDir
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		output, err := executeCommand(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, output, "tripmate version")
		assert.Contains(t, output, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		output, err := executeCommand(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "Tripmate")
		assert.Contains(t, output, "travel assistant")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)
	})

	t.Run("subcommands", func(t *testing.T) {
		names := make(map[string]bool)
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"serve", "chat", "ingest", "query", "export", "import", "status"} {
			assert.True(t, names[want], "%s command should exist", want)
		}
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestFlagsDoNotLeakBetweenRuns(t *testing.T) {
	_, err := executeCommand(t, "query", "--help")
	require.NoError(t, err)
	help := queryCmd.Flags().Lookup("help")
	require.NotNil(t, help)
	assert.Equal(t, "true", help.Value.String())

	configPath, _ := writeTestConfig(t)
	output, err := executeCommand(t, "--config", configPath, "query", "-k", "2", "visa rules")
	require.NoError(t, err)
	assert.NotContains(t, output, "Usage:")
	assert.Equal(t, 2, queryTopK)

	resetFlags(GetRootCmd())
	assert.Equal(t, "false", help.Value.String())
	assert.Equal(t, 0, queryTopK)
	assert.Empty(t, cfgFile)
	assert.False(t, queryCmd.Flags().Changed("top-k"))
}
