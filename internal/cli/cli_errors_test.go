package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCLIErrorCases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		args        []string
		errContains string
	}{
		{name: "unknown command", args: []string{"badcmd"}, errContains: "unknown command"},
		{name: "unknown root flag", args: []string{"--badflag"}, errContains: "unknown flag"},
		{name: "unknown subcommand flag", args: []string{"enqueue", "--bogus", "f.wav"}, errContains: "unknown flag"},
		{name: "enqueue missing arg", args: []string{"enqueue"}, errContains: "accepts 1 arg(s)"},
		{name: "enqueue too many args", args: []string{"enqueue", "a.wav", "b.wav"}, errContains: "accepts 1 arg(s)"},
		{name: "status missing arg", args: []string{"status"}, errContains: "accepts 1 arg(s)"},
		{name: "worker takes no args", args: []string{"worker", "extra"}, errContains: "unknown command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := runCommand(t, tt.args)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestCommandErrorsAgainstTestEnv(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, transcribingStub)
	wav := env.writeWAV(t, "a.wav", tone(160))

	tests := []struct {
		name        string
		args        []string
		errContains string
	}{
		{name: "nonexistent audio", args: []string{"enqueue", "/no/such/file.wav"}, errContains: "audio file not found"},
		{name: "directory as audio", args: []string{"enqueue", env.dir}, errContains: "is a directory"},
		{name: "unknown model", args: []string{"enqueue", wav, "--model", "gigantic"}, errContains: "unknown model size"},
		{name: "negative speakers", args: []string{"enqueue", wav, "--speakers", "-1"}, errContains: "must not be negative"},
		{name: "checksum mismatch", args: []string{"enqueue", wav, "--sha256", strings.Repeat("0", 64)}, errContains: "checksum mismatch"},
		{name: "unknown file", args: []string{"status", "nope"}, errContains: "no jobs for file nope"},
		{name: "unknown file all", args: []string{"status", "nope", "--all"}, errContains: "no jobs for file nope"},
		{name: "unknown job", args: []string{"retry", "nope"}, errContains: "job not found: nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.run(t, tt.args...)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestExplicitConfigMustExist(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "missing.yaml")
	_, _, err := runCommand(t, []string{"--config", missing, "--data-dir", t.TempDir(), "status", "x"})
	require.ErrorContains(t, err, "read config")
}

func TestInvalidConfigIsRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, transcribingStub)
	_, err := env.run(t, "--config", writeFile(t, "worker:\n  job_timeout: 1m\n"), "status", "x")
	require.ErrorContains(t, err, "invalid config")
}

func TestVersionFlagOutput(t *testing.T) {
	t.Parallel()

	stdout, _, err := runCommand(t, []string{"--version"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(stdout, "voxqueue v"), "expected version prefix, got: %s", stdout)

	stdout, _, err = runCommand(t, []string{"version"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(stdout, "voxqueue v"), "expected version prefix, got: %s", stdout)

	stdout, _, err = runCommand(t, []string{"version", "--output-json"})
	require.NoError(t, err)
	require.Contains(t, stdout, `"go_version"`)
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
