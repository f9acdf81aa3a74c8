package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsWhenFileIsMissing(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"), false, envMap(nil))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
	require.Equal(t, int64(100<<20), cfg.WorkerConfig().MaxFileSize)
}

func TestLoadRequiredFileMustExist(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "none.yaml"), true, envMap(nil))
	require.ErrorContains(t, err, "read config")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
database: /srv/voxqueue/jobs.db
engine:
  script: /opt/voxqueue/transcribe.py
  timeout: 5m
worker:
  batch_size: 3
  job_timeout: 15m
postprocess:
  extract_url: http://localhost:9000/extract
defaults:
  model_size: small
  language: de
`)

	cfg, err := Load(path, true, envMap(nil))
	require.NoError(t, err)
	require.Equal(t, "/srv/voxqueue/jobs.db", cfg.Database)
	require.Equal(t, "/opt/voxqueue/transcribe.py", cfg.Engine.Script)
	require.Equal(t, 5*time.Minute, cfg.Engine.Timeout)
	require.Equal(t, "python3", cfg.Engine.Python)
	require.Equal(t, 3, cfg.Worker.BatchSize)
	require.Equal(t, 15*time.Minute, cfg.Worker.JobTimeout)
	require.Equal(t, "small", cfg.Defaults.ModelSize)
	require.True(t, cfg.Defaults.Diarization)
	require.NoError(t, cfg.Validate())

	wc := cfg.WorkerConfig()
	require.Equal(t, 5*time.Minute, wc.SubprocessTimeout)
	require.NoError(t, wc.Validate())
}

func TestLoadAppliesEnvironmentOverFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "worker:\n  batch_size: 3\n")
	cfg, err := Load(path, true, envMap(map[string]string{
		"VOXQUEUE_BATCH_SIZE":     "8",
		"VOXQUEUE_ENGINE_TIMEOUT": "2m",
		"VOXQUEUE_ENGINE_SCRIPT":  " /opt/t.py ",
		"HUGGINGFACE_TOKEN":       "hf_secret",
		"VOXQUEUE_CONCURRENCY":    "",
	}))
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Worker.BatchSize)
	require.Equal(t, 1, cfg.Worker.Concurrency)
	require.Equal(t, 2*time.Minute, cfg.Engine.Timeout)
	require.Equal(t, "/opt/t.py", cfg.Engine.Script)
	require.Equal(t, []string{"HUGGINGFACE_TOKEN=hf_secret"}, cfg.EngineConfig().Env)
}

func TestLoadReportsBadValues(t *testing.T) {
	t.Parallel()

	_, err := Load("", false, envMap(map[string]string{
		"VOXQUEUE_BATCH_SIZE":    "many",
		"VOXQUEUE_JOB_TIMEOUT":   "soon",
		"VOXQUEUE_POLL_INTERVAL": "1s",
	}))
	require.ErrorContains(t, err, "VOXQUEUE_BATCH_SIZE: invalid integer")
	require.ErrorContains(t, err, "VOXQUEUE_JOB_TIMEOUT: invalid duration")

	_, err = Load(writeConfig(t, "worker: [1, 2]"), true, envMap(nil))
	require.ErrorContains(t, err, "parse config")
}

func TestValidateRejectsJobTimeoutTooShortForFallback(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Engine.Timeout = 10 * time.Minute
	cfg.Worker.JobTimeout = 20 * time.Minute
	require.ErrorContains(t, cfg.Validate(), "must be greater than two engine attempts")

	// Each attempt may outlive its timeout by twice the kill grace.
	cfg.Engine.KillGrace = 30 * time.Second
	cfg.Worker.JobTimeout = 20*time.Minute + time.Second
	require.ErrorContains(t, cfg.Validate(), "two engine attempts of 11m0s")
	require.ErrorContains(t, cfg.WorkerConfig().Validate(), "two engine attempts")

	cfg.Worker.JobTimeout = 22*time.Minute + time.Second
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.WorkerConfig().Validate())

	cfg.Engine.KillGrace = 0
	cfg.Worker.JobTimeout = 20*time.Minute + 20*time.Second
	require.ErrorContains(t, cfg.Validate(), "two engine attempts of 10m10s")
}

func TestValidateCollectsAllProblems(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Worker.BatchSize = 0
	cfg.Defaults.ModelSize = "gigantic"

	err := cfg.Validate()
	require.ErrorContains(t, err, "batch_size")
	require.ErrorContains(t, err, "gigantic")
}
