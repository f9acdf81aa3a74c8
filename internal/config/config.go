// Package config loads voxqueue settings from a YAML file and VOXQUEUE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/voxqueue/internal/engine"
	"github.com/fmueller/voxqueue/internal/postprocess"
	"github.com/fmueller/voxqueue/internal/worker"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir     string      `yaml:"data_dir"`
	Database    string      `yaml:"database"`
	OutputDir   string      `yaml:"output_dir"`
	Engine      Engine      `yaml:"engine"`
	Worker      Worker      `yaml:"worker"`
	PostProcess PostProcess `yaml:"postprocess"`
	Log         Log         `yaml:"log"`
	Defaults    Defaults    `yaml:"defaults"`
}

type Engine struct {
	Python    string        `yaml:"python"`
	Script    string        `yaml:"script"`
	Timeout   time.Duration `yaml:"timeout"`
	KillGrace time.Duration `yaml:"kill_grace"`
	GPUs      string        `yaml:"gpus"`
	HFToken   string        `yaml:"huggingface_token"`
}

type Worker struct {
	BatchSize     int           `yaml:"batch_size"`
	Concurrency   int           `yaml:"concurrency"`
	MaxFileSizeMB int64         `yaml:"max_file_size_mb"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

type PostProcess struct {
	QueueSize    int           `yaml:"queue_size"`
	Workers      int           `yaml:"workers"`
	Timeout      time.Duration `yaml:"timeout"`
	SpeakerNames string        `yaml:"speaker_names"`
	ExtractURL   string        `yaml:"extract_url"`
	ExtractToken string        `yaml:"extract_token"`
	Retries      int           `yaml:"retries"`
}

type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file"`
}

// Defaults are the request parameters used by enqueue when no flag is given.
type Defaults struct {
	ModelSize   string `yaml:"model_size"`
	Language    string `yaml:"language"`
	Diarization bool   `yaml:"diarization"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Engine: Engine{
			Python:    engine.DefaultPython,
			Timeout:   engine.DefaultTimeout,
			KillGrace: engine.DefaultKillGrace,
			GPUs:      engine.DefaultGPUs,
		},
		Worker: Worker{
			BatchSize:     worker.DefaultBatchSize,
			Concurrency:   1,
			MaxFileSizeMB: worker.DefaultMaxFileSize >> 20,
			JobTimeout:    worker.DefaultJobTimeout,
			PollInterval:  worker.DefaultPollInterval,
		},
		PostProcess: PostProcess{
			QueueSize: postprocess.DefaultQueueSize,
			Workers:   1,
			Timeout:   postprocess.DefaultTimeout,
			Retries:   3,
		},
		Log:      Log{Level: "info"},
		Defaults: Defaults{ModelSize: "base", Diarization: true},
	}
}

// Load reads path over the defaults and then applies environment overrides.
// A missing file is only an error when required is set.
func Load(path string, required bool, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a job.
func (c Config) Validate() error {
	var errs []error
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, errors.New("worker.batch_size must be positive"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be positive"))
	}
	if c.Worker.MaxFileSizeMB <= 0 {
		errs = append(errs, errors.New("worker.max_file_size_mb must be positive"))
	}
	if c.Engine.Timeout <= 0 {
		errs = append(errs, errors.New("engine.timeout must be positive"))
	}
	if bound := worker.AttemptBound(c.Engine.Timeout, c.killGrace()); c.Worker.JobTimeout <= 2*bound {
		errs = append(errs, fmt.Errorf("worker.job_timeout (%s) must be greater than two engine attempts of %s (engine.timeout plus twice engine.kill_grace)", c.Worker.JobTimeout, bound))
	}
	if c.PostProcess.QueueSize <= 0 {
		errs = append(errs, errors.New("postprocess.queue_size must be positive"))
	}
	if !ValidModelSize(c.Defaults.ModelSize) {
		errs = append(errs, fmt.Errorf("defaults.model_size %q is not a known model size", c.Defaults.ModelSize))
	}
	return errors.Join(errs...)
}

// killGrace is the grace the engine will actually use.
func (c Config) killGrace() time.Duration {
	if c.Engine.KillGrace <= 0 {
		return engine.DefaultKillGrace
	}
	return c.Engine.KillGrace
}

// ValidModelSize reports whether the engine accepts size as --model-size.
func ValidModelSize(size string) bool {
	switch strings.ToLower(strings.TrimSpace(size)) {
	case "tiny", "base", "small", "medium", "large", "large-v2", "large-v3":
		return true
	default:
		return false
	}
}

// EngineEnv is the extra environment handed to the engine process.
func (c Config) EngineEnv() []string {
	if c.Engine.HFToken == "" {
		return nil
	}
	return []string{"HUGGINGFACE_TOKEN=" + c.Engine.HFToken}
}

func (c Config) WorkerConfig() worker.Config {
	return worker.Config{
		BatchSize:         c.Worker.BatchSize,
		Concurrency:       c.Worker.Concurrency,
		MaxFileSize:       c.Worker.MaxFileSizeMB << 20,
		JobTimeout:        c.Worker.JobTimeout,
		SubprocessTimeout: c.Engine.Timeout,
		KillGrace:         c.killGrace(),
		PollInterval:      c.Worker.PollInterval,
	}
}

func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		Python:    c.Engine.Python,
		Script:    c.Engine.Script,
		Timeout:   c.Engine.Timeout,
		KillGrace: c.Engine.KillGrace,
		GPUs:      c.Engine.GPUs,
		Env:       c.EngineEnv(),
	}
}

type override struct {
	key   string
	apply func(cfg *Config, value string) error
}

var overrides = []override{
	{"VOXQUEUE_DATA_DIR", setString(func(c *Config) *string { return &c.DataDir })},
	{"VOXQUEUE_DATABASE", setString(func(c *Config) *string { return &c.Database })},
	{"VOXQUEUE_OUTPUT_DIR", setString(func(c *Config) *string { return &c.OutputDir })},
	{"VOXQUEUE_PYTHON", setString(func(c *Config) *string { return &c.Engine.Python })},
	{"VOXQUEUE_ENGINE_SCRIPT", setString(func(c *Config) *string { return &c.Engine.Script })},
	{"VOXQUEUE_ENGINE_TIMEOUT", setDuration(func(c *Config) *time.Duration { return &c.Engine.Timeout })},
	{"VOXQUEUE_GPUS", setString(func(c *Config) *string { return &c.Engine.GPUs })},
	{"HUGGINGFACE_TOKEN", setString(func(c *Config) *string { return &c.Engine.HFToken })},
	{"VOXQUEUE_BATCH_SIZE", setInt(func(c *Config) *int { return &c.Worker.BatchSize })},
	{"VOXQUEUE_CONCURRENCY", setInt(func(c *Config) *int { return &c.Worker.Concurrency })},
	{"VOXQUEUE_JOB_TIMEOUT", setDuration(func(c *Config) *time.Duration { return &c.Worker.JobTimeout })},
	{"VOXQUEUE_POLL_INTERVAL", setDuration(func(c *Config) *time.Duration { return &c.Worker.PollInterval })},
	{"VOXQUEUE_SPEAKER_NAMES", setString(func(c *Config) *string { return &c.PostProcess.SpeakerNames })},
	{"VOXQUEUE_EXTRACT_URL", setString(func(c *Config) *string { return &c.PostProcess.ExtractURL })},
	{"VOXQUEUE_EXTRACT_TOKEN", setString(func(c *Config) *string { return &c.PostProcess.ExtractToken })},
	{"VOXQUEUE_LOG_LEVEL", setString(func(c *Config) *string { return &c.Log.Level })},
	{"VOXQUEUE_LOG_FILE", setString(func(c *Config) *string { return &c.Log.File })},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range overrides {
		value, ok := lookup(o.key)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if err := o.apply(cfg, strings.TrimSpace(value)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.key, err))
		}
	}
	return errors.Join(errs...)
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		*field(cfg) = value
		return nil
	}
}

func setInt(field func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer %q", value)
		}
		*field(cfg) = n
		return nil
	}
}

func setDuration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q", value)
		}
		*field(cfg) = d
		return nil
	}
}
