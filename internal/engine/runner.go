package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fmueller/voxqueue/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultTimeout   = 10 * time.Minute
	DefaultKillGrace = 5 * time.Second
	DefaultPython    = "python3"
	DefaultGPUs      = "0"

	outputTailBytes = 64 << 10
)

type Device string

const (
	DeviceGPU Device = "cuda"
	DeviceCPU Device = "cpu"
)

// Invocation is one engine run for one device.
type Invocation struct {
	AudioPath  string
	OutputPath string
	Device     Device
	Params     domain.Params
}

type Config struct {
	Python    string
	Script    string
	Timeout   time.Duration
	KillGrace time.Duration
	// GPUs is the CUDA_VISIBLE_DEVICES value for the GPU attempt.
	GPUs string
	// Env is appended to the parent environment, e.g. HUGGINGFACE_TOKEN=...
	Env []string
}

// Runner launches the external transcription script as a child process.
type Runner struct {
	cfg    Config
	logger *zap.Logger
}

func NewRunner(cfg Config, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if strings.TrimSpace(cfg.Script) == "" {
		return nil, errors.New("engine script path is required")
	}
	if _, err := os.Stat(cfg.Script); err != nil {
		return nil, fmt.Errorf("engine script not found: %w", err)
	}

	if strings.TrimSpace(cfg.Python) == "" {
		cfg.Python = DefaultPython
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if strings.TrimSpace(cfg.GPUs) == "" {
		cfg.GPUs = DefaultGPUs
	}

	return &Runner{cfg: cfg, logger: logger}, nil
}

func (r *Runner) Timeout() time.Duration {
	return r.cfg.Timeout
}

// Run executes the engine once. It returns nil when the process exited with
// status 0 and a *Failure otherwise. The output artifact is not inspected.
func (r *Runner) Run(ctx context.Context, inv Invocation) error {
	if strings.TrimSpace(inv.AudioPath) == "" {
		return errors.New("audio path is required")
	}
	if strings.TrimSpace(inv.OutputPath) == "" {
		return errors.New("output path is required")
	}
	if err := os.MkdirAll(filepath.Dir(inv.OutputPath), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	args := append([]string{r.cfg.Script}, BuildArgs(inv)...)
	cmd := exec.CommandContext(runCtx, r.cfg.Python, args...)
	cmd.Env = r.environ(inv.Device)

	stdout := newTailBuffer(outputTailBytes)
	stderr := newTailBuffer(outputTailBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	stopKiller := terminateOnCancel(cmd, r.cfg.KillGrace)
	defer stopKiller()

	log := r.logger.With(zap.String("device", string(inv.Device)), zap.String("audio", inv.AudioPath))
	log.Debug("running transcription engine", zap.String("python", r.cfg.Python), zap.Strings("args", args))

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)
	log.Debug("transcription engine exited", zap.Duration("elapsed", elapsed), zap.String("stdout_tail", lastLines(stdout.String(), 20)))
	if err == nil {
		return nil
	}

	failure := &Failure{
		Device:   inv.Device,
		ExitCode: exitCode(err),
		Stderr:   strings.TrimSpace(stderr.String()),
		Elapsed:  elapsed,
		Err:      err,
	}

	switch {
	case ctx.Err() != nil:
		failure.Signal = SignalCanceled
		failure.Err = ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		failure.Signal = SignalTimeout
		failure.Err = fmt.Errorf("engine exceeded %s timeout: %w", r.cfg.Timeout, context.DeadlineExceeded)
	case isStartError(err):
		failure.Signal = SignalStartFailed
	default:
		failure.Signal = Classify(failure.Stderr, failure.ExitCode)
	}

	log.Warn("transcription engine failed",
		zap.String("signal", string(failure.Signal)),
		zap.Int("exit_code", failure.ExitCode),
		zap.Duration("elapsed", elapsed),
		zap.String("stderr_tail", lastLines(failure.Stderr, 10)),
	)
	return failure
}

// BuildArgs returns the script arguments for inv, excluding the script path.
func BuildArgs(inv Invocation) []string {
	modelSize := strings.TrimSpace(inv.Params.ModelSize)
	if modelSize == "" {
		modelSize = "base"
	}

	args := []string{
		"--audio-file", inv.AudioPath,
		"--output-file", inv.OutputPath,
		"--model-size", modelSize,
		"--device", string(inv.Device),
	}

	lang := strings.ToLower(strings.TrimSpace(inv.Params.Language))
	if lang != "" && lang != "auto" {
		args = append(args, "--language", lang)
	}
	if !inv.Params.Diarization {
		args = append(args, "--disable-diarization")
	}
	if inv.Params.Speakers != nil && *inv.Params.Speakers > 0 {
		args = append(args, "--num-speakers", strconv.Itoa(*inv.Params.Speakers))
	}

	return args
}

func (r *Runner) environ(device Device) []string {
	base := os.Environ()
	env := make([]string, 0, len(base)+len(r.cfg.Env)+1)
	for _, kv := range base {
		if strings.HasPrefix(kv, "CUDA_VISIBLE_DEVICES=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, r.cfg.Env...)

	if device == DeviceGPU {
		env = append(env, "CUDA_VISIBLE_DEVICES="+r.cfg.GPUs)
	}
	return env
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}

func isStartError(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false
	}
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission)
}

func lastLines(text string, n int) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
