package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Verbose bool
	JSON    bool
	// Level overrides Verbose when set ("debug", "info", "warn", "error").
	Level string
	// File, when set, receives log lines in addition to stderr.
	File string
}

func New(opts Options) (*zap.Logger, error) {
	level, err := resolveLevel(opts)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	if !opts.JSON {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = ""
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeCaller = nil
	}

	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = level > zapcore.DebugLevel

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		cfg.OutputPaths = append(cfg.OutputPaths, opts.File)
	}

	if opts.JSON {
		cfg.Encoding = "json"
		cfg.InitialFields = map[string]any{"service": "voxqueue", "pid": os.Getpid()}
	} else {
		cfg.Encoding = "console"
	}

	return cfg.Build()
}

func resolveLevel(opts Options) (zapcore.Level, error) {
	if strings.TrimSpace(opts.Level) != "" {
		level, err := zapcore.ParseLevel(strings.TrimSpace(opts.Level))
		if err != nil {
			return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", opts.Level)
		}
		return level, nil
	}
	if opts.Verbose {
		return zapcore.DebugLevel, nil
	}
	return zapcore.InfoLevel, nil
}
