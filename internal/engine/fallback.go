package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/fmueller/voxqueue/internal/domain"
	"go.uber.org/zap"
)

// ExhaustedMessage is stored on the job when no device produced a transcript.
const ExhaustedMessage = "Transcription failed on both GPU and CPU"

// Engine runs one transcription attempt; *Runner is the production engine.
type Engine interface {
	Run(ctx context.Context, inv Invocation) error
}

// ProgressFunc receives progress checkpoints (0-100) while attempts run.
type ProgressFunc func(ctx context.Context, progress int)

type fallbackState int

const (
	stateTryGPU fallbackState = iota
	stateTryCPU
	stateSuccess
	stateExhausted
)

// Outcome reports which device produced the artifact and the failures seen
// before it.
type Outcome struct {
	Device   Device
	Failures []error
}

// Fallback sequences a GPU attempt and a CPU attempt. Every job starts on the
// GPU; any GPU failure leads to a CPU attempt, the classification is only
// logged.
type Fallback struct {
	engine         Engine
	logger         *zap.Logger
	removeArtifact func(outputPath string) error
}

func NewFallback(engine Engine, logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{engine: engine, logger: logger, removeArtifact: RemoveArtifacts}
}

// Execute runs the engine until one device succeeds. When both fail the
// error is a *domain.Error carrying ExhaustedMessage. Cancellation of ctx
// ends the sequence early and returns ctx's error.
func (f *Fallback) Execute(ctx context.Context, inv Invocation, progress ProgressFunc) (Outcome, error) {
	if progress == nil {
		progress = func(context.Context, int) {}
	}

	var outcome Outcome
	state := stateTryGPU
	for {
		switch state {
		case stateTryGPU:
			progress(ctx, domain.ProgressEngineStarted)
			if f.attempt(ctx, inv, DeviceGPU, &outcome) {
				state = stateSuccess
				continue
			}
			if err := ctx.Err(); err != nil {
				return outcome, err
			}
			state = stateTryCPU

		case stateTryCPU:
			progress(ctx, domain.ProgressFallback)
			if f.attempt(ctx, inv, DeviceCPU, &outcome) {
				state = stateSuccess
				continue
			}
			if err := ctx.Err(); err != nil {
				return outcome, err
			}
			state = stateExhausted

		case stateSuccess:
			progress(ctx, domain.ProgressEngineDone)
			return outcome, nil

		case stateExhausted:
			return outcome, domain.NewError(exhaustedKind(outcome.Failures), ExhaustedMessage, errors.Join(outcome.Failures...))
		}
	}
}

func (f *Fallback) attempt(ctx context.Context, inv Invocation, device Device, outcome *Outcome) bool {
	inv.Device = device
	if err := f.removeArtifact(inv.OutputPath); err != nil {
		f.logger.Warn("failed to remove stale engine output", zap.String("output", inv.OutputPath), zap.Error(err))
	}

	err := f.engine.Run(ctx, inv)
	if err == nil {
		outcome.Device = device
		f.logger.Info("transcription engine succeeded", zap.String("device", string(device)), zap.Int("failed_attempts", len(outcome.Failures)))
		return true
	}

	outcome.Failures = append(outcome.Failures, fmt.Errorf("%s attempt: %w", device, err))
	if cleanupErr := f.removeArtifact(inv.OutputPath); cleanupErr != nil {
		f.logger.Warn("failed to remove partial engine output", zap.String("output", inv.OutputPath), zap.Error(cleanupErr))
	}

	fields := []zap.Field{zap.String("device", string(device)), zap.Error(err)}
	var failure *Failure
	if errors.As(err, &failure) {
		fields = append(fields, zap.String("signal", string(failure.Signal)), zap.Int("exit_code", failure.ExitCode))
	}
	if device == DeviceGPU {
		f.logger.Warn("GPU attempt failed, falling back to CPU", fields...)
	} else {
		f.logger.Warn("CPU attempt failed", fields...)
	}
	return false
}

func exhaustedKind(failures []error) domain.ErrorKind {
	if len(failures) == 0 {
		return domain.KindSubprocessFailure
	}
	for _, err := range failures {
		var failure *Failure
		if !errors.As(err, &failure) || failure.Signal != SignalTimeout {
			return domain.KindSubprocessFailure
		}
	}
	return domain.KindSubprocessTimeout
}
