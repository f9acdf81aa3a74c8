package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/voxqueue/internal/diarize"
	"github.com/fmueller/voxqueue/internal/domain"
	"github.com/fmueller/voxqueue/internal/engine"
	"go.uber.org/zap"
)

// writeTimeout bounds store writes made after the job context is done.
const writeTimeout = 10 * time.Second

// Executor produces a transcript artifact; *engine.Fallback is the
// production implementation.
type Executor interface {
	Execute(ctx context.Context, inv engine.Invocation, progress engine.ProgressFunc) (engine.Outcome, error)
}

// SpeakerResolver may rename diarized speaker labels. changed=false means
// the segments are left as they were.
type SpeakerResolver interface {
	Resolve(ctx context.Context, fileID string, segments []domain.Segment) (resolved []domain.Segment, changed bool, err error)
}

// PostProcessor accepts completed jobs for background processing. Submit
// must not block.
type PostProcessor interface {
	Submit(job domain.Job) bool
}

// Options holds the dependencies of a Manager.
type Options struct {
	Store       Store
	Executor    Executor
	OutputDir   string
	Speakers    SpeakerResolver
	PostProcess PostProcessor
	Logger      *zap.Logger
	Stat        func(name string) (os.FileInfo, error)
}

// Outcome summarizes one Process call.
type Outcome struct {
	JobID             string                   `json:"job_id"`
	FileID            string                   `json:"file_id"`
	Status            domain.JobStatus         `json:"status"`
	Error             string                   `json:"error,omitempty"`
	ErrorKind         domain.ErrorKind         `json:"error_kind,omitempty"`
	Device            engine.Device            `json:"device,omitempty"`
	DiarizationStatus domain.DiarizationStatus `json:"diarization_status,omitempty"`
	Segments          int                      `json:"segments"`
	Elapsed           time.Duration            `json:"elapsed"`
}

// Manager owns the state machine of one job at a time:
// pending -> processing -> completed | failed.
type Manager struct {
	store       Store
	executor    Executor
	outputDir   string
	speakers    SpeakerResolver
	postProcess PostProcessor
	logger      *zap.Logger
	stat        func(name string) (os.FileInfo, error)
}

// NewManager validates opts and builds a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("job store is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("transcription executor is required")
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		return nil, errors.New("output directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Stat == nil {
		opts.Stat = os.Stat
	}

	return &Manager{
		store:       opts.Store,
		executor:    opts.Executor,
		outputDir:   opts.OutputDir,
		speakers:    opts.Speakers,
		postProcess: opts.PostProcess,
		logger:      opts.Logger,
		stat:        opts.Stat,
	}, nil
}

// OutputPath is where the engine writes the transcript for jobID.
func (m *Manager) OutputPath(jobID string) string {
	return filepath.Join(m.outputDir, jobID+".json")
}

// Process runs job to a terminal state. Pending jobs are claimed first.
// Failures are recorded on the job and reported in the Outcome; Process
// itself never panics or returns an error.
func (m *Manager) Process(ctx context.Context, job domain.Job) (out Outcome) {
	started := time.Now()
	log := m.logger.With(zap.String("job_id", job.ID), zap.String("file_id", job.FileID))
	out = Outcome{JobID: job.ID, FileID: job.FileID, Status: job.Status}

	defer func() {
		if r := recover(); r != nil {
			log.Error("transcription job panicked", zap.Any("panic", r), zap.Stack("stack"))
			out = m.fail(ctx, log, job, domain.NewError(domain.KindInternal, fmt.Sprintf("Unexpected error during transcription: %v", r), nil), out)
		}
		out.Elapsed = time.Since(started)
	}()

	if job.Status == domain.JobStatusPending {
		claimed, err := m.store.Update(ctx, job.ID, domain.ClaimUpdate())
		if err != nil {
			log.Warn("could not claim job", zap.Error(err))
			out.Error = fmt.Sprintf("claim job: %v", err)
			return out
		}
		job = claimed
	}
	if job.Status != domain.JobStatusProcessing {
		out.Error = fmt.Sprintf("job is %s, not processing", job.Status)
		return out
	}

	if err := m.checkInput(job.AudioPath); err != nil {
		return m.fail(ctx, log, job, err, out)
	}

	outputPath := m.OutputPath(job.ID)
	log.Info("transcription started", zap.String("audio", job.AudioPath), zap.String("model", job.Params.ModelSize), zap.Bool("diarization", job.Params.Diarization))

	result, err := m.executor.Execute(ctx, engine.Invocation{
		AudioPath:  job.AudioPath,
		OutputPath: outputPath,
		Params:     job.Params,
	}, m.progress(job.ID, log))
	out.Device = result.Device
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = domain.NewError(domain.KindJobTimeout, "Transcription was interrupted before completion", errors.Join(ctxErr, err))
		}
		return m.fail(ctx, log, job, err, out)
	}

	artifact, err := diarize.LoadArtifact(outputPath)
	if err != nil {
		return m.fail(ctx, log, job, err, out)
	}

	diarization := diarize.Interpret(job.Params.Diarization, artifact.Segments, artifact.Metadata)
	if err := diarization.Err(); err != nil {
		log.Warn("speaker diarization failed; keeping transcript without speaker labels", zap.Error(err))
	}

	segments := artifact.Segments
	if diarization.Status == domain.DiarizationSuccess {
		segments = m.resolveSpeakers(ctx, log, job.FileID, segments)
	}
	if segments == nil {
		segments = []domain.Segment{}
	}

	wctx, cancel := writeContext(ctx)
	defer cancel()
	saved, err := m.store.Update(wctx, job.ID, domain.Update{
		Status:            domain.JobStatusCompleted,
		Transcript:        segments,
		DiarizationStatus: diarization.Status,
		DiarizationError:  domain.StringPtr(diarization.Error),
	})
	if err != nil {
		log.Error("failed to persist completed transcription", zap.Error(err))
		return m.settle(ctx, job, fmt.Errorf("persist completed job: %w", err), out)
	}

	out.Status = saved.Status
	out.DiarizationStatus = saved.DiarizationStatus
	out.Segments = len(saved.Transcript)
	log.Info("transcription completed",
		zap.String("device", string(result.Device)),
		zap.Int("segments", len(saved.Transcript)),
		zap.String("diarization_status", string(saved.DiarizationStatus)),
		zap.Int("speakers", diarization.Speakers),
		zap.String("language", artifact.Language),
	)

	if m.postProcess != nil && !m.postProcess.Submit(saved) {
		log.Warn("post-processing queue rejected job")
	}
	return out
}

func (m *Manager) checkInput(path string) error {
	if strings.TrimSpace(path) == "" {
		return domain.NewError(domain.KindInputNotFound, "Audio file path is empty", nil)
	}
	info, err := m.stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.NewError(domain.KindInputNotFound, fmt.Sprintf("Audio file not found: %s", path), err)
		}
		return domain.NewError(domain.KindInputNotFound, fmt.Sprintf("Audio file is not accessible: %s", path), err)
	}
	if info.IsDir() {
		return domain.NewError(domain.KindInputNotFound, fmt.Sprintf("Audio path is a directory: %s", path), nil)
	}
	return nil
}

func (m *Manager) progress(jobID string, log *zap.Logger) engine.ProgressFunc {
	return func(ctx context.Context, progress int) {
		if _, err := m.store.Update(ctx, jobID, domain.ProgressUpdate(progress)); err != nil {
			log.Warn("failed to record progress", zap.Int("progress", progress), zap.Error(err))
		}
	}
}

func (m *Manager) resolveSpeakers(ctx context.Context, log *zap.Logger, fileID string, segments []domain.Segment) (result []domain.Segment) {
	if m.speakers == nil {
		return segments
	}

	result = segments
	defer func() {
		if r := recover(); r != nil {
			log.Warn("speaker name resolution panicked; keeping original labels", zap.Any("panic", r))
			result = segments
		}
	}()

	resolved, changed, err := m.speakers.Resolve(ctx, fileID, segments)
	if err != nil {
		log.Warn("speaker name resolution failed; keeping original labels", zap.Error(err))
		return segments
	}
	if !changed || len(resolved) != len(segments) {
		return segments
	}
	log.Debug("speaker labels resolved to names")
	return resolved
}

func (m *Manager) fail(ctx context.Context, log *zap.Logger, job domain.Job, cause error, out Outcome) Outcome {
	message := domain.Message(cause)
	kind := domain.KindOf(cause)
	log.Warn("transcription failed", zap.String("kind", string(kind)), zap.String("last_error", message), zap.Error(cause))

	wctx, cancel := writeContext(ctx)
	defer cancel()
	saved, err := m.store.Update(wctx, job.ID, domain.FailUpdate(message))
	if err != nil {
		log.Error("failed to persist job failure", zap.Error(err))
		return m.settle(ctx, job, cause, out)
	}

	out.Status = saved.Status
	out.DiarizationStatus = saved.DiarizationStatus
	out.Error = message
	out.ErrorKind = kind
	return out
}

// settle reports whatever terminal state the store holds after our own write
// was rejected, e.g. because a watchdog already failed the job.
func (m *Manager) settle(ctx context.Context, job domain.Job, cause error, out Outcome) Outcome {
	out.Error = domain.Message(cause)
	out.ErrorKind = domain.KindOf(cause)
	wctx, cancel := writeContext(ctx)
	defer cancel()
	current, err := m.store.Get(wctx, job.ID)
	if err != nil {
		return out
	}
	out.Status = current.Status
	out.DiarizationStatus = current.DiarizationStatus
	if current.LastError != nil {
		out.Error = *current.LastError
	}
	return out
}

// writeContext keeps terminal writes alive after the job context is done.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}
