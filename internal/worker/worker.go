// Package worker claims pending transcription jobs and runs them under a
// job-level timeout.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fmueller/voxqueue/internal/domain"
	"github.com/fmueller/voxqueue/internal/jobs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize    = 5
	DefaultMaxFileSize  = 100 << 20
	DefaultJobTimeout   = 25 * time.Minute
	DefaultPollInterval = 10 * time.Second
	DefaultTimeoutGrace = 30 * time.Second

	// InterruptedMessage is stored on jobs found processing after a crash.
	InterruptedMessage = "Job interrupted before completion"
)

// Processor drives one job to a terminal state; *jobs.Manager is the
// production implementation.
type Processor interface {
	Process(ctx context.Context, job domain.Job) jobs.Outcome
}

type Config struct {
	BatchSize   int
	Concurrency int
	MaxFileSize int64
	JobTimeout  time.Duration
	// SubprocessTimeout and KillGrace are only used to check that JobTimeout
	// leaves room for a GPU and a CPU attempt.
	SubprocessTimeout time.Duration
	KillGrace         time.Duration
	PollInterval      time.Duration
	// TimeoutGrace is how long a timed-out job may take to wind down after
	// its context is cancelled.
	TimeoutGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.TimeoutGrace <= 0 {
		c.TimeoutGrace = DefaultTimeoutGrace
	}
	return c
}

// AttemptBound is the longest one engine attempt can run. After the
// subprocess timeout the process gets killGrace before SIGKILL and is
// abandoned once twice killGrace has passed.
func AttemptBound(subprocessTimeout, killGrace time.Duration) time.Duration {
	return subprocessTimeout + 2*killGrace
}

// Validate checks the timeout ordering the fallback depends on.
func (c Config) Validate() error {
	if c.SubprocessTimeout > 0 {
		if bound := AttemptBound(c.SubprocessTimeout, c.KillGrace); c.JobTimeout <= 2*bound {
			return fmt.Errorf("job timeout %s must be greater than two engine attempts of %s each", c.JobTimeout, bound)
		}
	}
	if c.Concurrency > c.BatchSize {
		return fmt.Errorf("concurrency %d must not exceed batch size %d", c.Concurrency, c.BatchSize)
	}
	return nil
}

// Result summarizes one Poll.
type Result struct {
	Processed int            `json:"processed"`
	Outcomes  []jobs.Outcome `json:"results"`
}

type Options struct {
	Store     jobs.Store
	Processor Processor
	Config    Config
	Logger    *zap.Logger
	Stat      func(name string) (os.FileInfo, error)
	Now       func() time.Time
}

type Worker struct {
	store     jobs.Store
	processor Processor
	cfg       Config
	logger    *zap.Logger
	stat      func(name string) (os.FileInfo, error)
	now       func() time.Time
}

func New(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("job store is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("job processor is required")
	}
	cfg := opts.Config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Stat == nil {
		opts.Stat = os.Stat
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Worker{
		store:     opts.Store,
		processor: opts.Processor,
		cfg:       cfg,
		logger:    opts.Logger,
		stat:      opts.Stat,
		now:       opts.Now,
	}, nil
}

// Poll claims and processes up to BatchSize pending jobs, oldest first. One
// job's failure never stops the batch. The error is only set when the store
// could not be queried; the result then still holds the jobs that ran before
// or alongside the failed claim.
func (w *Worker) Poll(ctx context.Context) (Result, error) {
	var (
		mu     sync.Mutex
		result Result
	)
	record := func(out jobs.Outcome) {
		mu.Lock()
		defer mu.Unlock()
		result.Processed++
		result.Outcomes = append(result.Outcomes, out)
	}

	if w.cfg.Concurrency <= 1 {
		for range w.cfg.BatchSize {
			if ctx.Err() != nil {
				break
			}
			job, ok, err := w.claim(ctx)
			if err != nil {
				return result, err
			}
			if !ok {
				break
			}
			record(w.run(ctx, job))
		}
		return result, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for range w.cfg.BatchSize {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			job, ok, err := w.claim(gctx)
			if err != nil || !ok {
				return err
			}
			// The job context must not die with a sibling's claim error.
			record(w.run(ctx, job))
			return nil
		})
	}
	err := g.Wait()
	return result, err
}

// Run polls until ctx is cancelled. A full batch is followed by another poll
// straight away.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("job_timeout", w.cfg.JobTimeout),
		zap.Duration("poll_interval", w.cfg.PollInterval),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		case <-timer.C:
		}

		result, err := w.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("poll failed", zap.Error(err))
		}
		if result.Processed > 0 {
			w.logger.Info("poll finished", zap.Int("processed", result.Processed))
		}

		next := w.cfg.PollInterval
		if err == nil && result.Processed >= w.cfg.BatchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

// Recover fails jobs left in processing for longer than the job timeout,
// e.g. by a worker that crashed mid-run. It returns how many were failed.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	return RecoverStale(ctx, w.store, w.now().Add(-w.cfg.JobTimeout), w.logger)
}

// RecoverStale fails every processing job started at or before cutoff. Jobs
// that finish concurrently are skipped.
func RecoverStale(ctx context.Context, store jobs.Store, cutoff time.Time, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	stuck, err := store.ListByStatus(ctx, domain.JobStatusProcessing, 0)
	if err != nil {
		return 0, fmt.Errorf("list processing jobs: %w", err)
	}

	recovered := 0
	for _, job := range stuck {
		if job.StartedAt != nil && job.StartedAt.After(cutoff) {
			continue
		}
		_, err := store.Update(ctx, job.ID, domain.FailUpdate(InterruptedMessage))
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("fail interrupted job %s: %w", job.ID, err)
		}
		recovered++
		logger.Warn("failed interrupted job", zap.String("job_id", job.ID), zap.String("file_id", job.FileID))
	}
	return recovered, nil
}

func (w *Worker) claim(ctx context.Context) (domain.Job, bool, error) {
	claimed, err := w.store.ClaimNextPending(ctx, 1)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("claim pending job: %w", err)
	}
	if len(claimed) == 0 {
		return domain.Job{}, false, nil
	}
	return claimed[0], true, nil
}

func (w *Worker) run(ctx context.Context, job domain.Job) jobs.Outcome {
	log := w.logger.With(zap.String("job_id", job.ID), zap.String("file_id", job.FileID))

	if err := w.guard(job.AudioPath); err != nil {
		return w.fail(ctx, log, job, err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan jobs.Outcome, 1)
	go func() {
		done <- w.processor.Process(jobCtx, job)
	}()

	timer := time.NewTimer(w.cfg.JobTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out
	case <-timer.C:
	}

	message := fmt.Sprintf("Transcription timed out after %s", w.cfg.JobTimeout)
	log.Error("job exceeded its timeout", zap.Duration("timeout", w.cfg.JobTimeout))
	out := w.fail(ctx, log, job, domain.NewError(domain.KindJobTimeout, message, context.DeadlineExceeded))
	cancel()

	grace := time.NewTimer(w.cfg.TimeoutGrace)
	defer grace.Stop()
	select {
	case late := <-done:
		if out.Status != domain.JobStatusFailed {
			// The manager finished first; its terminal write stands.
			return late
		}
	case <-grace.C:
		log.Warn("timed-out job did not stop within grace period", zap.Duration("grace", w.cfg.TimeoutGrace))
	}
	return out
}

func (w *Worker) guard(path string) error {
	info, err := w.stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.NewError(domain.KindInputNotFound, fmt.Sprintf("Audio file not found: %s", path), err)
		}
		return domain.NewError(domain.KindInputNotFound, fmt.Sprintf("Audio file is not accessible: %s", path), err)
	}
	if info.IsDir() {
		return domain.NewError(domain.KindInputNotFound, fmt.Sprintf("Audio path is a directory: %s", path), nil)
	}
	if info.Size() > w.cfg.MaxFileSize {
		return domain.NewError(domain.KindInputTooLarge,
			fmt.Sprintf("Audio file is too large: %s exceeds the %s limit", formatBytes(info.Size()), formatBytes(w.cfg.MaxFileSize)), nil)
	}
	return nil
}

// fail records err on a claimed job without running it.
func (w *Worker) fail(ctx context.Context, log *zap.Logger, job domain.Job, err error) jobs.Outcome {
	message := domain.Message(err)
	kind := domain.KindOf(err)
	out := jobs.Outcome{JobID: job.ID, FileID: job.FileID, Status: job.Status, Error: message, ErrorKind: kind}

	wctx := context.WithoutCancel(ctx)
	saved, writeErr := w.store.Update(wctx, job.ID, domain.FailUpdate(message))
	if writeErr != nil {
		log.Warn("could not mark job failed", zap.String("last_error", message), zap.Error(writeErr))
		if current, getErr := w.store.Get(wctx, job.ID); getErr == nil {
			out.Status = current.Status
			out.DiarizationStatus = current.DiarizationStatus
		}
		return out
	}

	log.Warn("job failed", zap.String("kind", string(kind)), zap.String("last_error", message))
	out.Status = saved.Status
	out.DiarizationStatus = saved.DiarizationStatus
	return out
}

func formatBytes(n int64) string {
	const mib = 1 << 20
	if n%mib == 0 {
		return fmt.Sprintf("%d MB", n/mib)
	}
	return fmt.Sprintf("%.1f MB", float64(n)/mib)
}
