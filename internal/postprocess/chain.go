// Package postprocess runs best-effort work on completed transcripts. Nothing
// here can change the state of a job.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fmueller/voxqueue/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultQueueSize = 64
	DefaultTimeout   = 2 * time.Minute
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("post-processing chain is closed")

// Extraction is the result of one extraction type, e.g. "notes".
type Extraction struct {
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Error   string `json:"error,omitempty"`
}

// Report maps extraction type to its result.
type Report map[string]Extraction

// Extractor derives artifacts from a finished transcript.
type Extractor interface {
	Extract(ctx context.Context, fileID string, segments []domain.Segment) (Report, error)
}

type Options struct {
	Extractors []Extractor
	QueueSize  int
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Stats counts what happened to submitted jobs.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Chain is a bounded queue of completed jobs drained by consumer goroutines.
type Chain struct {
	extractors []Extractor
	timeout    time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	queue   chan domain.Job
	closed  bool
	started bool
	wg      sync.WaitGroup

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func NewChain(opts Options) *Chain {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Chain{
		extractors: opts.Extractors,
		timeout:    opts.Timeout,
		logger:     opts.Logger,
		queue:      make(chan domain.Job, opts.QueueSize),
	}
}

// Start launches workers consumers. They stop once Close has been called
// and the queue is empty; ctx bounds each extraction.
func (c *Chain) Start(ctx context.Context, workers int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return errors.New("post-processing chain already started")
	}
	if workers <= 0 {
		workers = 1
	}
	c.started = true

	for range workers {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for job := range c.queue {
				c.handle(ctx, job)
			}
		}()
	}
	return nil
}

// Submit enqueues job without blocking. It returns false when the queue is
// full or closed; the job is counted as dropped.
func (c *Chain) Submit(job domain.Job) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.dropped.Add(1)
		return false
	}

	select {
	case c.queue <- job:
		c.submitted.Add(1)
		return true
	default:
		c.dropped.Add(1)
		c.logger.Warn("post-processing queue full; dropping job", zap.String("job_id", job.ID))
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (c *Chain) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.queue)
	started := c.started
	c.mu.Unlock()

	if started {
		c.wg.Wait()
	}
}

func (c *Chain) Stats() Stats {
	return Stats{
		Submitted: c.submitted.Load(),
		Succeeded: c.succeeded.Load(),
		Failed:    c.failed.Load(),
		Dropped:   c.dropped.Load(),
	}
}

func (c *Chain) handle(ctx context.Context, job domain.Job) {
	log := c.logger.With(zap.String("job_id", job.ID), zap.String("file_id", job.FileID))

	var errs []error
	for _, extractor := range c.extractors {
		report, err := c.extract(ctx, extractor, job)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for kind, result := range report {
			if result.Success {
				log.Info("extraction finished", zap.String("type", kind), zap.Int("count", result.Count))
			} else {
				log.Warn("extraction failed", zap.String("type", kind), zap.String("error", result.Error))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		c.failed.Add(1)
		log.Warn("post-processing failed", zap.String("kind", string(domain.KindPostProcessingFailure)), zap.Error(err))
		return
	}
	c.succeeded.Add(1)
}

func (c *Chain) extract(ctx context.Context, extractor Extractor, job domain.Job) (report Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewError(domain.KindPostProcessingFailure, fmt.Sprintf("extractor panicked: %v", r), nil)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	report, err = extractor.Extract(ctx, job.FileID, job.Transcript)
	if err != nil {
		return nil, domain.NewError(domain.KindPostProcessingFailure, "extraction request failed", err)
	}
	return report, nil
}
