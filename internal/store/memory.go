// Package store provides job record storage: a SQLite store for real
// deployments and an in-memory store for tests and dry runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fmueller/voxqueue/internal/domain"
	"github.com/google/uuid"
)

// ErrNotFound is returned when no job matches the lookup.
var ErrNotFound = errors.New("job not found")

// Memory keeps jobs in process memory. It is safe for concurrent use.
type Memory struct {
	mu    sync.Mutex
	jobs  map[string]domain.Job
	seq   map[string]int64
	next  int64
	now   func() time.Time
	newID func() string
}

func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[string]domain.Job),
		seq:   make(map[string]int64),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

func (m *Memory) CreateJob(_ context.Context, file domain.AudioFile, params domain.Params) (domain.Job, error) {
	if file.ID == "" {
		return domain.Job{}, errors.New("file id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job := domain.NewJob(m.newID(), file, params, m.now())
	m.next++
	m.jobs[job.ID] = job
	m.seq[job.ID] = m.next
	return clone(job), nil
}

func (m *Memory) ClaimNextPending(_ context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.sorted(func(j domain.Job) bool { return j.Status == domain.JobStatusPending })
	if len(pending) > limit {
		pending = pending[:limit]
	}

	claimed := make([]domain.Job, 0, len(pending))
	now := m.now()
	for _, job := range pending {
		next, err := domain.Apply(job, domain.ClaimUpdate(), now)
		if err != nil {
			return nil, err
		}
		m.jobs[job.ID] = next
		claimed = append(claimed, clone(next))
	}
	return claimed, nil
}

func (m *Memory) Update(_ context.Context, id string, update domain.Update) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next, err := domain.Apply(job, update, m.now())
	if err != nil {
		return domain.Job{}, err
	}
	m.jobs[id] = next
	return clone(next), nil
}

func (m *Memory) Get(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(job), nil
}

func (m *Memory) FindByFileID(_ context.Context, fileID string) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := m.sorted(func(j domain.Job) bool { return j.FileID == fileID })
	for i, j := 0, len(found)-1; i < j; i, j = i+1, j-1 {
		found[i], found[j] = found[j], found[i]
	}
	return found, nil
}

func (m *Memory) FindLatestByFileID(ctx context.Context, fileID string) (domain.Job, error) {
	found, err := m.FindByFileID(ctx, fileID)
	if err != nil {
		return domain.Job{}, err
	}
	if len(found) == 0 {
		return domain.Job{}, fmt.Errorf("%w: file %s", ErrNotFound, fileID)
	}
	return found[0], nil
}

func (m *Memory) ListByStatus(_ context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := m.sorted(func(j domain.Job) bool { return j.Status == status })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (m *Memory) Requeue(ctx context.Context, id string) (domain.Job, error) {
	return m.Update(ctx, id, domain.Update{Status: domain.JobStatusPending})
}

// sorted returns copies of the matching jobs, oldest first. Callers hold mu.
func (m *Memory) sorted(match func(domain.Job) bool) []domain.Job {
	var out []domain.Job
	for _, job := range m.jobs {
		if match(job) {
			out = append(out, clone(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
	return out
}

func clone(job domain.Job) domain.Job {
	if job.Transcript != nil {
		transcript := make([]domain.Segment, len(job.Transcript))
		copy(transcript, job.Transcript)
		job.Transcript = transcript
	}
	if job.Params.Speakers != nil {
		job.Params.Speakers = domain.IntPtr(*job.Params.Speakers)
	}
	if job.LastError != nil {
		job.LastError = domain.StringPtr(*job.LastError)
	}
	if job.DiarizationError != nil {
		job.DiarizationError = domain.StringPtr(*job.DiarizationError)
	}
	return job
}
