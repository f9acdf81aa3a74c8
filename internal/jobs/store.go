// Package jobs drives a single transcription job from claim to a terminal
// state.
package jobs

import (
	"context"

	"github.com/fmueller/voxqueue/internal/domain"
)

// Store is the persistence boundary for job records. Every method that
// changes a record does so in one atomic write; implementations return
// domain.ErrConflict when a conditional write lost a race and
// domain.ErrInvalidTransition when the update breaks the state machine.
type Store interface {
	CreateJob(ctx context.Context, file domain.AudioFile, params domain.Params) (domain.Job, error)
	// ClaimNextPending moves up to limit of the oldest pending jobs to
	// processing. A job is returned to at most one caller.
	ClaimNextPending(ctx context.Context, limit int) ([]domain.Job, error)
	Update(ctx context.Context, id string, update domain.Update) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	FindByFileID(ctx context.Context, fileID string) ([]domain.Job, error)
	FindLatestByFileID(ctx context.Context, fileID string) (domain.Job, error)
	ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error)
	// Requeue resets a failed job to pending for an explicit retry.
	Requeue(ctx context.Context, id string) (domain.Job, error)
}
