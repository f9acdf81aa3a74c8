package domain

import (
	"errors"
	"fmt"
	"time"
)

// Progress checkpoints written while a job runs.
const (
	ProgressClaimed       = 10
	ProgressEngineStarted = 20
	ProgressFallback      = 50
	ProgressEngineDone    = 80
	ProgressCompleted     = 100
)

// ErrInvalidTransition is returned when an update would move a job along an
// edge the state machine does not have.
var ErrInvalidTransition = errors.New("invalid job transition")

// ErrConflict is returned by stores when the record changed underneath a
// conditional write, e.g. a second worker claimed the job first.
var ErrConflict = errors.New("job was modified concurrently")

// Update describes one atomic change to a job record. Zero fields are left
// untouched. From, when set, is a precondition on the current status and a
// mismatch is reported as ErrConflict.
type Update struct {
	From              JobStatus
	Status            JobStatus
	Progress          *int
	DiarizationStatus DiarizationStatus
	DiarizationError  *string
	LastError         string
	Transcript        []Segment
}

// ClaimUpdate moves a pending job to processing and fails with ErrConflict
// when the job is no longer pending.
func ClaimUpdate() Update {
	return Update{From: JobStatusPending, Status: JobStatusProcessing}
}

// ProgressUpdate keeps the job processing and raises its progress to p.
func ProgressUpdate(p int) Update {
	return Update{Status: JobStatusProcessing, Progress: IntPtr(p)}
}

// FailUpdate moves a processing job to failed with message as last error.
func FailUpdate(message string) Update {
	return Update{Status: JobStatusFailed, LastError: message}
}

// CanTransition reports whether from -> to is an edge of the job state
// machine. processing -> processing is allowed for progress writes.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing
	case JobStatusProcessing:
		return to == JobStatusProcessing || to == JobStatusCompleted || to == JobStatusFailed
	case JobStatusFailed:
		return to == JobStatusPending
	default:
		return false
	}
}

// Apply returns job with update applied at now, or an error when the update
// would break the state machine or the record invariants.
func Apply(job Job, update Update, now time.Time) (Job, error) {
	if update.From != "" && job.Status != update.From {
		return job, fmt.Errorf("%w: job is %s, expected %s", ErrConflict, job.Status, update.From)
	}

	target := update.Status
	if target == "" {
		target = job.Status
	}
	if !target.Valid() {
		return job, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
	}
	if !CanTransition(job.Status, target) {
		return job, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, target)
	}

	next := job
	switch target {
	case JobStatusProcessing:
		if job.Status == JobStatusPending {
			next = claim(next, now)
		}
		if update.Progress != nil {
			next.Progress = max(next.Progress, min(*update.Progress, ProgressCompleted-1))
		}
	case JobStatusCompleted:
		if update.Transcript == nil {
			return job, fmt.Errorf("%w: completed job needs a transcript", ErrInvalidTransition)
		}
		next.Transcript = make([]Segment, len(update.Transcript))
		copy(next.Transcript, update.Transcript)
		next.Progress = ProgressCompleted
		next.LastError = nil
		next.CompletedAt = timePtr(now)
	case JobStatusFailed:
		if update.LastError == "" {
			return job, fmt.Errorf("%w: failed job needs an error message", ErrInvalidTransition)
		}
		next.LastError = StringPtr(update.LastError)
		next.Transcript = nil
		next.CompletedAt = timePtr(now)
		if next.DiarizationStatus == DiarizationInProgress {
			next.DiarizationStatus = DiarizationNotAttempted
		}
	case JobStatusPending:
		next = requeue(next)
	}
	next.Status = target

	if update.DiarizationStatus != "" {
		next.DiarizationStatus = update.DiarizationStatus
	}
	if update.DiarizationError != nil {
		if *update.DiarizationError == "" {
			next.DiarizationError = nil
		} else {
			next.DiarizationError = StringPtr(*update.DiarizationError)
		}
	}

	if err := Validate(next); err != nil {
		return job, err
	}
	return next, nil
}

func claim(job Job, now time.Time) Job {
	if job.StartedAt == nil {
		job.StartedAt = timePtr(now)
	}
	job.Progress = ProgressClaimed
	if job.Params.Diarization {
		job.DiarizationStatus = DiarizationInProgress
	}
	return job
}

func requeue(job Job) Job {
	job.Progress = 0
	job.LastError = nil
	job.Transcript = nil
	job.DiarizationStatus = DiarizationNotAttempted
	job.DiarizationError = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	job.Attempt++
	return job
}

// Validate checks the record invariants that hold for every persisted job.
func Validate(job Job) error {
	if (job.Transcript != nil) != (job.Status == JobStatusCompleted) {
		return fmt.Errorf("%w: transcript present=%t with status %s", ErrInvalidTransition, job.Transcript != nil, job.Status)
	}
	if (job.LastError != nil) != (job.Status == JobStatusFailed) {
		return fmt.Errorf("%w: last error present=%t with status %s", ErrInvalidTransition, job.LastError != nil, job.Status)
	}
	if (job.Progress == ProgressCompleted) != (job.Status == JobStatusCompleted) {
		return fmt.Errorf("%w: progress %d with status %s", ErrInvalidTransition, job.Progress, job.Status)
	}
	if job.Progress < 0 || job.Progress > ProgressCompleted {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidTransition, job.Progress)
	}
	if job.Status.Terminal() && job.CompletedAt == nil {
		return fmt.Errorf("%w: terminal job without completed_at", ErrInvalidTransition)
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }
