// Package domain holds the transcription job model and the rules that keep
// persisted job records consistent.
package domain

import "time"

// JobStatus is the lifecycle state of a transcription job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further work happens on a job in this state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// DiarizationStatus records what happened to speaker attribution for a job.
type DiarizationStatus string

const (
	DiarizationNotAttempted DiarizationStatus = "not_attempted"
	DiarizationInProgress   DiarizationStatus = "in_progress"
	DiarizationSuccess      DiarizationStatus = "success"
	DiarizationNoSpeakers   DiarizationStatus = "no_speakers_detected"
	DiarizationFailed       DiarizationStatus = "failed"
)

// Segment is one timed piece of transcript text.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// Params are the caller-supplied transcription options for a job.
type Params struct {
	Language    string `json:"language,omitempty"`
	ModelSize   string `json:"model_size"`
	Diarization bool   `json:"diarization"`
	// Speakers is the expected speaker count; nil means auto-detect.
	Speakers *int `json:"speakers,omitempty"`
}

// AudioFile is the uploaded recording a job transcribes. Path is opaque to
// the job manager.
type AudioFile struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// Job is one attempt to transcribe one audio file.
type Job struct {
	ID        string `json:"id"`
	FileID    string `json:"file_id"`
	AudioPath string `json:"audio_path"`
	Params    Params `json:"params"`

	Status            JobStatus         `json:"status"`
	Progress          int               `json:"progress"`
	DiarizationStatus DiarizationStatus `json:"diarization_status"`
	DiarizationError  *string           `json:"diarization_error,omitempty"`
	LastError         *string           `json:"last_error,omitempty"`
	Transcript        []Segment         `json:"transcript,omitempty"`
	Attempt           int               `json:"attempt"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJob builds a pending job record for file.
func NewJob(id string, file AudioFile, params Params, now time.Time) Job {
	return Job{
		ID:                id,
		FileID:            file.ID,
		AudioPath:         file.Path,
		Params:            params,
		Status:            JobStatusPending,
		DiarizationStatus: DiarizationNotAttempted,
		Attempt:           1,
		CreatedAt:         now,
	}
}

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string { return &s }

// IntPtr returns a pointer to a copy of n.
func IntPtr(n int) *int { return &n }
