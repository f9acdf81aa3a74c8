package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a job or one of its steps failed.
type ErrorKind string

const (
	KindInputNotFound         ErrorKind = "input_not_found"
	KindInputTooLarge         ErrorKind = "input_too_large"
	KindSubprocessTimeout     ErrorKind = "subprocess_timeout"
	KindSubprocessFailure     ErrorKind = "subprocess_failure"
	KindArtifactParse         ErrorKind = "artifact_parse_error"
	KindDiarizationFailure    ErrorKind = "diarization_failure"
	KindJobTimeout            ErrorKind = "job_timeout"
	KindPostProcessingFailure ErrorKind = "post_processing_failure"
	KindInternal              ErrorKind = "internal"
)

// Error is a classified failure. Message is the text surfaced on the job
// record; Err keeps the underlying cause for logs.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError builds a classified error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when err is not classified.
func KindOf(err error) ErrorKind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindInternal
}

// Message returns the human-readable text to store on a job for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) && classified.Message != "" {
		return classified.Message
	}
	return err.Error()
}

// Terminal reports whether errors of this kind fail the job. Diarization and
// post-processing failures never do.
func (k ErrorKind) Terminal() bool {
	switch k {
	case KindDiarizationFailure, KindPostProcessingFailure:
		return false
	default:
		return true
	}
}
