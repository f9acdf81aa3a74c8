package diarize

import (
	"fmt"

	"github.com/fmueller/voxqueue/internal/domain"
)

const defaultDiarizationError = "Speaker diarization failed"

// Result is the normalized diarization outcome for one job.
type Result struct {
	Status   domain.DiarizationStatus
	Error    string
	Speakers int
}

// Err returns a domain.KindDiarizationFailure error when diarization failed.
// It never fails the job; callers only log it.
func (r Result) Err() error {
	if r.Status != domain.DiarizationFailed {
		return nil
	}
	return domain.NewError(domain.KindDiarizationFailure, r.Error, nil)
}

// Interpret decides the diarization status. Metadata that reports an attempt
// is trusted; otherwise the segments are inspected for speaker labels, and
// that path never yields DiarizationFailed.
func Interpret(requested bool, segments []domain.Segment, meta *Metadata) Result {
	if !requested {
		return Result{Status: domain.DiarizationNotAttempted}
	}

	if meta != nil && meta.DiarizationAttempted {
		if meta.DiarizationSuccess {
			speakers := meta.DetectedSpeakers
			if speakers <= 0 {
				speakers = len(SpeakerLabels(segments))
			}
			return Result{Status: domain.DiarizationSuccess, Speakers: speakers}
		}
		return Result{Status: domain.DiarizationFailed, Error: failureMessage(meta)}
	}

	labels := SpeakerLabels(segments)
	if len(labels) == 0 {
		return Result{Status: domain.DiarizationNoSpeakers}
	}
	return Result{Status: domain.DiarizationSuccess, Speakers: len(labels)}
}

// SpeakerLabels returns the distinct non-empty speaker labels in order of
// first appearance.
func SpeakerLabels(segments []domain.Segment) []string {
	seen := make(map[string]struct{})
	var labels []string
	for _, segment := range segments {
		if segment.Speaker == "" {
			continue
		}
		if _, ok := seen[segment.Speaker]; ok {
			continue
		}
		seen[segment.Speaker] = struct{}{}
		labels = append(labels, segment.Speaker)
	}
	return labels
}

func failureMessage(meta *Metadata) string {
	diarizationErr := meta.DiarizationError
	if diarizationErr == "" {
		diarizationErr = defaultDiarizationError
	}

	if meta.FormatConversionAttempted && !meta.FormatConversionSuccess {
		conversionErr := meta.FormatConversionError
		if conversionErr == "" {
			conversionErr = "unknown error"
		}
		return fmt.Sprintf("Audio format conversion failed (%s) and speaker diarization failed (%s)", conversionErr, diarizationErr)
	}

	return diarizationErr
}
