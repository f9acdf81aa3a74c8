// Package diarize reads the engine's output artifacts and decides what
// happened to speaker attribution.
package diarize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fmueller/voxqueue/internal/domain"
	"github.com/fmueller/voxqueue/internal/engine"
)

// Metadata is the optional sidecar document written next to the transcript.
// Older engine versions do not write it.
type Metadata struct {
	DiarizationAttempted      bool   `json:"diarization_attempted"`
	DiarizationSuccess        bool   `json:"diarization_success"`
	DiarizationError          string `json:"diarization_error,omitempty"`
	DetectedSpeakers          int    `json:"detected_speakers,omitempty"`
	FormatConversionAttempted bool   `json:"format_conversion_attempted"`
	FormatConversionSuccess   bool   `json:"format_conversion_success"`
	FormatConversionError     string `json:"format_conversion_error,omitempty"`
}

// Artifact is a parsed engine output.
type Artifact struct {
	Segments []domain.Segment
	Language string
	Metadata *Metadata
}

// statusDocument is written by the engine when it catches its own error.
type statusDocument struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

type rawSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker"`
}

// LoadArtifact reads the transcript at outputPath and its optional metadata
// sidecar. Transcript problems are returned as domain.KindArtifactParse
// errors; an unreadable sidecar is treated as absent.
func LoadArtifact(outputPath string) (Artifact, error) {
	data, err := os.ReadFile(outputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if reported := readStatusError(engine.StatusPath(outputPath)); reported != "" {
				return Artifact{}, domain.NewError(domain.KindArtifactParse, "Transcription engine reported an error: "+reported, err)
			}
			return Artifact{}, domain.NewError(domain.KindArtifactParse, "Transcription output file was not produced", err)
		}
		return Artifact{}, domain.NewError(domain.KindArtifactParse, "Failed to read transcription output", err)
	}

	segments, language, err := ParseTranscript(data)
	if err != nil {
		return Artifact{}, domain.NewError(domain.KindArtifactParse, "Failed to parse transcription output: "+err.Error(), err)
	}

	return Artifact{
		Segments: segments,
		Language: language,
		Metadata: ReadMetadata(engine.MetadataPath(outputPath)),
	}, nil
}

// ParseTranscript accepts either {"segments": [...]} or a bare segment
// array and returns the segments ordered by start time.
func ParseTranscript(data []byte) ([]domain.Segment, string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, "", errors.New("transcript is empty")
	}

	var (
		rawSegments json.RawMessage
		language    string
	)
	switch trimmed[0] {
	case '[':
		rawSegments = trimmed
	case '{':
		var doc struct {
			Segments json.RawMessage `json:"segments"`
			Language string          `json:"language"`
		}
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, "", fmt.Errorf("decode transcript: %w", err)
		}
		if len(doc.Segments) == 0 {
			return nil, "", errors.New("transcript has no segments field")
		}
		rawSegments = bytes.TrimSpace(doc.Segments)
		language = doc.Language
	default:
		return nil, "", errors.New("transcript is not a JSON object or array")
	}

	if len(rawSegments) == 0 || rawSegments[0] != '[' {
		return nil, "", errors.New("segments is not an array")
	}

	var parsed []rawSegment
	if err := json.Unmarshal(rawSegments, &parsed); err != nil {
		return nil, "", fmt.Errorf("decode segments: %w", err)
	}

	segments := make([]domain.Segment, 0, len(parsed))
	for _, raw := range parsed {
		segment := domain.Segment{
			Start:   raw.Start,
			End:     raw.End,
			Text:    strings.TrimSpace(raw.Text),
			Speaker: strings.TrimSpace(raw.Speaker),
		}
		if segment.End < segment.Start {
			segment.End = segment.Start
		}
		segments = append(segments, segment)
	}
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })

	return segments, language, nil
}

// ReadMetadata returns the sidecar at path, or nil when it is missing or
// unreadable.
func ReadMetadata(path string) *Metadata {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	return &meta
}

func readStatusError(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var doc statusDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return ""
	}
	if doc.Status != "failed" {
		return ""
	}
	return strings.TrimSpace(doc.Error)
}
