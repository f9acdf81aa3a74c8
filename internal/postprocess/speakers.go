package postprocess

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fmueller/voxqueue/internal/domain"
	"gopkg.in/yaml.v3"
)

// SpeakerNames renames diarization labels (SPEAKER_00, ...) to people. Names
// listed for a file id win over the defaults.
//
//	default:
//	  SPEAKER_00: Host
//	files:
//	  3f2a9c:
//	    SPEAKER_01: Dana
type SpeakerNames struct {
	Default map[string]string            `yaml:"default"`
	Files   map[string]map[string]string `yaml:"files"`
}

// LoadSpeakerNames reads a speaker map from a YAML file.
func LoadSpeakerNames(path string) (*SpeakerNames, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read speaker names: %w", err)
	}

	var names SpeakerNames
	if err := yaml.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("parse speaker names %s: %w", path, err)
	}
	return &names, nil
}

// Resolve returns a renamed copy of segments. changed is false when no
// label had a name.
func (n *SpeakerNames) Resolve(_ context.Context, fileID string, segments []domain.Segment) ([]domain.Segment, bool, error) {
	if n == nil {
		return segments, false, nil
	}

	resolved := make([]domain.Segment, len(segments))
	copy(resolved, segments)

	changed := false
	for i, segment := range resolved {
		if segment.Speaker == "" {
			continue
		}
		name := n.lookup(fileID, segment.Speaker)
		if name == "" || name == segment.Speaker {
			continue
		}
		resolved[i].Speaker = name
		changed = true
	}

	if !changed {
		return segments, false, nil
	}
	return resolved, true, nil
}

func (n *SpeakerNames) lookup(fileID, label string) string {
	if name := strings.TrimSpace(n.Files[fileID][label]); name != "" {
		return name
	}
	return strings.TrimSpace(n.Default[label])
}
