package postprocess

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fmueller/voxqueue/internal/domain"
	"github.com/stretchr/testify/require"
)

func writeSpeakerFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "speakers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSpeakerNamesResolvePrefersFileEntries(t *testing.T) {
	t.Parallel()

	names, err := LoadSpeakerNames(writeSpeakerFile(t, `
default:
  SPEAKER_00: Host
  SPEAKER_01: Guest
files:
  interview-7:
    SPEAKER_01: Dana
`))
	require.NoError(t, err)

	segments := []domain.Segment{
		{Start: 0, End: 1, Text: "welcome", Speaker: "SPEAKER_00"},
		{Start: 1, End: 2, Text: "thanks", Speaker: "SPEAKER_01"},
		{Start: 2, End: 3, Text: "hm", Speaker: "SPEAKER_02"},
		{Start: 3, End: 4, Text: "noise"},
	}

	resolved, changed, err := names.Resolve(context.Background(), "interview-7", segments)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, []string{"Host", "Dana", "SPEAKER_02", ""}, speakersOf(resolved))
	require.Equal(t, "SPEAKER_00", segments[0].Speaker, "input must not be modified")

	resolved, changed, err = names.Resolve(context.Background(), "other", segments)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, []string{"Host", "Guest", "SPEAKER_02", ""}, speakersOf(resolved))
}

func TestSpeakerNamesReportsNoChange(t *testing.T) {
	t.Parallel()

	names := &SpeakerNames{Default: map[string]string{"SPEAKER_05": "Nobody"}}
	segments := []domain.Segment{{Text: "hi", Speaker: "SPEAKER_00"}}

	resolved, changed, err := names.Resolve(context.Background(), "f", segments)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, segments, resolved)

	var nilNames *SpeakerNames
	_, changed, err = nilNames.Resolve(context.Background(), "f", segments)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestLoadSpeakerNamesErrors(t *testing.T) {
	t.Parallel()

	_, err := LoadSpeakerNames(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read speaker names")

	_, err = LoadSpeakerNames(writeSpeakerFile(t, "default: [not, a, map]"))
	require.ErrorContains(t, err, "parse speaker names")
}

func speakersOf(segments []domain.Segment) []string {
	out := make([]string, len(segments))
	for i, s := range segments {
		out[i] = s.Speaker
	}
	return out
}
