package engine

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// MetadataPath is where the engine writes its optional diarization/format
// metadata next to outputPath.
func MetadataPath(outputPath string) string {
	return sidecarPath(outputPath, "_metadata")
}

// StatusPath is where the engine writes an error status document when it
// catches its own failure and still exits with status 0.
func StatusPath(outputPath string) string {
	return sidecarPath(outputPath, "_status")
}

// RemoveArtifacts deletes the transcript and its sidecars. Missing files are
// not an error.
func RemoveArtifacts(outputPath string) error {
	var errs []error
	for _, path := range []string{outputPath, MetadataPath(outputPath), StatusPath(outputPath)} {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sidecarPath(outputPath, suffix string) string {
	ext := filepath.Ext(outputPath)
	if ext == "" {
		return outputPath + suffix + ".json"
	}
	return strings.TrimSuffix(outputPath, ext) + suffix + ext
}
