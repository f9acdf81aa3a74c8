package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fmueller/voxqueue/internal/audio"
	"github.com/fmueller/voxqueue/internal/config"
	"github.com/fmueller/voxqueue/internal/domain"
	"github.com/fmueller/voxqueue/internal/fetch"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
)

type enqueueOptions struct {
	fileID      string
	language    string
	model       string
	diarization bool
	speakers    int
	sha256      string
	skipSilent  bool
}

func newEnqueueCmd(app *appState) *cobra.Command {
	opts := enqueueOptions{}
	cmd := &cobra.Command{
		Use:   "enqueue <audio-file|url>",
		Short: "Add an audio file to the transcription queue",
		Long: "Create a pending transcription job. Remote recordings are downloaded into the inbox first.\n" +
			"The file id defaults to a prefix of the content's SHA-256.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("language") {
				opts.language = app.cfg.Defaults.Language
			}
			if !cmd.Flags().Changed("model") {
				opts.model = app.cfg.Defaults.ModelSize
			}
			if !cmd.Flags().Changed("diarization") {
				opts.diarization = app.cfg.Defaults.Diarization
			}
			return app.enqueue(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.fileID, "file-id", "", "File id to record the job under (default: derived from content)")
	cmd.Flags().StringVar(&opts.language, "language", "", "Language code (auto|en|de|...); empty lets the engine detect it")
	cmd.Flags().StringVar(&opts.model, "model", "base", "Model size: tiny|base|small|medium|large|large-v2|large-v3")
	cmd.Flags().BoolVar(&opts.diarization, "diarization", true, "Attribute segments to speakers")
	cmd.Flags().IntVar(&opts.speakers, "speakers", 0, "Expected number of speakers; 0 means auto-detect")
	cmd.Flags().StringVar(&opts.sha256, "sha256", "", "Expected SHA-256 of a downloaded recording")
	cmd.Flags().BoolVar(&opts.skipSilent, "skip-silent", false, "Refuse WAV recordings that contain only silence")
	return cmd
}

func (a *appState) enqueue(ctx context.Context, ref string, opts enqueueOptions) error {
	if !config.ValidModelSize(opts.model) {
		return fmt.Errorf("unknown model size %q", opts.model)
	}
	if opts.speakers < 0 {
		return fmt.Errorf("speakers must not be negative, got %d", opts.speakers)
	}

	path, sum, err := a.resolveAudio(ctx, ref, opts.sha256)
	if err != nil {
		return err
	}
	if err := a.checkSilence(path, opts.skipSilent); err != nil {
		return err
	}

	fileID := strings.TrimSpace(opts.fileID)
	if fileID == "" {
		fileID = fetch.FileIDFromSum(sum)
	}

	params := domain.Params{
		Language:    sanitizeLanguage(opts.language),
		ModelSize:   strings.ToLower(strings.TrimSpace(opts.model)),
		Diarization: opts.diarization,
	}
	if opts.speakers > 0 {
		params.Speakers = domain.IntPtr(opts.speakers)
	}

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.CreateJob(ctx, domain.AudioFile{ID: fileID, Path: path}, params)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	a.log().Info("job queued", zap.String("job_id", job.ID), zap.String("file_id", job.FileID), zap.String("audio", path))
	return a.printJSON(job)
}

// resolveAudio returns the local path of ref and its SHA-256.
func (a *appState) resolveAudio(ctx context.Context, ref, expectedSHA string) (string, string, error) {
	maxBytes := a.cfg.Worker.MaxFileSizeMB << 20

	if fetch.IsURL(ref) {
		result, err := fetch.Fetch(ctx, fetch.Options{
			URL:            ref,
			Dir:            a.dirs.Inbox,
			ExpectedSHA256: expectedSHA,
			MaxBytes:       maxBytes,
			NoProgress:     !a.progressEnabled(),
			Logger:         a.log().Named("fetch"),
		})
		if err != nil {
			return "", "", fmt.Errorf("fetch %s: %w", ref, err)
		}
		return result.Path, result.SHA256, nil
	}

	path, err := filepath.Abs(ref)
	if err != nil {
		return "", "", fmt.Errorf("resolve audio path: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", fmt.Errorf("audio file not found: %s", path)
		}
		return "", "", fmt.Errorf("stat audio file: %w", err)
	}
	if info.IsDir() {
		return "", "", fmt.Errorf("audio path is a directory: %s", path)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return "", "", fmt.Errorf("audio file is too large: %d bytes exceeds the %d MB limit", info.Size(), a.cfg.Worker.MaxFileSizeMB)
	}

	sum, err := fetch.HashFile(path)
	if err != nil {
		return "", "", err
	}
	if expectedSHA != "" && !strings.EqualFold(sum, strings.TrimSpace(expectedSHA)) {
		return "", "", fmt.Errorf("checksum mismatch: expected %s, got %s", expectedSHA, sum)
	}
	return path, sum, nil
}

func (a *appState) checkSilence(path string, refuse bool) error {
	info, err := audio.Inspect(path)
	if errors.Is(err, audio.ErrNotWAV) {
		return nil
	}
	if err != nil {
		a.log().Warn("could not inspect audio; queueing anyway", zap.String("audio", path), zap.Error(err))
		return nil
	}

	a.log().Debug("inspected audio",
		zap.String("audio", path),
		zap.Duration("duration", info.Duration),
		zap.Float64("rms_dbfs", info.RMSdBFS),
		zap.Float64("peak_dbfs", info.PeakdBFS),
	)
	if !info.Silent(audio.DefaultSilenceDBFS) {
		return nil
	}
	if refuse {
		return fmt.Errorf("audio is silent: %s", path)
	}
	a.log().Warn("audio appears to be silent; the transcript will likely be empty", zap.String("audio", path))
	return nil
}

func sanitizeLanguage(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "auto" {
		return ""
	}
	return lang
}
