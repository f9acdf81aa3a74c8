// Package fetch copies remote recordings into the local inbox and derives
// content-addressed file ids.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// FileIDLength is the number of hex digits of the content hash used as file id.
const FileIDLength = 16

// ErrTooLarge is returned when the body exceeds Options.MaxBytes.
var ErrTooLarge = errors.New("download exceeds size limit")

type Options struct {
	URL            string
	Dir            string
	ExpectedSHA256 string
	MaxBytes       int64
	Retries        int
	NoProgress     bool
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Result describes a fetched file.
type Result struct {
	Path   string
	SHA256 string
	Size   int64
}

// FileID is the id voxqueue records for the content.
func (r Result) FileID() string {
	return FileIDFromSum(r.SHA256)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Fetch downloads opts.URL into opts.Dir under a name derived from its
// SHA-256. A file with the same content already in Dir is reused.
func Fetch(ctx context.Context, opts Options) (Result, error) {
	if opts.URL == "" {
		return Result{}, errors.New("download URL is required")
	}
	if opts.Dir == "" {
		return Result{}, errors.New("inbox directory is required")
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create inbox directory: %w", err)
	}

	expected := strings.ToLower(strings.TrimSpace(opts.ExpectedSHA256))

	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if attempt > 1 {
			opts.Logger.Warn("retrying download", zap.Int("attempt", attempt), zap.Int("max", opts.Retries), zap.String("url", opts.URL), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}
		}

		result, err := fetchOnce(ctx, opts, expected)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var permanent *permanentError
		if errors.As(err, &permanent) {
			return Result{}, permanent.err
		}
	}
	return Result{}, lastErr
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileIDFromSum shortens a hex SHA-256 to a file id.
func FileIDFromSum(sum string) string {
	if len(sum) <= FileIDLength {
		return sum
	}
	return sum[:FileIDLength]
}

// IsURL reports whether ref should be fetched rather than read from disk.
func IsURL(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func fetchOnce(ctx context.Context, opts Options, expected string) (Result, error) {
	tempFile, err := os.CreateTemp(opts.Dir, ".fetch-*.part")
	if err != nil {
		return Result{}, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		_ = tempFile.Close()
		if !success {
			_ = os.Remove(tempPath)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return Result{}, &permanentError{fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", "voxqueue/1")

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return Result{}, &permanentError{err}
		}
		return Result{}, err
	}
	if opts.MaxBytes > 0 && resp.ContentLength > opts.MaxBytes {
		return Result{}, &permanentError{fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)}
	}

	hash := sha256.New()
	writer := io.MultiWriter(tempFile, hash)

	var bar *progressbar.ProgressBar
	if shouldRenderProgress(opts.NoProgress, resp.ContentLength) {
		bar = progressbar.NewOptions64(
			resp.ContentLength,
			progressbar.OptionSetDescription("fetching"),
			progressbar.OptionSetWidth(20),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
		writer = io.MultiWriter(tempFile, hash, bar)
	}

	body := io.Reader(resp.Body)
	if opts.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, opts.MaxBytes+1)
	}
	size, err := io.Copy(writer, body)
	if err != nil {
		return Result{}, fmt.Errorf("download body: %w", err)
	}
	if opts.MaxBytes > 0 && size > opts.MaxBytes {
		return Result{}, &permanentError{fmt.Errorf("%w: more than %d bytes", ErrTooLarge, opts.MaxBytes)}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	if expected != "" && sum != expected {
		return Result{}, fmt.Errorf("checksum mismatch: expected %s, got %s", expected, sum)
	}

	if err := tempFile.Sync(); err != nil {
		return Result{}, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return Result{}, fmt.Errorf("close temp file: %w", err)
	}

	destination := filepath.Join(opts.Dir, FileIDFromSum(sum)+extension(opts.URL))
	if _, err := os.Stat(destination); err == nil {
		opts.Logger.Debug("content already in inbox", zap.String("path", destination))
		return Result{Path: destination, SHA256: sum, Size: size}, nil
	}
	if err := os.Rename(tempPath, destination); err != nil {
		return Result{}, fmt.Errorf("move temp file into inbox: %w", err)
	}

	success = true
	return Result{Path: destination, SHA256: sum, Size: size}, nil
}

func extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".audio"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" || len(ext) > 6 {
		return ".audio"
	}
	return ext
}

func shouldRenderProgress(noProgress bool, contentLength int64) bool {
	if noProgress {
		return false
	}
	if contentLength <= 0 {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
