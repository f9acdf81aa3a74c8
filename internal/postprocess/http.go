package postprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fmueller/voxqueue/internal/domain"
	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

// HTTPOptions configures an HTTPExtractor.
type HTTPOptions struct {
	URL        string
	Token      string
	Retries    int
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPExtractor posts transcripts to an extraction service and reads back a
// per-type report.
type HTTPExtractor struct {
	opts HTTPOptions
}

type extractRequest struct {
	FileID   string           `json:"file_id"`
	Segments []domain.Segment `json:"segments"`
}

type extractResponse struct {
	Extractions Report `json:"extractions"`
}

// statusError is a non-2xx response. 4xx responses are not retried.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.code)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.code, e.body)
}

func NewHTTPExtractor(opts HTTPOptions) (*HTTPExtractor, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("extraction URL is required")
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 300 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &HTTPExtractor{opts: opts}, nil
}

func (e *HTTPExtractor) Extract(ctx context.Context, fileID string, segments []domain.Segment) (Report, error) {
	body, err := json.Marshal(extractRequest{FileID: fileID, Segments: segments})
	if err != nil {
		return nil, fmt.Errorf("encode extraction request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= e.opts.Retries; attempt++ {
		if attempt > 1 {
			e.opts.Logger.Warn("retrying extraction", zap.Int("attempt", attempt), zap.Int("max", e.opts.Retries), zap.String("file_id", fileID), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, errors.Join(ctx.Err(), lastErr)
			case <-time.After(time.Duration(attempt-1) * e.opts.Backoff):
			}
		}

		report, err := e.extractOnce(ctx, body)
		if err == nil {
			return report, nil
		}
		lastErr = err

		var status *statusError
		if errors.As(err, &status) && status.code < http.StatusInternalServerError && status.code != http.StatusTooManyRequests {
			break
		}
	}
	return nil, lastErr
}

func (e *HTTPExtractor) extractOnce(ctx context.Context, body []byte) (Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "voxqueue/1")
	if e.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.opts.Token)
	}

	resp, err := e.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extraction request failed: %w", err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read extraction response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(content))}
	}

	var decoded extractResponse
	if err := json.Unmarshal(content, &decoded); err != nil {
		return nil, fmt.Errorf("decode extraction response: %w", err)
	}
	if decoded.Extractions == nil {
		decoded.Extractions = Report{}
	}
	return decoded.Extractions, nil
}
