package postprocess

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fmueller/voxqueue/internal/domain"
	"github.com/stretchr/testify/require"
)

type extractorFunc func(ctx context.Context, fileID string, segments []domain.Segment) (Report, error)

func (f extractorFunc) Extract(ctx context.Context, fileID string, segments []domain.Segment) (Report, error) {
	return f(ctx, fileID, segments)
}

func completedJob(id string) domain.Job {
	return domain.Job{
		ID:         id,
		FileID:     "file-" + id,
		Status:     domain.JobStatusCompleted,
		Progress:   domain.ProgressCompleted,
		Transcript: []domain.Segment{{Start: 0, End: 1, Text: "hello"}},
	}
}

func TestChainRunsExtractorsForSubmittedJobs(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []string
	)
	extractor := extractorFunc(func(_ context.Context, fileID string, segments []domain.Segment) (Report, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, fileID)
		return Report{"notes": {Success: true, Count: len(segments)}}, nil
	})

	chain := NewChain(Options{Extractors: []Extractor{extractor}})
	require.NoError(t, chain.Start(context.Background(), 2))

	require.True(t, chain.Submit(completedJob("a")))
	require.True(t, chain.Submit(completedJob("b")))
	chain.Close()

	require.ElementsMatch(t, []string{"file-a", "file-b"}, seen)
	require.Equal(t, Stats{Submitted: 2, Succeeded: 2}, chain.Stats())
}

func TestChainCountsFailuresAndPanics(t *testing.T) {
	t.Parallel()

	failing := extractorFunc(func(context.Context, string, []domain.Segment) (Report, error) {
		return nil, errors.New("service down")
	})
	panicking := extractorFunc(func(context.Context, string, []domain.Segment) (Report, error) {
		panic("nil map")
	})

	chain := NewChain(Options{Extractors: []Extractor{failing}})
	require.NoError(t, chain.Start(context.Background(), 1))
	require.True(t, chain.Submit(completedJob("a")))
	chain.Close()
	require.Equal(t, int64(1), chain.Stats().Failed)

	chain = NewChain(Options{Extractors: []Extractor{panicking}})
	require.NoError(t, chain.Start(context.Background(), 1))
	require.True(t, chain.Submit(completedJob("b")))
	chain.Close()
	require.Equal(t, int64(1), chain.Stats().Failed)
}

func TestChainDropsWhenQueueIsFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := extractorFunc(func(context.Context, string, []domain.Segment) (Report, error) {
		started <- struct{}{}
		<-release
		return Report{}, nil
	})

	chain := NewChain(Options{Extractors: []Extractor{blocking}, QueueSize: 1})
	require.NoError(t, chain.Start(context.Background(), 1))

	require.True(t, chain.Submit(completedJob("a")))
	<-started
	require.True(t, chain.Submit(completedJob("b")))
	require.False(t, chain.Submit(completedJob("c")))

	close(release)
	chain.Close()

	stats := chain.Stats()
	require.Equal(t, int64(2), stats.Submitted)
	require.Equal(t, int64(2), stats.Succeeded)
	require.Equal(t, int64(1), stats.Dropped)
}

func TestChainRejectsAfterClose(t *testing.T) {
	t.Parallel()

	chain := NewChain(Options{})
	chain.Close()
	chain.Close()

	require.False(t, chain.Submit(completedJob("a")))
	require.ErrorIs(t, chain.Start(context.Background(), 1), ErrClosed)
	require.Equal(t, int64(1), chain.Stats().Dropped)
}

func TestChainBoundsExtractionTime(t *testing.T) {
	t.Parallel()

	slow := extractorFunc(func(ctx context.Context, _ string, _ []domain.Segment) (Report, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	chain := NewChain(Options{Extractors: []Extractor{slow}, Timeout: 20 * time.Millisecond})
	require.NoError(t, chain.Start(context.Background(), 1))
	require.True(t, chain.Submit(completedJob("a")))
	chain.Close()

	require.Equal(t, int64(1), chain.Stats().Failed)
}

func TestChainWithoutExtractorsSucceeds(t *testing.T) {
	t.Parallel()

	chain := NewChain(Options{})
	require.NoError(t, chain.Start(context.Background(), 1))
	require.True(t, chain.Submit(completedJob("a")))
	chain.Close()

	require.Equal(t, Stats{Submitted: 1, Succeeded: 1}, chain.Stats())
}
