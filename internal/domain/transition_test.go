package domain

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newPendingJob(diarize bool) Job {
	return NewJob("job-1", AudioFile{ID: "file-1", Path: "/audio/a.wav"}, Params{ModelSize: "base", Diarization: diarize}, time.Unix(1000, 0))
}

func TestApplyClaimSetsStartedAndProgress(t *testing.T) {
	t.Parallel()

	now := time.Unix(2000, 0)
	job, err := Apply(newPendingJob(true), Update{Status: JobStatusProcessing}, now)
	require.NoError(t, err)
	require.Equal(t, JobStatusProcessing, job.Status)
	require.Equal(t, ProgressClaimed, job.Progress)
	require.Equal(t, DiarizationInProgress, job.DiarizationStatus)
	require.NotNil(t, job.StartedAt)
	require.Equal(t, now, *job.StartedAt)
	require.Nil(t, job.CompletedAt)
}

func TestApplyClaimWithoutDiarizationLeavesNotAttempted(t *testing.T) {
	t.Parallel()

	job, err := Apply(newPendingJob(false), Update{Status: JobStatusProcessing}, time.Now())
	require.NoError(t, err)
	require.Equal(t, DiarizationNotAttempted, job.DiarizationStatus)
}

func TestApplyRejectsSecondClaim(t *testing.T) {
	t.Parallel()

	job, err := Apply(newPendingJob(false), Update{Status: JobStatusProcessing}, time.Now())
	require.NoError(t, err)

	_, err = Apply(job, ClaimUpdate(), time.Now())
	require.ErrorIs(t, err, ErrConflict)

	_, err = Apply(job, Update{Status: JobStatusPending}, time.Now())
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApplyProgressNeverDecreases(t *testing.T) {
	t.Parallel()

	job, err := Apply(newPendingJob(false), Update{Status: JobStatusProcessing}, time.Now())
	require.NoError(t, err)

	job, err = Apply(job, ProgressUpdate(50), time.Now())
	require.NoError(t, err)
	require.Equal(t, 50, job.Progress)

	job, err = Apply(job, ProgressUpdate(20), time.Now())
	require.NoError(t, err)
	require.Equal(t, 50, job.Progress)

	job, err = Apply(job, ProgressUpdate(100), time.Now())
	require.NoError(t, err)
	require.Equal(t, 99, job.Progress, "only completion reaches 100")
}

func TestApplyCompletedIsFinal(t *testing.T) {
	t.Parallel()

	job, err := Apply(newPendingJob(false), Update{Status: JobStatusProcessing}, time.Now())
	require.NoError(t, err)
	job, err = Apply(job, Update{Status: JobStatusCompleted, Transcript: []Segment{{Start: 0, End: 1, Text: "hi"}}}, time.Now())
	require.NoError(t, err)
	require.Equal(t, 100, job.Progress)
	require.NotNil(t, job.CompletedAt)

	for _, status := range []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusFailed, JobStatusCompleted} {
		_, err := Apply(job, Update{Status: status, LastError: "x", Transcript: []Segment{}}, time.Now())
		require.ErrorIs(t, err, ErrInvalidTransition, "completed -> %s", status)
	}
}

func TestApplyRequeueResetsFailedJob(t *testing.T) {
	t.Parallel()

	job, err := Apply(newPendingJob(true), Update{Status: JobStatusProcessing}, time.Now())
	require.NoError(t, err)
	job, err = Apply(job, Update{Status: JobStatusFailed, LastError: "boom", DiarizationStatus: DiarizationFailed, DiarizationError: StringPtr("no token")}, time.Now())
	require.NoError(t, err)

	job, err = Apply(job, Update{Status: JobStatusPending}, time.Now())
	require.NoError(t, err)
	require.Equal(t, JobStatusPending, job.Status)
	require.Equal(t, 0, job.Progress)
	require.Nil(t, job.LastError)
	require.Nil(t, job.DiarizationError)
	require.Nil(t, job.StartedAt)
	require.Nil(t, job.CompletedAt)
	require.Equal(t, DiarizationNotAttempted, job.DiarizationStatus)
	require.Equal(t, 2, job.Attempt)
}

func TestApplyRequiresPayloadForTerminalStates(t *testing.T) {
	t.Parallel()

	job, err := Apply(newPendingJob(false), Update{Status: JobStatusProcessing}, time.Now())
	require.NoError(t, err)

	_, err = Apply(job, Update{Status: JobStatusFailed}, time.Now())
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Apply(job, Update{Status: JobStatusCompleted}, time.Now())
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApplyKeepsInvariantsOverRandomSequences(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 11))
	candidates := []func() Update{
		func() Update { return Update{Status: JobStatusProcessing} },
		ClaimUpdate,
		func() Update { return ProgressUpdate(rng.IntN(120)) },
		func() Update { return FailUpdate("failed") },
		func() Update {
			return Update{Status: JobStatusCompleted, Transcript: []Segment{{Start: 0, End: 1, Text: "x"}}, DiarizationStatus: DiarizationSuccess}
		},
		func() Update { return Update{Status: JobStatusPending} },
		func() Update { return Update{DiarizationStatus: DiarizationFailed, DiarizationError: StringPtr("err")} },
	}

	for run := 0; run < 500; run++ {
		job := newPendingJob(rng.IntN(2) == 0)
		lastProgress := job.Progress
		lastAttempt := job.Attempt
		for step := 0; step < 20; step++ {
			next, err := Apply(job, candidates[rng.IntN(len(candidates))](), time.Now())
			if err != nil {
				require.Equal(t, job, next, "rejected update must not change the job")
				continue
			}
			require.NoError(t, Validate(next))
			if next.Attempt == lastAttempt && job.Status == JobStatusProcessing {
				require.GreaterOrEqual(t, next.Progress, lastProgress)
			}
			if job.Status == JobStatusCompleted {
				t.Fatalf("completed job accepted an update: %+v", next)
			}
			job = next
			lastProgress = job.Progress
			lastAttempt = job.Attempt
		}
	}
}
