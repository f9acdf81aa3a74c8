package cli

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobSpinnerCountsWhenEnabled(t *testing.T) {
	t.Parallel()

	s := startJobSpinner(true, "processing jobs")
	s.JobDone()
	s.JobDone()
	s.Stop()
	s.Stop()
	require.Equal(t, int64(2), s.Done())
}

func TestJobSpinnerDisabled(t *testing.T) {
	t.Parallel()

	s := startJobSpinner(false, "processing jobs")
	s.JobDone()
	s.Stop()
	require.Equal(t, int64(1), s.Done())
}
