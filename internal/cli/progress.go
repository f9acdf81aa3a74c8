package cli

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
)

// jobSpinner animates on stderr while a batch runs and counts finished jobs.
// A disabled spinner only counts.
type jobSpinner struct {
	description string
	bar         *progressbar.ProgressBar
	done        atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func startJobSpinner(enabled bool, description string) *jobSpinner {
	s := &jobSpinner{description: description}
	if !enabled {
		return s
	}

	s.bar = progressbar.NewOptions(
		-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(80*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(120 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				_ = s.bar.Finish()
				return
			case <-ticker.C:
				_ = s.bar.Add(1)
			}
		}
	}()
	return s
}

// JobDone records a finished job in the spinner's label.
func (s *jobSpinner) JobDone() {
	n := s.done.Add(1)
	if s.bar != nil {
		s.bar.Describe(fmt.Sprintf("%s (%d done)", s.description, n))
	}
}

func (s *jobSpinner) Done() int64 {
	return s.done.Load()
}

func (s *jobSpinner) Stop() {
	if s.bar == nil {
		return
	}
	s.once.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}
