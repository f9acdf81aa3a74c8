package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/fmueller/voxqueue/internal/domain"
)

// Failure describes one unsuccessful engine run.
type Failure struct {
	Device   Device
	Signal   Signal
	ExitCode int
	Stderr   string
	Elapsed  time.Duration
	Err      error
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("engine on %s failed (%s, exit %d): %v", f.Device, f.Signal, f.ExitCode, f.Err)
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// Kind maps the failure to the job error taxonomy.
func (f *Failure) Kind() domain.ErrorKind {
	if f.Signal == SignalTimeout {
		return domain.KindSubprocessTimeout
	}
	return domain.KindSubprocessFailure
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
