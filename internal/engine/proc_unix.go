//go:build unix

package engine

import (
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// terminateOnCancel runs the engine in its own process group so that a
// timeout reaches the interpreter and any workers it spawned. The group gets
// SIGTERM first and SIGKILL after grace. The returned func must be called
// once the command has been waited for.
func terminateOnCancel(cmd *exec.Cmd, grace time.Duration) func() {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var (
		mu     sync.Mutex
		timer  *time.Timer
		exited bool
	)

	cmd.Cancel = func() error {
		pid := cmd.Process.Pid
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
			return cmd.Process.Kill()
		}

		mu.Lock()
		defer mu.Unlock()
		if !exited {
			timer = time.AfterFunc(grace, func() {
				mu.Lock()
				defer mu.Unlock()
				if !exited {
					_ = syscall.Kill(-pid, syscall.SIGKILL)
				}
			})
		}
		return nil
	}
	cmd.WaitDelay = 2 * grace

	return func() {
		mu.Lock()
		defer mu.Unlock()
		exited = true
		if timer == nil {
			return
		}
		timer.Stop()
		// Children that ignored SIGTERM may outlive the leader.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
