//go:build !unix

package engine

import (
	"os/exec"
	"time"
)

func terminateOnCancel(cmd *exec.Cmd, grace time.Duration) func() {
	cmd.WaitDelay = grace
	return func() {}
}
