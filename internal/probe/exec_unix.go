//go:build !windows

package probe

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
	"time"
)

// runShell executes cmd under bash in its own process group so an expired
// probe cannot leave children behind.
func runShell(ctx context.Context, cmd string) (string, string, error) {
	c := exec.CommandContext(ctx, "bash", "-c", cmd)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
	c.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	return stdout.String(), stderr.String(), err
}
