//go:build !windows

package tools

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
	"time"
)

// runGroup spawns cmd under bash in its own process group so that kills on
// timeout or cancel reap every descendant, never just the shell.
func runGroup(ctx context.Context, cmd, cwd string) (stdout, stderr string, exitCode int, err error) {
	c := exec.CommandContext(ctx, "bash", "-c", cmd)
	if cwd != "" {
		c.Dir = cwd
	}
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if c.Process == nil {
			return errNoProcess
		}
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
	c.WaitDelay = 2 * time.Second

	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	err = c.Run()
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		err = nil
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}
