//go:build windows

package tools

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"time"
)

// runGroup spawns cmd under cmd.exe. On kill, taskkill /T takes the whole
// child tree down; there are no process groups to lean on here.
func runGroup(ctx context.Context, cmd, cwd string) (stdout, stderr string, exitCode int, err error) {
	c := exec.CommandContext(ctx, "cmd", "/C", cmd)
	if cwd != "" {
		c.Dir = cwd
	}
	c.Cancel = func() error {
		if c.Process == nil {
			return errNoProcess
		}
		kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(c.Process.Pid))
		return kill.Run()
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
