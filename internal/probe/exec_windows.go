//go:build windows

package probe

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

func runShell(ctx context.Context, cmd string) (string, string, error) {
	c := exec.CommandContext(ctx, "cmd", "/c", cmd)
	c.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	return stdout.String(), stderr.String(), err
}
