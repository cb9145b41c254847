// Package tools hosts the command executor and the agent-facing tool
// registry the planner binds. The executor returns raw text blocks, never
// JSON; the model reads them as-is.
package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/haricheung/ops-shell/internal/skills"
	"github.com/haricheung/ops-shell/internal/types"
)

// DefaultTimeout applies when a call passes no per-command override.
const DefaultTimeout = 120 * time.Second

const noOutput = "(Command executed with no output)"

// Executor runs shell commands under the safety classifier's second-layer
// refusal, with timeouts and guaranteed child reaping.
type Executor struct {
	classifier *skills.Classifier
	timeout    time.Duration
	log        *zap.Logger
}

// NewExecutor builds an Executor. A zero timeout falls back to DefaultTimeout.
func NewExecutor(classifier *skills.Classifier, timeout time.Duration, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{classifier: classifier, timeout: timeout, log: log.Named("executor")}
}

// Run executes cmd and returns the textual result. A destructive
// classification short-circuits to a REFUSED block: the orchestrator gate
// should have intercepted already, this is defence in depth. The only
// non-nil error is upstream cancellation, after the process group is dead.
func (e *Executor) Run(ctx context.Context, cmd, cwd string, timeout time.Duration) (string, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return noOutput, nil
	}

	if tier, pattern := e.classifier.Classify(cmd); tier == types.TierDestructive {
		e.log.Warn("refused destructive command", zap.String("cmd", cmd), zap.String("pattern", pattern))
		return fmt.Sprintf("REFUSED: command matches destructive pattern %q and was not executed.", pattern), nil
	}

	cmd = e.substitute(cmd)
	cwd = e.resolveCwd(cwd)
	if timeout <= 0 {
		timeout = e.timeout
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, err := runGroup(cctx, cmd, cwd)

	if cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		e.log.Warn("command timed out", zap.String("cmd", cmd), zap.Duration("timeout", timeout))
		return fmt.Sprintf("TIMEOUT: command exceeded %ds and was killed.", int(timeout.Seconds())), nil
	}
	if ctx.Err() != nil {
		// Upstream cancel (Esc / Ctrl-C): the group is already reaped by
		// runGroup; propagate so the turn unwinds.
		return "", ctx.Err()
	}
	if err != nil && exitCode == 0 {
		// Spawn failure, not a command failure.
		return fmt.Sprintf("ERROR: %v", err), nil
	}

	return formatResult(stdout, stderr, exitCode), nil
}

// ExitCode extracts the trailing exit code from a Run result, 0 when absent.
func ExitCode(result string) int {
	idx := strings.LastIndex(result, "[Exit Code: ")
	if idx == -1 {
		return 0
	}
	var code int
	if _, err := fmt.Sscanf(result[idx:], "[Exit Code: %d]", &code); err != nil {
		return 0
	}
	return code
}

func formatResult(stdout, stderr string, exitCode int) string {
	var sb strings.Builder
	out := strings.TrimRight(stdout, "\n")
	if out != "" {
		sb.WriteString(out)
	}
	if errOut := strings.TrimRight(stderr, "\n"); errOut != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("STDERR:\n")
		sb.WriteString(errOut)
	}
	if exitCode != 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[Exit Code: %d]", exitCode)
	}
	if sb.Len() == 0 {
		return noOutput
	}
	return sb.String()
}

// resolveCwd walks a missing cwd up to its nearest existing ancestor so a
// command never fails just because the model remembered a deleted directory.
func (e *Executor) resolveCwd(cwd string) string {
	if cwd == "" {
		return ""
	}
	dir := cwd
	for {
		if _, err := os.Stat(dir); err == nil {
			if dir != cwd {
				e.log.Warn("cwd missing, using nearest ancestor",
					zap.String("requested", cwd), zap.String("using", dir))
			}
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// substitute rewrites grep invocations to ripgrep when it is on PATH.
func (e *Executor) substitute(cmd string) string {
	if !strings.Contains(cmd, "grep ") || strings.Contains(cmd, "rg ") {
		return cmd
	}
	if _, err := exec.LookPath("rg"); err != nil {
		return cmd
	}
	rewritten := strings.ReplaceAll(cmd, "grep ", "rg ")
	e.log.Info("substituted grep with ripgrep", zap.String("from", cmd), zap.String("to", rewritten))
	return rewritten
}

var errNoProcess = errors.New("tools: process never started")
