// Package probe captures the execution environment: OS, shell, cwd and the
// live state of docker, kubectl and git. Probes run in parallel, each under
// a hard timeout, and the snapshot reduces to a stable fingerprint used for
// drift detection.
package probe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/haricheung/ops-shell/internal/types"
)

// probeTimeout is the hard per-probe limit; an expired probe is killed and
// reports ErrProbeTimedOut text instead of output.
const probeTimeout = 5 * time.Second

const timedOut = "Error: probe timed out"

const lsCap = 1024 // workspace listing cap in bytes

// Prober runs the fixed probe set.
type Prober struct {
	log *zap.Logger
}

// New creates a Prober.
func New(log *zap.Logger) *Prober {
	if log == nil {
		log = zap.NewNop()
	}
	return &Prober{log: log.Named("probe")}
}

// Snapshot probes the environment. Individual probe failures and timeouts
// surface as "Error: ..." strings in the snapshot, never as a returned error.
func (p *Prober) Snapshot(ctx context.Context) types.EnvSnapshot {
	env := types.EnvSnapshot{
		OS:    osName(),
		Shell: shellName(),
	}
	if cwd, err := os.Getwd(); err == nil {
		env.Cwd = cwd
	}
	// Windows paths compare case-insensitively; normalize before anything
	// hashes or compares the cwd.
	if env.OS == "Windows" {
		env.Cwd = strings.ToLower(env.Cwd)
	}

	lsCmd := "ls -la"
	relCmd := "uname -r"
	if env.OS == "Windows" {
		lsCmd = "dir"
		relCmd = "cmd /c ver"
	}

	g, gctx := errgroup.WithContext(ctx)
	run := func(dst *string, cmd string) {
		g.Go(func() error {
			*dst = p.run(gctx, cmd)
			return nil
		})
	}

	run(&env.Release, relCmd)
	run(&env.Tools.Kubectl, "kubectl config current-context")
	run(&env.Tools.KubectlNS, `kubectl config view --minify --output "jsonpath={..namespace}"`)
	run(&env.Tools.Docker, "docker info")
	run(&env.Tools.DockerPS, "docker ps -q | wc -l")
	run(&env.Tools.GitBranch, "git rev-parse --abbrev-ref HEAD")
	run(&env.Tools.GitRemote, "git remote get-url origin")
	run(&env.Tools.GitStatus, "git status --short")
	run(&env.Workspace.LS, lsCmd)

	g.Wait()

	if len(env.Workspace.LS) > lsCap {
		env.Workspace.LS = env.Workspace.LS[:lsCap]
	}
	return env
}

// run executes one probe under probeTimeout. Non-zero exit returns
// "Error: <stderr>"; expiry kills the process group and returns timedOut.
func (p *Prober) run(ctx context.Context, cmd string) string {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, errOut, err := runShell(pctx, cmd)
	if pctx.Err() == context.DeadlineExceeded {
		p.log.Warn("probe timed out", zap.String("cmd", cmd))
		return timedOut
	}
	if err != nil {
		msg := strings.TrimSpace(errOut)
		if msg == "" {
			msg = err.Error()
		}
		return "Error: " + msg
	}
	return strings.TrimSpace(out)
}

// fingerprintView is the stable subset that feeds the hash. Transient error
// strings are excluded so a flaky probe does not read as drift.
type fingerprintView struct {
	KubectlActive bool   `json:"kubectl_active"`
	GitBranch     string `json:"git_branch"`
	Shell         string `json:"shell"`
	Cwd           string `json:"cwd"`
}

// Fingerprint reduces env to a stable hex digest.
func Fingerprint(env types.EnvSnapshot) string {
	cwd := env.Cwd
	if env.OS == "Windows" {
		cwd = strings.ToLower(cwd)
	}
	view := fingerprintView{
		KubectlActive: !isErr(env.Tools.Kubectl),
		GitBranch:     cleanValue(env.Tools.GitBranch),
		Shell:         env.Shell,
		Cwd:           cwd,
	}
	b, _ := json.Marshal(view)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func isErr(s string) bool {
	return strings.HasPrefix(s, "Error") || strings.HasPrefix(s, "Exception")
}

func cleanValue(s string) string {
	if isErr(s) {
		return ""
	}
	return s
}

func osName() string {
	switch runtime.GOOS {
	case "darwin":
		return "Darwin"
	case "windows":
		return "Windows"
	case "linux":
		return "Linux"
	default:
		return runtime.GOOS
	}
}

func shellName() string {
	if runtime.GOOS == "windows" {
		if _, ok := os.LookupEnv("PSModulePath"); ok {
			return "powershell"
		}
		return "cmd"
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return filepath.Base(sh)
	}
	return "bash"
}
