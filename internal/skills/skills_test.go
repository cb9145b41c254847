package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haricheung/ops-shell/internal/types"
)

func defaultClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load defaults: %v", err)
	}
	return c
}

// ── Classify ─────────────────────────────────────────────────────────────────

func TestClassify_DestructiveOutranksAuto(t *testing.T) {
	// A skill where the same command matches both tiers must classify destructive.
	c := &Classifier{skills: []Skill{{
		Name:        "demo",
		Auto:        []string{"docker *"},
		Destructive: []string{"docker rm *"},
	}}}
	tier, pat := c.Classify("docker rm -f web")
	if tier != types.TierDestructive {
		t.Errorf("Classify = %s (pattern %q), want destructive", tier, pat)
	}
}

func TestClassify_UnknownCommandDefaultsToApproval(t *testing.T) {
	c := defaultClassifier(t)
	tier, pat := c.Classify("frobnicate --all")
	if tier != types.TierApproval || pat != "" {
		t.Errorf("Classify(unknown) = (%s, %q), want (approval, \"\")", tier, pat)
	}
}

func TestClassify_EmptyCommand(t *testing.T) {
	c := defaultClassifier(t)
	tier, pat := c.Classify("   ")
	if tier != types.TierApproval || pat != "" {
		t.Errorf("Classify(empty) = (%s, %q), want (approval, \"\")", tier, pat)
	}
}

func TestClassify_AntiHallucinationGuard(t *testing.T) {
	// "docker-foo ps" must not ride the "docker ps*" rule: first tokens differ.
	c := defaultClassifier(t)
	tier, pat := c.Classify("docker-foo ps")
	if pat != "" || tier != types.TierApproval {
		t.Errorf("Classify(docker-foo ps) = (%s, %q), want unmatched approval", tier, pat)
	}
}

func TestClassify_TrailingWildcardBaseMatch(t *testing.T) {
	// "docker ps*" accepts the bare "docker ps" (trailing wildcard stripped).
	c := defaultClassifier(t)
	tier, pat := c.Classify("docker ps")
	if tier != types.TierAuto {
		t.Errorf("Classify(docker ps) = (%s, %q), want auto", tier, pat)
	}
	tier, _ = c.Classify("docker ps -a")
	if tier != types.TierAuto {
		t.Errorf("Classify(docker ps -a) = %s, want auto", tier)
	}
}

func TestClassify_ExactMatch(t *testing.T) {
	c := &Classifier{skills: []Skill{{Name: "demo", Auto: []string{"pwd"}}}}
	tier, pat := c.Classify("pwd")
	if tier != types.TierAuto || pat != "pwd" {
		t.Errorf("Classify(pwd) = (%s, %q), want (auto, pwd)", tier, pat)
	}
}

func TestClassify_DefaultSkillTiers(t *testing.T) {
	c := defaultClassifier(t)
	cases := []struct {
		cmd  string
		want types.Tier
	}{
		{"docker ps -a", types.TierAuto},
		{"kubectl get pods", types.TierAuto},
		{"git status", types.TierAuto},
		{"docker rm -f web", types.TierDestructive},
		{"kubectl delete deployment nginx", types.TierDestructive},
		{"rm -rf /tmp/x", types.TierDestructive},
		{"git push --force origin main", types.TierDestructive},
		{"docker run -d nginx", types.TierApproval},
		{"kubectl scale deploy nginx --replicas=3", types.TierApproval},
	}
	for _, tc := range cases {
		got, pat := c.Classify(tc.cmd)
		if got != tc.want {
			t.Errorf("Classify(%q) = (%s, %q), want %s", tc.cmd, got, pat, tc.want)
		}
	}
}

// ── Load / parse ─────────────────────────────────────────────────────────────

func TestLoad_ParsesSkillFile(t *testing.T) {
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "terraform")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := `# Terraform Skill

## auto_execute
- terraform plan*
- ` + "`terraform show*`" + `

## requires_approval
- terraform apply *

## destructive
- terraform destroy *
`
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tier, _ := c.Classify("terraform destroy -auto-approve")
	if tier != types.TierDestructive {
		t.Errorf("Classify(terraform destroy) = %s, want destructive", tier)
	}
	tier, _ = c.Classify("terraform plan")
	if tier != types.TierAuto {
		t.Errorf("Classify(terraform plan) = %s, want auto", tier)
	}
	// Backtick-fenced pattern parses like a plain one.
	tier, _ = c.Classify("terraform show")
	if tier != types.TierAuto {
		t.Errorf("Classify(terraform show) = %s, want auto", tier)
	}
}

func TestLoad_MissingDirFallsBackToDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope"), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tier, _ := c.Classify("docker ps")
	if tier != types.TierAuto {
		t.Errorf("defaults missing: Classify(docker ps) = %s", tier)
	}
}

// ── Infer / Docs ─────────────────────────────────────────────────────────────

func TestInfer_SkillID(t *testing.T) {
	cases := map[string]string{
		"docker ps":             "docker",
		"kubectl get pods":      "kubectl",
		"git log --oneline":     "git",
		"ls -la /var/log":       "core",
		"systemctl status cron": "core",
	}
	for cmd, want := range cases {
		if got := Infer(cmd); got != want {
			t.Errorf("Infer(%q) = %q, want %q", cmd, got, want)
		}
	}
}

func TestDocs_NamesEverySkill(t *testing.T) {
	c := defaultClassifier(t)
	docs := c.Docs()
	for _, name := range []string{"core", "docker", "kubectl", "git"} {
		if !strings.Contains(docs, "["+name+"]") {
			t.Errorf("Docs() missing skill %q:\n%s", name, docs)
		}
	}
}
