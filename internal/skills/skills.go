// Package skills loads per-tool command policies and classifies commands
// into safety tiers. A skill is a SKILL.md file declaring glob pattern lists
// for the auto_execute, requires_approval and destructive tiers; destructive
// ranks highest and within a tier the first pattern wins.
package skills

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/haricheung/ops-shell/internal/types"
)

// Skill is one named policy bundle.
type Skill struct {
	Name        string
	Auto        []string
	Approval    []string
	Destructive []string
}

// Classifier maps command strings to tiers.
type Classifier struct {
	skills []Skill // sorted by name so classification order is deterministic
	log    *zap.Logger
}

// Load walks dir for SKILL.md files (skill name = containing directory).
// A missing directory yields the built-in default skill set.
func Load(dir string, log *zap.Logger) (*Classifier, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Classifier{log: log.Named("skills")}

	if dir == "" {
		c.skills = defaultSkills()
		return c, nil
	}
	if _, err := os.Stat(dir); err != nil {
		c.log.Warn("skills directory missing, using built-in defaults", zap.String("dir", dir))
		c.skills = defaultSkills()
		return c, nil
	}

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "SKILL.md" {
			return nil
		}
		name := filepath.Base(filepath.Dir(p))
		raw, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		c.skills = append(c.skills, parseSkill(name, string(raw)))
		c.log.Info("loaded skill", zap.String("skill", name))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk skills dir: %w", err)
	}
	if len(c.skills) == 0 {
		c.log.Warn("no SKILL.md files found, using built-in defaults", zap.String("dir", dir))
		c.skills = defaultSkills()
	}
	sort.Slice(c.skills, func(i, j int) bool { return c.skills[i].Name < c.skills[j].Name })
	return c, nil
}

// parseSkill reads the three tier sections from SKILL.md markdown:
// "## auto_execute", "## requires_approval", "## destructive", with one
// "- pattern" bullet per rule. Backtick fences around a pattern are stripped.
func parseSkill(name, content string) Skill {
	s := Skill{Name: name}
	section := ""
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "" || strings.HasPrefix(line, "# "):
			continue
		case strings.HasPrefix(line, "## "):
			section = strings.ToLower(strings.TrimSpace(line[3:]))
		case strings.HasPrefix(line, "- "):
			rule := strings.Trim(strings.TrimSpace(line[2:]), "`")
			if rule == "" {
				continue
			}
			switch section {
			case "auto_execute":
				s.Auto = append(s.Auto, rule)
			case "requires_approval":
				s.Approval = append(s.Approval, rule)
			case "destructive":
				s.Destructive = append(s.Destructive, rule)
			}
		}
	}
	return s
}

// Classify returns the safety tier for command and the pattern that decided
// it. Unmatched and empty commands default to approval with no pattern.
func (c *Classifier) Classify(command string) (types.Tier, string) {
	command = strings.TrimSpace(command)
	if command == "" {
		return types.TierApproval, ""
	}
	for _, sk := range c.skills {
		if p, ok := matchAny(command, sk.Destructive); ok {
			return types.TierDestructive, p
		}
		if p, ok := matchAny(command, sk.Approval); ok {
			return types.TierApproval, p
		}
		if p, ok := matchAny(command, sk.Auto); ok {
			return types.TierAuto, p
		}
	}
	return types.TierApproval, ""
}

// matchAny reports the first pattern that matches command. Matching is
// exact, then shell glob over the full command, then base match for
// patterns with a trailing wildcard ("docker ps *" and "docker ps*" both
// accept the bare "docker ps").
func matchAny(command string, patterns []string) (string, bool) {
	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		if !matchOne(command, pat) {
			continue
		}
		if firstTokenGuard(command, pat) {
			return pat, true
		}
	}
	return "", false
}

func matchOne(command, pat string) bool {
	if command == pat {
		return true
	}
	if globMatch(pat, command) {
		return true
	}
	if strings.HasSuffix(pat, " *") {
		if command == strings.TrimSpace(pat[:len(pat)-2]) {
			return true
		}
	}
	if strings.HasSuffix(pat, "*") {
		if command == strings.TrimSpace(pat[:len(pat)-1]) {
			return true
		}
	}
	return false
}

var (
	globMu    sync.Mutex
	globCache = map[string]*regexp.Regexp{}
)

// globMatch is shell-style matching over the whole command. Unlike
// path.Match, "*" crosses every character including "/" so patterns like
// "cat *" accept "cat /etc/hosts".
func globMatch(pat, s string) bool {
	globMu.Lock()
	re, ok := globCache[pat]
	globMu.Unlock()
	if !ok {
		var sb strings.Builder
		sb.WriteString("^")
		for _, r := range pat {
			switch r {
			case '*':
				sb.WriteString(".*")
			case '?':
				sb.WriteString(".")
			default:
				sb.WriteString(regexp.QuoteMeta(string(r)))
			}
		}
		sb.WriteString("$")
		var err error
		re, err = regexp.Compile(sb.String())
		if err != nil {
			return false
		}
		globMu.Lock()
		globCache[pat] = re
		globMu.Unlock()
	}
	return re.MatchString(s)
}

// firstTokenGuard rejects hallucinated near-misses: the command's first
// whitespace token must equal the pattern's first token with any trailing
// wildcard stripped ("docker-foo ps" must not ride a "docker ps*" rule,
// "lsblk" must not ride "ls*"). A bare "*" token waives the check.
func firstTokenGuard(command, pat string) bool {
	pTok := firstToken(pat)
	if pTok == "*" || pTok == "" {
		return true
	}
	return firstToken(command) == strings.TrimRight(pTok, "*")
}

func firstToken(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

// Infer maps a command to the skill id recorded in command history.
func Infer(cmd string) string {
	switch {
	case strings.Contains(cmd, "docker"):
		return "docker"
	case strings.Contains(cmd, "kubectl"):
		return "kubectl"
	case strings.Contains(cmd, "git"):
		return "git"
	default:
		return "core"
	}
}

// Docs returns the condensed policy block the planner prompt embeds. Loaded
// once at startup; the model sees which commands run free and which gate.
func (c *Classifier) Docs() string {
	var sb strings.Builder
	for _, sk := range c.skills {
		sb.WriteString(fmt.Sprintf("[%s] auto: %s | approval: %s | destructive: %s\n",
			sk.Name,
			condense(sk.Auto),
			condense(sk.Approval),
			condense(sk.Destructive)))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func condense(patterns []string) string {
	if len(patterns) == 0 {
		return "-"
	}
	const maxShown = 6
	if len(patterns) > maxShown {
		return strings.Join(patterns[:maxShown], ", ") + ", ..."
	}
	return strings.Join(patterns, ", ")
}

// defaultSkills covers the common DevOps surface when no skills directory
// is configured.
func defaultSkills() []Skill {
	return []Skill{
		{
			Name: "core",
			Auto: []string{
				"ls*", "pwd", "whoami", "cat *", "echo *", "grep *", "find *",
				"df *", "du *", "ps*", "uname*", "which *", "env", "head *", "tail *", "wc *",
			},
			Approval: []string{
				"mv *", "cp *", "mkdir *", "touch *", "chmod *", "chown *", "curl *", "wget *",
			},
			Destructive: []string{
				"rm *", "rmdir *", "dd *", "mkfs*", "shutdown*", "reboot*", ":(){*",
			},
		},
		{
			Name: "docker",
			Auto: []string{
				"docker ps*", "docker images*", "docker logs *", "docker inspect *",
				"docker version*", "docker info*", "docker stats*",
			},
			Approval: []string{
				"docker run *", "docker start *", "docker stop *", "docker restart *",
				"docker build *", "docker pull *", "docker exec *",
			},
			Destructive: []string{
				"docker rm *", "docker rmi *", "docker system prune*", "docker volume rm *",
				"docker network rm *", "docker kill *",
			},
		},
		{
			Name: "kubectl",
			Auto: []string{
				"kubectl get *", "kubectl describe *", "kubectl logs *", "kubectl top *",
				"kubectl config view*", "kubectl config current-context*", "kubectl version*",
				"kubectl explain *",
			},
			Approval: []string{
				"kubectl apply *", "kubectl create *", "kubectl scale *", "kubectl rollout *",
				"kubectl label *", "kubectl annotate *", "kubectl exec *", "kubectl cordon *",
			},
			Destructive: []string{
				"kubectl delete *", "kubectl drain *", "kubectl replace --force*",
			},
		},
		{
			Name: "git",
			Auto: []string{
				"git status*", "git log*", "git diff*", "git branch*", "git show *",
				"git remote*", "git rev-parse *",
			},
			Approval: []string{
				"git add *", "git commit *", "git checkout *", "git switch *", "git merge *",
				"git pull*", "git push*", "git stash*", "git rebase *",
			},
			Destructive: []string{
				"git reset --hard*", "git clean -f*", "git push --force*", "git branch -D *",
			},
		},
	}
}
