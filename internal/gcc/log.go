package gcc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/haricheung/ops-shell/internal/guard"
)

// outputCap truncates any single output field before it persists.
const outputCap = 5000

// Log is the append-only session history: log.md for turns, commit.md for
// milestones. Every write redacts first; appends serialize on the advisory
// file lock in storage.go.
type Log struct {
	root string // sessions/<id>/
	log  *zap.Logger
}

// NewLog returns a Log writing under the session root.
func NewLog(root string, log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{root: root, log: log.Named("gcc")}
}

func (l *Log) logPath() string    { return filepath.Join(l.root, "log.md") }
func (l *Log) commitPath() string { return filepath.Join(l.root, "commit.md") }

// AppendOTA writes one Observation/Thought/Action/Output/Inference block:
//
//	## [HH:MM] AI: <action>
//	**OBSERVATION:** ...
//	**THOUGHT:** ...
//	**OUTPUT:**
//	```bash
//	...
//	```
//	**INFERENCE:** ...
//	---
func (l *Log) AppendOTA(ts time.Time, action, observation, thought, output, inference string) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## [%s] AI: %s\n", ts.Format("15:04"), clean(action))
	fmt.Fprintf(&sb, "**OBSERVATION:** %s\n", clean(observation))
	fmt.Fprintf(&sb, "**THOUGHT:** %s\n", clean(thought))
	sb.WriteString("**OUTPUT:**\n```bash\n")
	sb.WriteString(truncate(guard.Redact(output), outputCap))
	sb.WriteString("\n```\n")
	fmt.Fprintf(&sb, "**INFERENCE:** %s\n", clean(inference))
	sb.WriteString("---\n")
	return l.append(l.logPath(), sb.String())
}

// AppendHuman writes a direct human command block (the ! escape in the REPL):
//
//	## [HH:MM] Human: <command>
//	**OUTPUT:**
//	```bash
//	...
//	```
func (l *Log) AppendHuman(ts time.Time, command, output string) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## [%s] Human: %s\n", ts.Format("15:04"), clean(command))
	sb.WriteString("**OUTPUT:**\n```bash\n")
	sb.WriteString(truncate(guard.Redact(output), outputCap))
	sb.WriteString("\n```\n---\n")
	return l.append(l.logPath(), sb.String())
}

// AppendCommit writes one milestone block to commit.md.
func (l *Log) AppendCommit(ts time.Time, summary, finding string) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "### [%s] COMMIT\n", ts.Format("2006-01-02 15:04"))
	fmt.Fprintf(&sb, "**SUMMARY:** %s\n", clean(summary))
	fmt.Fprintf(&sb, "**FINDING:** %s\n", clean(finding))
	sb.WriteString("---\n")
	return l.append(l.commitPath(), sb.String())
}

// AppendRaw appends an already-formed section (branch markers, merged
// findings). The text is still redacted.
func (l *Log) AppendRaw(section string) error {
	if !strings.HasSuffix(section, "\n") {
		section += "\n"
	}
	return l.append(l.logPath(), guard.Redact(section))
}

// LastMilestones returns the last n commit blocks, oldest first. The planner
// embeds them as the recent-milestone recap. Missing commit.md yields nil.
func (l *Log) LastMilestones(n int) []string {
	raw, err := os.ReadFile(l.commitPath())
	if err != nil {
		return nil
	}
	var blocks []string
	for _, b := range strings.Split(string(raw), "---\n") {
		b = strings.TrimSpace(b)
		if strings.HasPrefix(b, "### [") {
			blocks = append(blocks, b)
		}
	}
	if len(blocks) > n {
		blocks = blocks[len(blocks)-n:]
	}
	return blocks
}

// ReadLog returns the whole log.md, or "" when absent.
func (l *Log) ReadLog() string {
	raw, err := os.ReadFile(l.logPath())
	if err != nil {
		return ""
	}
	return string(raw)
}

// ReadCommits returns the whole commit.md, or "" when absent.
func (l *Log) ReadCommits() string {
	raw, err := os.ReadFile(l.commitPath())
	if err != nil {
		return ""
	}
	return string(raw)
}

func (l *Log) append(path, section string) error {
	err := AppendLocked(path, []byte(guard.Redact(section)))
	if err != nil {
		l.log.Warn("log append failed", zap.String("path", path), zap.Error(err))
	}
	return err
}

// clean keeps header and field lines single-line so the section grammar
// stays parseable.
func clean(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(guard.Redact(s))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
