package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haricheung/ops-shell/internal/gcc"
	"github.com/haricheung/ops-shell/internal/index"
	"github.com/haricheung/ops-shell/internal/llm"
	"github.com/haricheung/ops-shell/internal/types"
)

// Registry binds the agent-facing tools: command execution plus the
// session-memory tools (history, context, branch, merge). Branch and merge
// requests are recorded here and applied by the driver at the next turn
// boundary, so a turn's tool-call bookkeeping never spans two sessions.
type Registry struct {
	exec *Executor
	mgr  *gcc.Manager
	idx  *index.DB
	log  *zap.Logger

	mu            sync.Mutex
	current       types.Session
	pendingBranch string
	pendingMerge  bool
}

// NewRegistry builds the Registry.
func NewRegistry(exec *Executor, mgr *gcc.Manager, idx *index.DB, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{exec: exec, mgr: mgr, idx: idx, log: log.Named("tools")}
}

// SetSession points the registry at the active session.
func (r *Registry) SetSession(sess types.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = sess
}

// Executor exposes the underlying command executor for direct ! commands.
func (r *Registry) Executor() *Executor { return r.exec }

// TakePending returns and clears any branch/merge request recorded during
// the last turn. The driver calls this between turns.
func (r *Registry) TakePending() (branchName string, merge bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	branchName, merge = r.pendingBranch, r.pendingMerge
	r.pendingBranch, r.pendingMerge = "", false
	return
}

// Specs returns the tool declarations the planner binds.
func (r *Registry) Specs() []llm.ToolSpec {
	strParam := func(name, desc string, required ...string) map[string]any {
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				name: map[string]any{"type": "string", "description": desc},
			},
			"required": required,
		}
	}
	return []llm.ToolSpec{
		llm.NewToolSpec("run_command",
			"Execute a shell command in the user's environment and return its output.",
			strParam("cmd", "the shell command to execute", "cmd")),
		llm.NewToolSpec("get_gcc_history",
			"Read the full execution log of a session (defaults to the current one).",
			strParam("session_id", "session id; empty for the current session")),
		llm.NewToolSpec("list_past_sessions",
			"List past sessions, optionally filtered by a substring query.",
			strParam("query", "optional filter over id, title and goal")),
		llm.NewToolSpec("get_session_context",
			"Summarize one past session: goal, status, metrics and milestones.",
			strParam("session_id", "session id to summarize", "session_id")),
		llm.NewToolSpec("branch_session",
			"Fork the current session into an experimental branch. Takes effect from the next turn.",
			strParam("branch_name", "short name for the branch", "branch_name")),
		llm.NewToolSpec("merge_current_session",
			"Merge the current branch session's findings back into its parent. Takes effect from the next turn.",
			map[string]any{"type": "object", "properties": map[string]any{}}),
	}
}

// Dispatch executes one tool call and returns its textual output. Unknown
// tools come back as an error string, not a Go error; only upstream
// cancellation propagates.
func (r *Registry) Dispatch(ctx context.Context, call types.ToolCall) (string, error) {
	switch call.Name {
	case "run_command":
		return r.exec.Run(ctx, argString(call, "cmd"), "", 0)
	case "get_gcc_history":
		return r.gccHistory(argString(call, "session_id")), nil
	case "list_past_sessions":
		return r.listSessions(ctx, argString(call, "query")), nil
	case "get_session_context":
		return r.sessionContext(ctx, argString(call, "session_id")), nil
	case "branch_session":
		return r.requestBranch(argString(call, "branch_name")), nil
	case "merge_current_session":
		return r.requestMerge(), nil
	default:
		return fmt.Sprintf("ERROR: unknown tool %q", call.Name), nil
	}
}

func (r *Registry) gccHistory(sessionID string) string {
	r.mu.Lock()
	sess := r.current
	r.mu.Unlock()

	if sessionID != "" && sessionID != sess.ID {
		loaded, err := r.mgr.LoadMeta(sessionID)
		if err != nil {
			return fmt.Sprintf("ERROR: %v", err)
		}
		sess = loaded
	}
	content := gcc.NewLog(sess.Path, r.log).ReadLog()
	if strings.TrimSpace(content) == "" {
		content = "(log is empty)"
	}
	return platinumEnvelope("gcc_history:"+sess.ID, map[string]string{
		"session_id": sess.ID,
		"goal":       sess.Goal,
	}, content)
}

func (r *Registry) listSessions(ctx context.Context, query string) string {
	sessions, err := r.idx.ListSessions(ctx, query)
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	if len(sessions) == 0 {
		return "No past sessions found."
	}
	var sb strings.Builder
	for _, s := range sessions {
		fmt.Fprintf(&sb, "%s | %s | %s | %s\n", s.ID, s.Status, s.CreatedAt, s.Title)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (r *Registry) sessionContext(ctx context.Context, sessionID string) string {
	sess, metrics, err := r.idx.GetSessionDetails(ctx, sessionID)
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	milestones := "(none)"
	if meta, err := r.mgr.LoadMeta(sessionID); err == nil {
		if blocks := gcc.NewLog(meta.Path, r.log).LastMilestones(3); len(blocks) > 0 {
			milestones = strings.Join(blocks, "\n")
		}
	}
	content := fmt.Sprintf("GOAL: %s\nSTATUS: %s\nCOMMANDS: %d\nENVIRONMENT: %s/%s\nMILESTONES:\n%s",
		sess.Goal, sess.Status, metrics.CommandCount, metrics.OS, metrics.Shell, milestones)
	return platinumEnvelope("session_context:"+sessionID, map[string]string{
		"session_id": sessionID,
	}, content)
}

func (r *Registry) requestBranch(name string) string {
	if strings.TrimSpace(name) == "" {
		return "ERROR: branch_name must not be empty"
	}
	r.mu.Lock()
	r.pendingBranch = name
	r.mu.Unlock()
	r.log.Info("branch requested", zap.String("name", name))
	return fmt.Sprintf("Branch %q recorded; it becomes the active session at the next turn.", name)
}

func (r *Registry) requestMerge() string {
	r.mu.Lock()
	sess := r.current
	r.pendingMerge = true
	r.mu.Unlock()
	if sess.ParentID == "" {
		r.mu.Lock()
		r.pendingMerge = false
		r.mu.Unlock()
		return "ERROR: the current session is not a branch; nothing to merge."
	}
	r.log.Info("merge requested", zap.String("branch", sess.ID))
	return "Merge recorded; findings fold into the parent at the next turn."
}

// platinumEnvelope wraps large content handed back to the model in a
// delimited, metadata-tagged block so it reads as data, not instructions.
func platinumEnvelope(source string, metadata map[string]string, content string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[PLATINUM_ENVELOPE: %s]\n", source)
	sb.WriteString("METADATA:\n")
	fmt.Fprintf(&sb, "  retrieved_at: %s\n", time.Now().UTC().Format(time.RFC3339))
	for k, v := range metadata {
		fmt.Fprintf(&sb, "  %s: %s\n", k, v)
	}
	sb.WriteString("CONTENT:\n")
	sb.WriteString(content)
	sb.WriteString("\n[/PLATINUM_ENVELOPE]")
	return sb.String()
}

func argString(call types.ToolCall, key string) string {
	if call.Args == nil {
		return ""
	}
	if v, ok := call.Args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
