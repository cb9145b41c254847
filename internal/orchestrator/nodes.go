package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/haricheung/ops-shell/internal/gcc"
	"github.com/haricheung/ops-shell/internal/guard"
	"github.com/haricheung/ops-shell/internal/probe"
	"github.com/haricheung/ops-shell/internal/skills"
	"github.com/haricheung/ops-shell/internal/tools"
	"github.com/haricheung/ops-shell/internal/types"
)

// failureSignatures mark a Tool output as a genuine command failure.
var failureSignatures = []string{
	"permission denied",
	"not found",
	"error:",
	"access denied",
	"no such file",
	"failed to",
}

var approvalTokens = map[string]bool{
	"y": true, "yes": true, "sure": true, "go": true, "approve": true, "ok": true,
}

var denialTokens = map[string]bool{
	"n": true, "no": true, "stop": true, "don't": true, "cancel": true, "deny": true,
}

// ── Prober ───────────────────────────────────────────────────────────────────

func (t *turn) prober(ctx context.Context) (string, error) {
	snap := t.env(ctx)
	t.st.Env = &snap
	if t.st.EnvHash == "" {
		t.st.EnvHash = probe.Fingerprint(snap)
	}
	return nodeIngestion, nil
}

// refreshEnv forces a live probe, replacing the turn-local memo.
func (t *turn) refreshEnv(ctx context.Context) types.EnvSnapshot {
	snap := t.o.deps.Prober.Snapshot(ctx)
	t.envCache = &snap
	t.st.Env = &snap
	return snap
}

// ── Ingestion ────────────────────────────────────────────────────────────────

// ingestion folds any log sections written since last_synced_count into the
// message list, then appends the current utterance. The on-disk log stays
// the source of truth; this is the read side of that contract.
//
// A reprobe re-enters here mid-turn. The utterance is already in state and
// the fast path has had its one chance, so the second visit goes straight
// to the planner: re-appending would duplicate the utterance, and
// re-routing would hand a just-failed command back to the reflex for a
// blind retry.
func (t *turn) ingestion(_ context.Context) (string, error) {
	logPath := filepath.Join(t.o.session.Path, "log.md")
	msgs, err := gcc.ParseLog(logPath, t.st.LastSyncedCount)
	if err != nil {
		t.o.log.Warn("log ingestion failed", zap.Error(err))
	} else if len(msgs) > 0 {
		t.o.apply(msgs...)
		t.st.LastSyncedCount += len(msgs)
	}
	if t.ingested {
		return nodePlanner, nil
	}
	t.ingested = true
	t.o.apply(types.HumanMsg(t.utterance))
	return nodeRouter, nil
}

// ── Router ───────────────────────────────────────────────────────────────────

func (t *turn) router(ctx context.Context) (string, error) {
	if t.st.UserMode == types.ModeChat {
		return nodeChat, nil
	}
	if t.o.deps.Reflex == nil {
		if !t.o.reflexWarned {
			t.o.log.Warn("no reflex model configured, fast path disabled")
			t.o.reflexWarned = true
		}
		return nodePlanner, nil
	}
	if len(t.utterance) > fastPathMax || strings.Contains(t.utterance, "\n") {
		return nodePlanner, nil
	}

	env := t.env(ctx)
	system := fmt.Sprintf(reflexSystemPrompt, env.OS, env.Shell)
	if t.st.UserMode == types.ModeExec {
		system = fmt.Sprintf(reflexExecSystemPrompt, env.OS, env.Shell)
	}
	resp, err := t.o.deps.Reflex.Chat(ctx, system, t.utterance)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		t.o.log.Warn("reflex call failed, falling back to planner", zap.Error(err))
		return nodePlanner, nil
	}

	line := firstLine(resp)
	if line == "" || strings.Contains(strings.ToUpper(line), "COMPLEX") {
		if looksConversational(t.utterance) {
			return nodeChat, nil
		}
		return nodePlanner, nil
	}

	// Reflex produced a command: synthesize the tool call and let the
	// safety gate pick the executor.
	ai := types.AIMsg("")
	ai.ToolCalls = []types.ToolCall{{
		Name: "run_command",
		Args: map[string]any{"cmd": line},
	}}
	t.o.apply(ai)
	t.st.NextStep = types.StepFastPath
	t.o.log.Debug("fast path command", zap.String("cmd", line))
	return t.safetyGate(), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.Trim(strings.TrimSpace(s), "`")
}

// looksConversational separates questions from directives so a COMPLEX
// reflex verdict on a question lands in chat, not the planner.
func looksConversational(s string) bool {
	ls := strings.ToLower(strings.TrimSpace(s))
	if strings.HasSuffix(ls, "?") {
		return true
	}
	for _, w := range []string{"what ", "why ", "how ", "when ", "who ", "explain ", "is it ", "does "} {
		if strings.HasPrefix(ls, w) {
			return true
		}
	}
	return false
}

// ── Planner ──────────────────────────────────────────────────────────────────

func (t *turn) planner(ctx context.Context) (string, error) {
	// Semantic cache lookup only applies when the recent context carries no
	// tool output: a cached answer must not shadow fresh command results.
	t.cacheChecked = false
	if t.o.deps.Cache != nil && !hasToolIn(t.st.Messages, cacheWindow) {
		t.cacheChecked = true
		if text, ok := t.o.deps.Cache.Get(ctx, t.utterance); ok {
			t.o.apply(types.AIMsg(text))
			t.o.publish(types.Event{Kind: types.EvTokenDelta, Node: nodePlanner,
				SessionID: t.o.session.ID, Text: text})
			return t.safetyGate(), nil
		}
	}

	system := t.plannerPrompt(ctx)
	history := recentWindow(t.st.Messages, historyWindow)

	resp, err := t.o.deps.Planner.Generate(ctx, system, history, t.o.deps.Registry.Specs(), func(delta string) {
		t.o.publish(types.Event{Kind: types.EvTokenDelta, Node: nodePlanner,
			SessionID: t.o.session.ID, Text: delta})
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// The turn ends cleanly; loop_count is untouched so a retry is not
		// penalized.
		t.o.log.Error("planner LLM call failed", zap.Error(err))
		t.o.publish(types.Event{Kind: types.EvWarning, Node: nodePlanner,
			SessionID: t.o.session.ID, Text: "LLM error: " + err.Error()})
		return nodeEnd, nil
	}

	t.o.apply(resp)

	if len(resp.ToolCalls) == 0 && resp.Content != "" && t.cacheChecked && t.o.deps.Cache != nil {
		t.o.deps.Cache.Set(t.utterance, resp.Content)
	}
	return t.safetyGate(), nil
}

func (t *turn) plannerPrompt(ctx context.Context) string {
	env := t.env(ctx)

	var envBlock strings.Builder
	fmt.Fprintf(&envBlock, "os: %s (%s)\nshell: %s\ncwd: %s\n", env.OS, env.Release, env.Shell, env.Cwd)
	fmt.Fprintf(&envBlock, "kubectl: %s\n", toolStatus(env.Tools.Kubectl))
	fmt.Fprintf(&envBlock, "docker: %s\n", toolStatus(env.Tools.Docker))
	fmt.Fprintf(&envBlock, "git branch: %s\n", toolStatus(env.Tools.GitBranch))

	milestones := "(none yet)"
	if t.o.deps.Log != nil {
		if blocks := t.o.deps.Log.LastMilestones(3); len(blocks) > 0 {
			milestones = strings.Join(blocks, "\n")
		}
	}

	denial := ""
	if t.st.DenialReason != "" {
		denial = "\nPREVIOUS PROPOSAL DENIED:\n" + t.st.DenialReason
		// Rendered once; a stale banner must not repeat on later calls.
		t.st.DenialReason = ""
	}

	return fmt.Sprintf(plannerSystemPrompt, envBlock.String(), t.o.skillsDocs, milestones, denial)
}

func toolStatus(raw string) string {
	if strings.HasPrefix(raw, "Error") {
		return "unavailable"
	}
	if raw == "" {
		return "unknown"
	}
	return firstLine(raw)
}

// ── SafetyGate ───────────────────────────────────────────────────────────────

// safetyGate routes on the last AI message's tool calls: none ends the
// turn, any non-auto command hits the approval interrupt, all-auto runs
// unattended.
func (t *turn) safetyGate() string {
	ai := lastAIWithTools(t.st.Messages)
	last := lastMessage(t.st.Messages)
	if ai == nil || last == nil || ai.ID != last.ID {
		return nodeEnd
	}
	for _, call := range ai.ToolCalls {
		if t.callTier(call) != types.TierAuto {
			return nodeExecutor
		}
	}
	return nodeAutoExecutor
}

// callTier classifies a tool call. Session-memory reads are auto; branch
// and merge mutate session state, so they gate; commands go through the
// skill classifier.
func (t *turn) callTier(call types.ToolCall) types.Tier {
	switch call.Name {
	case "run_command":
		tier, _ := t.o.deps.Classifier.Classify(commandOf(call))
		return tier
	case "branch_session", "merge_current_session":
		return types.TierApproval
	default:
		return types.TierAuto
	}
}

func commandOf(call types.ToolCall) string {
	if call.Args == nil {
		return ""
	}
	if v, ok := call.Args["cmd"].(string); ok {
		return v
	}
	return ""
}

// ── Executor (approval interrupt) ────────────────────────────────────────────

func (t *turn) executor(ctx context.Context) (string, error) {
	ai := lastAIWithTools(t.st.Messages)
	if ai == nil {
		return nodeEnd, nil
	}

	// Preserve the held tool calls before asking: a crash while the human
	// decides must not lose them.
	if t.o.deps.Checkpoint != nil {
		writes := make([]gcc.PendingWrite, 0, len(ai.ToolCalls))
		for _, call := range ai.ToolCalls {
			writes = append(writes, gcc.PendingWrite{Channel: "tool_calls", Call: call})
		}
		if err := t.o.deps.Checkpoint.PutWrites(
			gcc.CheckpointConfig{ThreadID: t.o.session.ID}, writes, ai.ID); err != nil {
			t.o.log.Warn("pending-write checkpoint failed", zap.Error(err))
		}
	}

	summary, tier := t.gateSummary(ai.ToolCalls)
	t.o.publish(types.Event{Kind: types.EvApprovalRequest, Node: nodeExecutor,
		SessionID: t.o.session.ID, Text: summary, Tier: tier})

	reply, err := t.o.deps.Approver.Ask(ctx, summary, tier)
	if err != nil {
		return "", err
	}

	switch decide(reply) {
	case decisionApprove:
		if err := t.dispatchCalls(ctx, ai); err != nil {
			return "", err
		}
		return nodeSanitizer, nil
	default:
		// Explicit denial and free-text feedback both read as denial; the
		// text travels to the planner through the negotiator.
		t.st.DenialReason = strings.TrimSpace(reply)
		t.st.NextStep = stepDenied
		return nodeNegotiator, nil
	}
}

func (t *turn) gateSummary(calls []types.ToolCall) (string, types.Tier) {
	var parts []string
	highest := types.TierAuto
	for _, call := range calls {
		if call.Name == "run_command" {
			parts = append(parts, commandOf(call))
		} else {
			parts = append(parts, call.Name)
		}
		tier := t.callTier(call)
		if tier == types.TierDestructive || (tier == types.TierApproval && highest == types.TierAuto) {
			highest = tier
		}
	}
	return strings.Join(parts, " && "), highest
}

type decision int

const (
	decisionDeny decision = iota
	decisionApprove
)

// decide parses an approval reply. Tokens match on word boundaries;
// a denial token anywhere wins over an approval token; free text with
// neither reads as denial carrying feedback.
func decide(reply string) decision {
	approved := false
	for _, tok := range strings.FieldsFunc(strings.ToLower(reply), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && r != '\''
	}) {
		if denialTokens[tok] {
			return decisionDeny
		}
		if approvalTokens[tok] {
			approved = true
		}
	}
	if approved {
		return decisionApprove
	}
	return decisionDeny
}

// ── AutoExecutor ─────────────────────────────────────────────────────────────

func (t *turn) autoExecutor(ctx context.Context) (string, error) {
	ai := lastAIWithTools(t.st.Messages)
	if ai == nil {
		return nodeEnd, nil
	}
	if err := t.dispatchCalls(ctx, ai); err != nil {
		return "", err
	}
	return nodeSanitizer, nil
}

// dispatchCalls runs every tool call on the AI message and appends one Tool
// message per call, keeping the call/answer pairing intact before the next
// planner invocation.
func (t *turn) dispatchCalls(ctx context.Context, ai *types.Message) error {
	for _, call := range ai.ToolCalls {
		t.o.publish(types.Event{Kind: types.EvToolStart, Node: nodeExecutor,
			SessionID: t.o.session.ID, Tool: call.Name, Text: commandOf(call)})

		out, err := t.o.deps.Registry.Dispatch(ctx, call)
		if err != nil {
			return err
		}

		status := types.ToolSuccess
		if toolFailed(out) {
			status = types.ToolFailed
		}
		t.o.apply(types.ToolMsg(call.ID, out, status))

		t.o.publish(types.Event{Kind: types.EvToolEnd, Node: nodeExecutor,
			SessionID: t.o.session.ID, Tool: call.Name, Text: out})
	}
	return nil
}

func toolFailed(out string) bool {
	if tools.ExitCode(out) != 0 {
		return true
	}
	for _, prefix := range []string{"REFUSED:", "TIMEOUT:", "ERROR:"} {
		if strings.HasPrefix(out, prefix) {
			return true
		}
	}
	return false
}

// ── Sanitizer ────────────────────────────────────────────────────────────────

// sanitizer rewrites a mutated Tool message in place via the reducer's
// RemoveMarker + reinsert pair. Returning a plain list would double-fold
// with the additive default.
func (t *turn) sanitizer(_ context.Context) (string, error) {
	last := lastMessage(t.st.Messages)
	if last == nil || last.Kind != types.KindTool {
		return nodeAnalyzer, nil
	}
	clean := guard.Sanitize(last.Content)
	if clean == last.Content {
		return nodeAnalyzer, nil
	}
	if strings.Contains(clean, "[ADVERSARIAL_FILTERED:") {
		t.o.log.Warn("adversarial content neutralized in tool output",
			zap.String("tool_call_id", last.ToolCallID))
	}
	replacement := types.ToolMsg(last.ToolCallID, clean, last.Status)
	t.o.apply(types.RemoveMarker(last.ID), replacement)
	return nodeAnalyzer, nil
}

// ── Analyzer ─────────────────────────────────────────────────────────────────

func (t *turn) analyzer(ctx context.Context) (string, error) {
	ai := lastAIWithTools(t.st.Messages)
	if ai == nil {
		return nodeAudit, nil
	}
	var tool *types.Message
	var cmd string
	for _, call := range ai.ToolCalls {
		if m := toolForCall(t.st.Messages, call.ID); m != nil {
			tool = m
			cmd = commandOf(call)
			if cmd == "" {
				cmd = call.Name
			}
		}
	}
	if tool == nil {
		return nodeAudit, nil
	}

	// OTA entry: the auditable trace of this action.
	if t.o.deps.Log != nil {
		thought := ai.Content
		if thought == "" {
			thought = "fast-path reflex"
		}
		if err := t.o.deps.Log.AppendOTA(t.now(), cmd,
			t.utterance, thought, tool.Content, tool.Status); err != nil {
			t.o.log.Warn("OTA log write failed", zap.Error(err))
		} else {
			t.st.LastSyncedCount++ // our own section; never re-ingest it
		}
	}

	// Command history insert rides the background tracker.
	if t.o.deps.Recorder != nil && t.st.Env != nil {
		rec := types.CommandRecord{
			SessionID: t.o.session.ID,
			Timestamp: t.now().UTC().Format("2006-01-02T15:04:05Z07:00"),
			SkillID:   skills.Infer(cmd),
			Command:   cmd,
			ExitCode:  tools.ExitCode(tool.Content),
			Output:    clip(tool.Content, 1000),
			OS:        t.st.Env.OS,
			Release:   t.st.Env.Release,
			Shell:     t.st.Env.Shell,
			Cwd:       t.st.Env.Cwd,
		}
		record := func(ctx context.Context) {
			if err := t.o.deps.Recorder.LogCommand(ctx, rec); err != nil {
				t.o.log.Warn("command history insert failed", zap.Error(err))
			}
		}
		if t.o.deps.Tracker != nil {
			t.o.deps.Tracker.Go("command-history", record)
		} else {
			record(ctx)
		}
	}

	// Failure reflection: a genuine failure signature (not our own earlier
	// reflection echoed back) warns the planner off a blind retry.
	if sig := failureSignature(tool.Content); sig != "" {
		t.o.apply(types.HumanMsg(fmt.Sprintf(systemReflectionBody, sig)))
		t.st.NextStep = types.StepReprobe
		t.st.LastError = sig
	}
	return nodeAudit, nil
}

func failureSignature(out string) string {
	if strings.Contains(out, systemReflectionPrefix) {
		return ""
	}
	low := strings.ToLower(out)
	for _, sig := range failureSignatures {
		if strings.Contains(low, sig) {
			return sig
		}
	}
	return ""
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ── Audit ────────────────────────────────────────────────────────────────────

// audit is the circuit breaker: bounded loop count, environment drift,
// semantic repetition and action repetition all terminate or reroute here.
func (t *turn) audit(ctx context.Context) (string, error) {
	t.st.LoopCount++
	if t.st.LoopCount > maxLoops {
		t.st.NextStep = types.StepCircuitBreak
		t.o.log.Warn("circuit break: loop budget exhausted", zap.Int("loops", t.st.LoopCount))
		return t.auditGate(), nil
	}

	// Drift check after any command ran, and on the first visit.
	last := lastMessage(t.st.Messages)
	ranTool := last != nil && last.Kind == types.KindTool
	if ranTool || t.st.EnvHash == "" {
		fp := probe.Fingerprint(t.refreshEnv(ctx))
		if t.st.EnvHash != "" && fp != t.st.EnvHash {
			t.o.log.Info("environment drift detected",
				zap.String("old", clip(t.st.EnvHash, 12)), zap.String("new", clip(fp, 12)))
			t.st.NextStep = types.StepReprobe
		}
		t.st.EnvHash = fp
	}

	// Semantic loop: three identical non-empty AI texts in a row.
	if ais := lastAIMessages(t.st.Messages, 3); len(ais) == 3 {
		if ais[0].Content != "" && ais[0].Content == ais[1].Content && ais[1].Content == ais[2].Content {
			t.st.NextStep = types.StepCircuitBreak
			t.o.log.Warn("circuit break: semantic loop")
			return t.auditGate(), nil
		}
	}

	// Action loop: the same tool call twice in a row.
	if calls := lastAIWithToolsN(t.st.Messages, 2); len(calls) == 2 {
		a, b := calls[0].ToolCalls[0], calls[1].ToolCalls[0]
		if a.Name == b.Name && sameArgs(a.Args, b.Args) {
			cmd := commandOf(a)
			if cmd == "" {
				cmd = a.Name
			}
			t.st.NextStep = types.StepCircuitBreak
			t.st.DenialReason = fmt.Sprintf(actionLoopDenial, cmd)
			t.o.log.Warn("circuit break: action loop", zap.String("cmd", cmd))
			return t.auditGate(), nil
		}
	}

	if t.st.NextStep != types.StepReprobe {
		t.st.NextStep = types.StepContinue
	}
	return t.auditGate(), nil
}

func (t *turn) auditGate() string {
	switch t.st.NextStep {
	case types.StepCircuitBreak:
		return nodeEnd
	case types.StepReprobe:
		return nodeProber
	default:
		return nodePlanner
	}
}

func sameArgs(a, b map[string]any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// ── Negotiator ───────────────────────────────────────────────────────────────

// negotiator relays denial feedback to the planner, flagging concrete user
// suggestions so the model treats them as direction, not rejection.
func (t *turn) negotiator(_ context.Context) (string, error) {
	reason := t.st.DenialReason
	low := strings.ToLower(reason)
	if strings.Contains(low, "try") || strings.Contains(low, "instead") {
		reason += "\nUSER SUGGESTION: the denial above proposes an alternative approach. Follow it."
	}
	t.st.DenialReason = reason
	t.st.NextStep = types.StepContinue
	return nodePlanner, nil
}

// ── Chat ─────────────────────────────────────────────────────────────────────

func (t *turn) chat(ctx context.Context) (string, error) {
	gen := t.o.deps.Reflex
	if gen == nil {
		gen = t.o.deps.Planner
	}
	env := t.env(ctx)
	answer, err := gen.Chat(ctx, fmt.Sprintf(chatSystemPrompt, env.OS, env.Shell), t.utterance)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		t.o.log.Error("chat LLM call failed", zap.Error(err))
		t.o.publish(types.Event{Kind: types.EvWarning, Node: nodeChat,
			SessionID: t.o.session.ID, Text: "LLM error: " + err.Error()})
		return nodeEnd, nil
	}
	t.o.apply(types.AIMsg(answer))
	t.o.publish(types.Event{Kind: types.EvTokenDelta, Node: nodeChat,
		SessionID: t.o.session.ID, Text: answer})
	return nodeEnd, nil
}
