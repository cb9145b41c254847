package types

import "time"

// UserMode selects how much autonomy the turn loop grants the agent.
type UserMode string

const (
	ModeAuto UserMode = "AUTO" // agent plans and executes; approval gate on risky commands
	ModeExec UserMode = "EXEC" // fast path forces a command even on ambiguity
	ModeChat UserMode = "CHAT" // no commands; conversational answers only
)

// Tier is the safety classification of a command.
type Tier string

const (
	TierAuto        Tier = "auto"
	TierApproval    Tier = "approval"
	TierDestructive Tier = "destructive"
)

// MessageKind tags the Message variant.
type MessageKind string

const (
	KindHuman  MessageKind = "human"
	KindAI     MessageKind = "ai"
	KindTool   MessageKind = "tool"
	KindSystem MessageKind = "system"
	KindRemove MessageKind = "remove" // RemoveMarker: reducer drops the message whose id matches
)

// ToolStatus for a Tool message.
const (
	ToolSuccess = "success"
	ToolFailed  = "failed"
)

// ToolCall is one tool invocation requested by an AI message.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is the tagged variant flowing through the orchestrator state.
// Exactly one interpretation applies per Kind:
//   - human/system: Content is user or injected text
//   - ai: Content is model text; ToolCalls may be non-empty
//   - tool: Content answers the call named by ToolCallID; Status is success|failed
//   - remove: ID names the message the reducer must drop
type Message struct {
	ID         string      `json:"id"`
	Kind       MessageKind `json:"kind"`
	Content    string      `json:"content,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Status     string      `json:"status,omitempty"`
	Timestamp  string      `json:"timestamp,omitempty"` // HH:MM when ingested from log.md
}

// HumanMsg builds a Human message without an id; the reducer assigns one on insertion.
func HumanMsg(content string) Message { return Message{Kind: KindHuman, Content: content} }

// AIMsg builds an AI text message.
func AIMsg(content string) Message { return Message{Kind: KindAI, Content: content} }

// SystemMsg builds a System message.
func SystemMsg(content string) Message { return Message{Kind: KindSystem, Content: content} }

// ToolMsg builds a Tool message answering callID.
func ToolMsg(callID, content, status string) Message {
	return Message{Kind: KindTool, ToolCallID: callID, Content: content, Status: status}
}

// RemoveMarker builds the deletion marker for message id.
func RemoveMarker(id string) Message { return Message{ID: id, Kind: KindRemove} }

// EnvTools holds the raw probe outputs for the external tools.
type EnvTools struct {
	Kubectl   string `json:"kubectl" yaml:"kubectl"`
	KubectlNS string `json:"kubectl_ns" yaml:"kubectl_ns"`
	Docker    string `json:"docker" yaml:"docker"`
	DockerPS  string `json:"docker_ps" yaml:"docker_ps"`
	GitBranch string `json:"git_branch" yaml:"git_branch"`
	GitRemote string `json:"git_remote" yaml:"git_remote"`
	GitStatus string `json:"git_status" yaml:"git_status"`
}

// EnvWorkspace is the working-directory view captured by the prober.
type EnvWorkspace struct {
	LS string `json:"ls" yaml:"ls"` // directory listing, capped at 1 KB
}

// EnvSnapshot is one probe of the execution environment.
type EnvSnapshot struct {
	OS        string       `json:"os" yaml:"os"`
	Release   string       `json:"release" yaml:"release"`
	Shell     string       `json:"shell" yaml:"shell"`
	Cwd       string       `json:"cwd" yaml:"cwd"`
	Tools     EnvTools     `json:"tools" yaml:"tools"`
	Workspace EnvWorkspace `json:"workspace" yaml:"workspace"`
}

// Session status values.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusMerged   = "merged"
)

// Session types.
const (
	SessionMain   = "main"
	SessionBranch = "branch"
)

// Session is one on-disk working context (sessions/<id>/ with log.md,
// commit.md, metadata.yaml, checkpoints/).
type Session struct {
	ID          string       `json:"id" yaml:"id"`
	Title       string       `json:"title" yaml:"title"`
	Goal        string       `json:"goal" yaml:"goal"`
	Path        string       `json:"path" yaml:"path"`
	ParentID    string       `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Status      string       `json:"status" yaml:"status"`
	SessionType string       `json:"session_type" yaml:"session_type"`
	CreatedAt   string       `json:"created_at" yaml:"created_at"`
	EnvHash     string       `json:"env_hash,omitempty" yaml:"env_hash,omitempty"`
	Env         *EnvSnapshot `json:"env,omitempty" yaml:"env,omitempty"`
}

// CommandRecord is one executed command appended to the index, never updated.
type CommandRecord struct {
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
	SkillID   string `json:"skill_id"`
	Command   string `json:"command"`
	ExitCode  int    `json:"exit_code"`
	Output    string `json:"output"` // truncated before insertion
	OS        string `json:"os"`
	Release   string `json:"release"`
	Shell     string `json:"shell"`
	Cwd       string `json:"cwd"`
}

// State is the per-thread orchestration state. The log on disk stays the
// source of truth for history; Messages must be reconstructible from it
// plus the current utterance. Checkpointed atomically after every node.
type State struct {
	Messages        []Message    `json:"messages"`
	SessionID       string       `json:"session_id"`
	Goal            string       `json:"goal"`
	Env             *EnvSnapshot `json:"env,omitempty"`
	EnvHash         string       `json:"env_hash,omitempty"`
	LastSyncedCount int          `json:"last_synced_count"` // log sections folded in so far; never decreases
	LoopCount       int          `json:"loop_count"`        // bounded by the circuit breaker
	DenialReason    string       `json:"denial_reason,omitempty"`
	NextStep        string       `json:"next_step,omitempty"`
	UserMode        UserMode     `json:"user_mode"`
	LastError       string       `json:"last_error,omitempty"`
}

// NextStep hints produced by nodes for the router and gates.
const (
	StepContinue     = "continue"
	StepReprobe      = "reprobe"
	StepCircuitBreak = "circuit_break"
	StepFastPath     = "fast_path"
)

// EventKind identifies an orchestration event on the bus.
type EventKind string

const (
	EvNodeStart       EventKind = "node_start"
	EvNodeEnd         EventKind = "node_end"
	EvTokenDelta      EventKind = "token_delta"
	EvToolStart       EventKind = "tool_start"
	EvToolEnd         EventKind = "tool_end"
	EvApprovalRequest EventKind = "approval_request"
	EvChainEnd        EventKind = "chain_end"
	EvWarning         EventKind = "warning"
)

// Event is the envelope for orchestration progress on the bus; the UI and
// the debug trace writer render from this stream.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`
	Node      string    `json:"node,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text,omitempty"`    // token delta, warning text, approval command
	Tool      string    `json:"tool,omitempty"`    // tool name for tool_start/tool_end
	Tier      Tier      `json:"tier,omitempty"`    // classification for approval_request
	Detail    any       `json:"detail,omitempty"`
}
