// Package orchestrator is the per-session turn engine: a cyclic graph of
// named nodes over a checkpointed state. One user utterance enters, the
// graph runs until END or a circuit break, and every node transition is
// durably snapshotted.
//
//	START → Prober → Ingestion → Router      (reprobe re-entry: Ingestion → Planner)
//	Router → {Planner | AutoExecutor | Executor | Chat | END}
//	Executor → Sanitizer → Analyzer → Audit      (or Negotiator on denial)
//	AutoExecutor → Sanitizer → Analyzer → Audit
//	Planner → {Executor | AutoExecutor | END}    (via SafetyGate)
//	Audit → {Planner | Prober | END}             (via AuditGate)
//	Negotiator → Planner
//	Chat → END
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/haricheung/ops-shell/internal/bus"
	"github.com/haricheung/ops-shell/internal/gcc"
	"github.com/haricheung/ops-shell/internal/llm"
	"github.com/haricheung/ops-shell/internal/skills"
	"github.com/haricheung/ops-shell/internal/tasks"
	"github.com/haricheung/ops-shell/internal/types"
)

// Node names. The set is closed; transitions only ever name these.
const (
	nodeProber       = "prober"
	nodeIngestion    = "ingestion"
	nodeRouter       = "router"
	nodePlanner      = "planner"
	nodeExecutor     = "executor"
	nodeAutoExecutor = "auto_executor"
	nodeSanitizer    = "sanitizer"
	nodeAnalyzer     = "analyzer"
	nodeAudit        = "audit"
	nodeNegotiator   = "negotiator"
	nodeChat         = "chat"
	nodeEnd          = "end"
)

const (
	maxLoops      = 10 // Audit visits before the circuit breaker fires
	historyWindow = 15 // messages the planner sees
	cacheWindow   = 3  // trailing messages that must be Tool-free for a cache lookup
	fastPathMax   = 100
)

// stepDenied is an internal NextStep: the human denied the approval prompt
// and the turn detours through the Negotiator.
const stepDenied = "denied"

// Generator is the LLM collaborator surface the engine consumes.
type Generator interface {
	Generate(ctx context.Context, system string, messages []types.Message, tools []llm.ToolSpec, onDelta func(string)) (types.Message, error)
	Chat(ctx context.Context, system, user string) (string, error)
}

// EnvProber captures the execution environment.
type EnvProber interface {
	Snapshot(ctx context.Context) types.EnvSnapshot
}

// Dispatcher executes tool calls and declares their specs.
type Dispatcher interface {
	Specs() []llm.ToolSpec
	Dispatch(ctx context.Context, call types.ToolCall) (string, error)
}

// Approver asks the human for a gate decision and returns the raw reply.
type Approver interface {
	Ask(ctx context.Context, command string, tier types.Tier) (string, error)
}

// QueryCache is the semantic short-circuit in front of the planner.
type QueryCache interface {
	Get(ctx context.Context, query string) (string, bool)
	Set(query, response string)
}

// CommandRecorder receives the append-only command history.
type CommandRecorder interface {
	LogCommand(ctx context.Context, r types.CommandRecord) error
}

// Deps wires the engine's collaborators. Planner, Prober, Classifier,
// Registry, Approver, Log, Checkpointer and Bus are required; Reflex,
// Cache, Recorder and Tracker may be nil (the matching features disable).
type Deps struct {
	Planner    Generator
	Reflex     Generator
	Prober     EnvProber
	Classifier *skills.Classifier
	Registry   Dispatcher
	Approver   Approver
	Cache      QueryCache
	Recorder   CommandRecorder
	Log        *gcc.Log
	Checkpoint *gcc.Checkpointer
	Tracker    *tasks.Tracker
	Bus        *bus.Bus
	Manager    *gcc.Manager
	Logger     *zap.Logger
}

// Orchestrator drives turns for one session.
type Orchestrator struct {
	deps    Deps
	session types.Session
	state   types.State
	log     *zap.Logger

	skillsDocs   string
	reflexWarned bool // missing reflex with fast path wanted: warn once
}

// New builds an Orchestrator for sess, restoring state from the latest
// checkpoint when one exists.
func New(deps Deps, sess types.Session) (*Orchestrator, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		deps:    deps,
		session: sess,
		log:     logger.Named("orchestrator"),
	}
	if deps.Classifier != nil {
		o.skillsDocs = deps.Classifier.Docs()
	}

	o.state = types.State{
		SessionID: sess.ID,
		Goal:      sess.Goal,
		UserMode:  types.ModeAuto,
	}
	if deps.Checkpoint != nil {
		tuple, err := deps.Checkpoint.GetTuple(gcc.CheckpointConfig{ThreadID: sess.ID})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: restore checkpoint: %w", err)
		}
		if tuple != nil {
			o.state = tuple.Checkpoint.State
			o.log.Info("state restored from checkpoint",
				zap.String("checkpoint", tuple.Checkpoint.ID),
				zap.Int("messages", len(o.state.Messages)))
		}
	}
	return o, nil
}

// SetMode switches the user mode for subsequent turns.
func (o *Orchestrator) SetMode(mode types.UserMode) { o.state.UserMode = mode }

// Mode returns the current user mode.
func (o *Orchestrator) Mode() types.UserMode { return o.state.UserMode }

// State returns a copy of the current orchestration state.
func (o *Orchestrator) State() types.State { return o.state }

// RunTurn processes one utterance to completion. Turns on one session are
// strictly serialized by the caller. A panic inside the graph preserves the
// minimal recovery record and comes back as an error; cancellation unwinds
// after the active subprocess is reaped.
func (o *Orchestrator) RunTurn(ctx context.Context, utterance string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if o.deps.Manager != nil {
				if werr := o.deps.Manager.WritePanicState(o.session.Path, o.session.ID, o.session.Goal, r); werr != nil {
					o.log.Error("panic state write failed", zap.Error(werr))
				}
			}
			o.log.Error("turn panicked", zap.Any("panic", r))
			err = fmt.Errorf("orchestrator: fatal: %v", r)
		}
	}()

	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return nil
	}

	t := &turn{
		o:         o,
		st:        &o.state,
		utterance: utterance,
	}
	t.st.LoopCount = 0
	t.st.NextStep = ""
	t.st.DenialReason = ""
	t.st.LastError = ""

	node := nodeProber
	step := 0
	for node != nodeEnd {
		if ctx.Err() != nil {
			o.checkpoint(node, step) // flush before unwinding
			return ctx.Err()
		}
		step++
		o.publish(types.Event{Kind: types.EvNodeStart, Node: node, SessionID: o.session.ID})

		var next string
		var nerr error
		switch node {
		case nodeProber:
			next, nerr = t.prober(ctx)
		case nodeIngestion:
			next, nerr = t.ingestion(ctx)
		case nodeRouter:
			next, nerr = t.router(ctx)
		case nodePlanner:
			next, nerr = t.planner(ctx)
		case nodeExecutor:
			next, nerr = t.executor(ctx)
		case nodeAutoExecutor:
			next, nerr = t.autoExecutor(ctx)
		case nodeSanitizer:
			next, nerr = t.sanitizer(ctx)
		case nodeAnalyzer:
			next, nerr = t.analyzer(ctx)
		case nodeAudit:
			next, nerr = t.audit(ctx)
		case nodeNegotiator:
			next, nerr = t.negotiator(ctx)
		case nodeChat:
			next, nerr = t.chat(ctx)
		default:
			return fmt.Errorf("orchestrator: unknown node %q", node)
		}

		o.checkpoint(node, step)
		o.publish(types.Event{Kind: types.EvNodeEnd, Node: node, SessionID: o.session.ID})

		if nerr != nil {
			return nerr
		}
		node = next
	}

	o.publish(types.Event{Kind: types.EvChainEnd, SessionID: o.session.ID})
	return nil
}

// checkpoint persists the state after a node. Failure is a warning, not a
// turn abort: the in-memory state still drives the session.
func (o *Orchestrator) checkpoint(node string, step int) {
	if o.deps.Checkpoint == nil {
		return
	}
	_, err := o.deps.Checkpoint.Put(
		gcc.CheckpointConfig{ThreadID: o.session.ID},
		gcc.Checkpoint{State: o.state},
		gcc.CheckpointMeta{Source: "node", Node: node, Step: step},
		nil,
	)
	if err != nil {
		o.log.Warn("checkpoint write failed", zap.String("node", node), zap.Error(err))
		o.publish(types.Event{Kind: types.EvWarning, Node: node, SessionID: o.session.ID,
			Text: "checkpoint write failed: " + err.Error()})
	}
}

func (o *Orchestrator) publish(ev types.Event) {
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(ev)
	}
}

// apply folds an update batch through the reducer.
func (o *Orchestrator) apply(updates ...types.Message) {
	o.state.Messages = Reduce(o.state.Messages, updates)
}

// turn carries turn-local scratch: the utterance, the memoized probe, and
// flow flags that never persist.
type turn struct {
	o         *Orchestrator
	st        *types.State
	utterance string

	envCache     *types.EnvSnapshot // turn-local prober memo
	cacheChecked bool               // semantic cache consulted this planner call
	ingested     bool               // utterance appended; reprobe visits skip router
}

// env returns the turn-memoized snapshot, probing at most once per turn.
func (t *turn) env(ctx context.Context) types.EnvSnapshot {
	if t.envCache == nil {
		snap := t.o.deps.Prober.Snapshot(ctx)
		t.envCache = &snap
	}
	return *t.envCache
}

func (t *turn) now() time.Time { return time.Now() }
