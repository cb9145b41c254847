package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/haricheung/ops-shell/internal/bus"
	"github.com/haricheung/ops-shell/internal/config"
	"github.com/haricheung/ops-shell/internal/gcc"
	"github.com/haricheung/ops-shell/internal/index"
	"github.com/haricheung/ops-shell/internal/llm"
	"github.com/haricheung/ops-shell/internal/logging"
	"github.com/haricheung/ops-shell/internal/orchestrator"
	"github.com/haricheung/ops-shell/internal/probe"
	"github.com/haricheung/ops-shell/internal/skills"
	"github.com/haricheung/ops-shell/internal/tasks"
	"github.com/haricheung/ops-shell/internal/tools"
	"github.com/haricheung/ops-shell/internal/trace"
	"github.com/haricheung/ops-shell/internal/types"
	"github.com/haricheung/ops-shell/internal/ui"
	"github.com/haricheung/ops-shell/internal/vector"
)

// app owns every long-lived component. Built once per process; sessions
// come and go underneath it.
type app struct {
	cfg        *config.Config
	log        *zap.Logger
	bus        *bus.Bus
	mgr        *gcc.Manager
	idx        *index.DB
	store      *vector.Store
	cache      *vector.Cache
	classifier *skills.Classifier
	prober     *probe.Prober
	registry   *tools.Registry
	planner    *llm.Client
	reflex     *llm.Client
	tracker    *tasks.Tracker

	stopWatch func()
}

// newApp wires the process. A failed health check (index unopenable, LLM
// unreachable) returns an error and the CLI exits 1.
func newApp(ctx context.Context, debug bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Options{
		Level:    cfg.LogLevel,
		FilePath: filepath.Join(cfg.BasePath, "ops-shell.log"),
		Console:  debug,
	})

	mgr, err := gcc.NewManager(cfg.BasePath, logger)
	if err != nil {
		return nil, err
	}
	idx, err := index.Open(filepath.Join(cfg.BasePath, "intelligence.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("health check: session index: %w", err)
	}
	if err := pingLLM(ctx, cfg.OllamaHost); err != nil {
		idx.Close()
		return nil, fmt.Errorf("health check: LLM at %s: %w", cfg.OllamaHost, err)
	}

	store, err := vector.Open(filepath.Join(cfg.BasePath, "vector_store"), logger)
	if err != nil {
		idx.Close()
		return nil, err
	}

	classifier, err := skills.Load(cfg.SkillsPath, logger)
	if err != nil {
		store.Close()
		idx.Close()
		return nil, err
	}

	tracker := tasks.New(ctx, logger)

	planner := llm.New(llm.Options{
		Host:        cfg.OllamaHost,
		Model:       cfg.OllamaModel,
		EmbedModel:  cfg.EmbedModel,
		Temperature: cfg.OllamaTemperature,
		NumCtx:      cfg.OllamaNumCtx,
		Timeout:     cfg.OllamaTimeout(),
	}, logger)

	var reflex *llm.Client
	if cfg.FastPathEnabled() {
		reflex = llm.New(llm.Options{
			Host:        cfg.OllamaHost,
			Model:       cfg.ReflexModel,
			Temperature: 0,
			NumCtx:      2048,
			Timeout:     cfg.OllamaTimeout(),
		}, logger)
	}

	exec := tools.NewExecutor(classifier, cfg.CommandTimeout(), logger)
	registry := tools.NewRegistry(exec, mgr, idx, logger)

	a := &app{
		cfg:        cfg,
		log:        logger,
		bus:        bus.New(logger),
		mgr:        mgr,
		idx:        idx,
		store:      store,
		cache:      vector.NewCache(store, planner, tracker, logger),
		classifier: classifier,
		prober:     probe.New(logger),
		registry:   registry,
		planner:    planner,
		reflex:     reflex,
		tracker:    tracker,
	}

	if stop, err := cfg.Watch(logger, logging.SetLevel); err == nil {
		a.stopWatch = stop
	} else {
		logger.Warn("config watch unavailable", zap.Error(err))
	}
	return a, nil
}

func (a *app) close() {
	a.tracker.Shutdown(3 * time.Second)
	if a.stopWatch != nil {
		a.stopWatch()
	}
	a.store.Close()
	a.idx.Close()
	a.log.Sync()
}

func pingLLM(ctx context.Context, host string) error {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, strings.TrimRight(host, "/")+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// newOrchestrator builds the turn engine for sess.
func (a *app) newOrchestrator(sess types.Session, approver orchestrator.Approver) (*orchestrator.Orchestrator, error) {
	ckpt, err := gcc.NewCheckpointer(filepath.Join(sess.Path, "checkpoints"), a.log)
	if err != nil {
		return nil, err
	}
	a.registry.SetSession(sess)

	var reflex orchestrator.Generator
	if a.reflex != nil {
		reflex = a.reflex
	}
	return orchestrator.New(orchestrator.Deps{
		Planner:    a.planner,
		Reflex:     reflex,
		Prober:     a.prober,
		Classifier: a.classifier,
		Registry:   a.registry,
		Approver:   approver,
		Cache:      a.cache,
		Recorder:   a.idx,
		Log:        gcc.NewLog(sess.Path, a.log),
		Checkpoint: ckpt,
		Tracker:    a.tracker,
		Bus:        a.bus,
		Manager:    a.mgr,
		Logger:     a.log,
	}, sess)
}

// replApprover renders the gate prompt through readline so the decision
// line shares history and editing with normal input.
type replApprover struct {
	rl *readline.Instance
}

func (r *replApprover) Ask(ctx context.Context, command string, tier types.Tier) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	prompt := fmt.Sprintf("approve [%s] %s ? ", tier, command)
	r.rl.SetPrompt(prompt)
	defer r.rl.SetPrompt("> ")
	line, err := r.rl.Readline()
	if err != nil {
		if errors.Is(err, readline.ErrInterrupt) {
			return "no", nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// runLoop is the interactive turn loop for one session. Ctrl-C during a
// turn cancels it and returns control to the prompt; at the prompt it is a
// soft no-op, and /quit leaves.
func (a *app) runLoop(ctx context.Context, sess types.Session, debug bool) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       filepath.Join(a.cfg.BasePath, ".opsh_history"),
		HistorySearchFold: true,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	orch, err := a.newOrchestrator(sess, &replApprover{rl: rl})
	if err != nil {
		return err
	}

	display := ui.New(a.bus.Subscribe(
		types.EvTokenDelta, types.EvToolStart, types.EvToolEnd,
		types.EvApprovalRequest, types.EvWarning, types.EvNodeStart, types.EvChainEnd,
	), debug)
	uiCtx, uiCancel := context.WithCancel(ctx)
	defer uiCancel()
	go display.Run(uiCtx)

	if debug {
		tracer := trace.New(a.bus.Tap(), sess.Path, a.log)
		go tracer.Run(uiCtx)
	}

	ui.Banner(sess)
	glog := gcc.NewLog(sess.Path, a.log)

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			// io.EOF (Ctrl-D) or a closed terminal ends the session.
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if done, err := a.handleCommand(ctx, orch, glog, &sess, line); done {
			return err
		} else if err != nil {
			ui.Errorf("%v", err)
			continue
		} else if strings.HasPrefix(line, "/") || strings.HasPrefix(line, "!") {
			continue
		}

		if err := a.runTurn(ctx, orch, line); err != nil {
			ui.Errorf("%v", err)
		}

		// Branch/merge requests recorded mid-turn take effect here, at the
		// turn boundary.
		if next, changed := a.applyPending(ctx, sess); changed {
			sess = next
			orch, err = a.newOrchestrator(sess, &replApprover{rl: rl})
			if err != nil {
				return err
			}
			glog = gcc.NewLog(sess.Path, a.log)
			ui.Banner(sess)
		}
	}
}

// runTurn executes one utterance with SIGINT wired to turn cancellation.
func (a *app) runTurn(ctx context.Context, orch *orchestrator.Orchestrator, utterance string) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			ui.Infof("cancelling turn...")
			cancel()
		case <-turnCtx.Done():
		}
	}()

	err := orch.RunTurn(turnCtx, utterance)
	if errors.Is(err, context.Canceled) {
		ui.Infof("turn cancelled")
		return nil
	}
	return err
}

// handleCommand processes REPL directives. done=true ends the loop.
func (a *app) handleCommand(ctx context.Context, orch *orchestrator.Orchestrator, glog *gcc.Log, sess *types.Session, line string) (done bool, err error) {
	switch {
	case line == "/quit" || line == "/exit":
		return true, nil
	case line == "/auto":
		orch.SetMode(types.ModeAuto)
		ui.Infof("mode: AUTO")
	case line == "/exec":
		orch.SetMode(types.ModeExec)
		ui.Infof("mode: EXEC")
	case line == "/chat":
		orch.SetMode(types.ModeChat)
		ui.Infof("mode: CHAT")
	case strings.HasPrefix(line, "/commit"):
		rest := strings.TrimSpace(strings.TrimPrefix(line, "/commit"))
		summary, finding := rest, ""
		if i := strings.Index(rest, "|"); i >= 0 {
			summary, finding = strings.TrimSpace(rest[:i]), strings.TrimSpace(rest[i+1:])
		}
		if summary == "" {
			return false, fmt.Errorf("usage: /commit <summary> | <finding>")
		}
		if err := glog.AppendCommit(time.Now(), summary, finding); err != nil {
			return false, err
		}
		ui.Infof("committed")
	case line == "/export":
		path, err := a.exportReport(ctx, sess.ID, "")
		if err != nil {
			return false, err
		}
		ui.Infof("exported %s", path)
	case strings.HasPrefix(line, "!"):
		cmd := strings.TrimSpace(line[1:])
		if cmd == "" {
			return false, nil
		}
		out, err := a.registry.Executor().Run(ctx, cmd, "", 0)
		if err != nil {
			return false, err
		}
		fmt.Println(out)
		if werr := glog.AppendHuman(time.Now(), cmd, out); werr != nil {
			a.log.Warn("human command log failed", zap.Error(werr))
		}
	default:
		if strings.HasPrefix(line, "/") {
			return false, fmt.Errorf("unknown command %s", line)
		}
	}
	return false, nil
}

// applyPending consumes branch/merge requests recorded during the last turn.
func (a *app) applyPending(ctx context.Context, sess types.Session) (types.Session, bool) {
	branchName, merge := a.registry.TakePending()
	if branchName != "" {
		branch, err := a.mgr.Branch(sess, branchName)
		if err != nil {
			ui.Errorf("branch failed: %v", err)
			return sess, false
		}
		if err := a.idx.InsertSession(ctx, branch); err != nil {
			a.log.Warn("branch index insert failed", zap.Error(err))
		}
		if err := a.mgr.SetActive(branch.ID); err != nil {
			a.log.Warn("active pointer update failed", zap.Error(err))
		}
		return branch, true
	}
	if merge && sess.ParentID != "" {
		if err := a.mgr.Merge(sess); err != nil {
			ui.Errorf("merge failed: %v", err)
			return sess, false
		}
		if err := a.idx.SetStatus(ctx, sess.ID, types.StatusMerged); err != nil {
			a.log.Warn("merge status update failed", zap.Error(err))
		}
		parent, err := a.mgr.LoadMeta(sess.ParentID)
		if err != nil {
			ui.Errorf("parent load failed: %v", err)
			return sess, false
		}
		if err := a.mgr.SetActive(parent.ID); err != nil {
			a.log.Warn("active pointer update failed", zap.Error(err))
		}
		return parent, true
	}
	return sess, false
}

// exportReport renders a session's history as a markdown report under
// <base>/exports/.
func (a *app) exportReport(ctx context.Context, sessionID, outDir string) (string, error) {
	sess, metrics, err := a.idx.GetSessionDetails(ctx, sessionID)
	if err != nil {
		// Fall back to on-disk metadata for sessions predating the index.
		meta, merr := a.mgr.LoadMeta(sessionID)
		if merr != nil {
			return "", err
		}
		sess = meta
	}
	if sess.Path == "" {
		meta, merr := a.mgr.LoadMeta(sessionID)
		if merr != nil {
			return "", merr
		}
		sess.Path = meta.Path
	}
	glog := gcc.NewLog(sess.Path, a.log)

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Session Report: %s\n\n", sess.ID)
	sb.WriteString("## EXECUTIVE SUMMARY\n\n")
	fmt.Fprintf(&sb, "- Goal: %s\n- Status: %s\n- Created: %s\n- Commands executed: %d\n\n",
		sess.Goal, sess.Status, sess.CreatedAt, metrics.CommandCount)
	sb.WriteString("## KEY FINDINGS & MILESTONES\n\n")
	commits := glog.ReadCommits()
	if strings.TrimSpace(commits) == "" {
		commits = "(no commits recorded)\n"
	}
	sb.WriteString(commits)
	sb.WriteString("\n## CHRONOLOGICAL EXECUTION LOG\n\n")
	logContent := glog.ReadLog()
	if strings.TrimSpace(logContent) == "" {
		logContent = "(log is empty)\n"
	}
	sb.WriteString(logContent)

	dir := outDir
	if dir == "" {
		dir = filepath.Join(a.cfg.BasePath, "exports")
	}
	path := filepath.Join(dir, fmt.Sprintf("report_%s_%d.md", sess.ID, time.Now().Unix()))
	if err := gcc.WriteAtomic(path, []byte(sb.String())); err != nil {
		return "", err
	}
	return path, nil
}
