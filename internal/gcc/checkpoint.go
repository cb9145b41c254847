package gcc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haricheung/ops-shell/internal/types"
)

// CheckpointConfig addresses one snapshot: a thread (session turn stream)
// and optionally a specific checkpoint within it.
type CheckpointConfig struct {
	ThreadID     string `json:"thread_id"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// Checkpoint is one durable snapshot of orchestration state.
type Checkpoint struct {
	ID        string      `json:"id"`
	CreatedAt string      `json:"created_at"`
	State     types.State `json:"state"`
}

// CheckpointMeta records where a snapshot came from.
type CheckpointMeta struct {
	Source string `json:"source,omitempty"` // "node" | "interrupt" | "resume"
	Node   string `json:"node,omitempty"`
	Step   int    `json:"step,omitempty"`
}

// CheckpointTuple is the full persisted triple for a thread.
type CheckpointTuple struct {
	Config       CheckpointConfig  `json:"config"`
	Checkpoint   Checkpoint        `json:"checkpoint"`
	Metadata     CheckpointMeta    `json:"metadata"`
	ParentConfig *CheckpointConfig `json:"parent_config,omitempty"`
}

// PendingWrite is one held channel write: a tool call captured before the
// approval interrupt so it survives a crash while the human decides.
type PendingWrite struct {
	Channel string         `json:"channel"`
	Call    types.ToolCall `json:"call"`
}

// Checkpointer persists snapshots under <session root>/checkpoints/ as
// JSON, one file per thread plus side-logs for pending writes. Writes go
// through temp+rename so a crash never corrupts the current snapshot.
type Checkpointer struct {
	dir string
	log *zap.Logger
}

// NewCheckpointer returns a Checkpointer over dir, creating it if needed.
func NewCheckpointer(dir string, log *zap.Logger) (*Checkpointer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("gcc: mkdir checkpoints: %w", err)
	}
	return &Checkpointer{dir: dir, log: log.Named("checkpoint")}, nil
}

func (c *Checkpointer) threadPath(threadID string) string {
	return filepath.Join(c.dir, safeName(threadID)+".json")
}

func (c *Checkpointer) writesPath(threadID, taskID string) string {
	return filepath.Join(c.dir, safeName(threadID)+"_writes_"+safeName(taskID)+".json")
}

// Put persists cp for cfg.ThreadID, assigning a fresh checkpoint id when
// absent, and returns the config pointing at the stored checkpoint.
func (c *Checkpointer) Put(cfg CheckpointConfig, cp Checkpoint, md CheckpointMeta, parent *CheckpointConfig) (CheckpointConfig, error) {
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt == "" {
		cp.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	tuple := CheckpointTuple{
		Config:       CheckpointConfig{ThreadID: cfg.ThreadID, CheckpointID: cp.ID},
		Checkpoint:   cp,
		Metadata:     md,
		ParentConfig: parent,
	}
	data, err := json.MarshalIndent(tuple, "", "  ")
	if err != nil {
		return cfg, fmt.Errorf("gcc: marshal checkpoint: %w", err)
	}
	if err := WriteAtomic(c.threadPath(cfg.ThreadID), data); err != nil {
		return cfg, err
	}
	return tuple.Config, nil
}

// GetTuple loads the current snapshot for cfg.ThreadID, or nil when the
// thread has never been checkpointed.
func (c *Checkpointer) GetTuple(cfg CheckpointConfig) (*CheckpointTuple, error) {
	data, err := os.ReadFile(c.threadPath(cfg.ThreadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("gcc: read checkpoint: %w", err)
	}
	var tuple CheckpointTuple
	if err := json.Unmarshal(data, &tuple); err != nil {
		return nil, fmt.Errorf("gcc: decode checkpoint %s: %w", cfg.ThreadID, err)
	}
	return &tuple, nil
}

// List scans the checkpoint directory in filename order, skipping pending-
// write side files, and returns up to limit tuples accepted by filter.
// A zero limit means no cap; before (a checkpoint id) excludes that
// snapshot and everything after it in scan order.
func (c *Checkpointer) List(filter func(CheckpointTuple) bool, before string, limit int) ([]CheckpointTuple, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("gcc: read checkpoint dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasSuffix(n, ".json") || strings.Contains(n, "_writes_") {
			continue
		}
		names = append(names, n)
	}
	sort.Strings(names)

	var out []CheckpointTuple
	for _, n := range names {
		data, err := os.ReadFile(filepath.Join(c.dir, n))
		if err != nil {
			continue
		}
		var tuple CheckpointTuple
		if err := json.Unmarshal(data, &tuple); err != nil {
			c.log.Warn("skipping unreadable checkpoint", zap.String("file", n), zap.Error(err))
			continue
		}
		if before != "" && tuple.Checkpoint.ID == before {
			break
		}
		if filter != nil && !filter(tuple) {
			continue
		}
		out = append(out, tuple)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PutWrites persists the pending tool calls held while the approval prompt
// is open. The side file is separate from the thread snapshot so List never
// confuses the two.
func (c *Checkpointer) PutWrites(cfg CheckpointConfig, writes []PendingWrite, taskID string) error {
	data, err := json.MarshalIndent(writes, "", "  ")
	if err != nil {
		return fmt.Errorf("gcc: marshal pending writes: %w", err)
	}
	return WriteAtomic(c.writesPath(cfg.ThreadID, taskID), data)
}

// GetWrites loads a pending-write side log, or nil when absent.
func (c *Checkpointer) GetWrites(cfg CheckpointConfig, taskID string) ([]PendingWrite, error) {
	data, err := os.ReadFile(c.writesPath(cfg.ThreadID, taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("gcc: read pending writes: %w", err)
	}
	var writes []PendingWrite
	if err := json.Unmarshal(data, &writes); err != nil {
		return nil, fmt.Errorf("gcc: decode pending writes: %w", err)
	}
	return writes, nil
}

// safeName keeps thread and task ids filesystem-safe.
func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
