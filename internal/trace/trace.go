// Package trace writes the debug turn trace: one JSONL line per bus event,
// appended under the session root. It taps the bus read-only and never
// backpressures the orchestrator.
package trace

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/haricheung/ops-shell/internal/types"
)

// Writer consumes the bus tap and appends events to trace.jsonl.
type Writer struct {
	tap  <-chan types.Event
	path string
	log  *zap.Logger

	mu sync.Mutex
	f  *os.File
}

// New creates a Writer appending to <sessionRoot>/trace.jsonl.
func New(tap <-chan types.Event, sessionRoot string, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		tap:  tap,
		path: filepath.Join(sessionRoot, "trace.jsonl"),
		log:  log.Named("trace"),
	}
}

// Run drains the tap until ctx is cancelled, flushing remaining buffered
// events before closing the file.
func (w *Writer) Run(ctx context.Context) {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		w.log.Warn("trace dir create failed", zap.Error(err))
		return
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		w.log.Warn("trace file open failed", zap.Error(err))
		return
	}
	w.mu.Lock()
	w.f = f
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.f.Close()
		w.f = nil
		w.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case ev, ok := <-w.tap:
			if !ok {
				return
			}
			w.write(ev)
		}
	}
}

func (w *Writer) drain() {
	for {
		select {
		case ev, ok := <-w.tap:
			if !ok {
				return
			}
			w.write(ev)
		default:
			return
		}
	}
}

func (w *Writer) write(ev types.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		w.log.Warn("trace marshal failed", zap.Error(err))
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return
	}
	if _, err := w.f.Write(append(data, '\n')); err != nil {
		w.log.Warn("trace write failed", zap.Error(err))
	}
}
