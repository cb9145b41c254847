package trace

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haricheung/ops-shell/internal/bus"
	"github.com/haricheung/ops-shell/internal/types"
)

func TestWriter_AppendsOneLinePerEvent(t *testing.T) {
	b := bus.New(nil)
	root := t.TempDir()
	w := New(b.Tap(), root, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	b.Publish(types.Event{Kind: types.EvNodeStart, Node: "planner", SessionID: "s1"})
	b.Publish(types.Event{Kind: types.EvToolEnd, Tool: "run_command", Text: "ok"})
	b.Publish(types.Event{Kind: types.EvChainEnd, SessionID: "s1"})

	// Let the writer drain, then stop it.
	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop")
	}

	raw, err := os.ReadFile(filepath.Join(root, "trace.jsonl"))
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3:\n%s", len(lines), raw)
	}

	var first types.Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 0 not JSON: %v", err)
	}
	if first.Kind != types.EvNodeStart || first.Node != "planner" {
		t.Errorf("first = %+v", first)
	}
	if first.ID == "" || first.Timestamp.IsZero() {
		t.Errorf("bus stamps missing: %+v", first)
	}

	var last types.Event
	json.Unmarshal([]byte(lines[2]), &last)
	if last.Kind != types.EvChainEnd {
		t.Errorf("last = %+v", last)
	}
}

func TestWriter_FlushesBufferedEventsOnCancel(t *testing.T) {
	b := bus.New(nil)
	root := t.TempDir()
	w := New(b.Tap(), root, nil)

	// Published before Run: they sit in the tap buffer and must survive the
	// cancel-then-drain path.
	for i := 0; i < 5; i++ {
		b.Publish(types.Event{Kind: types.EvTokenDelta, Text: "t"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	raw, err := os.ReadFile(filepath.Join(root, "trace.jsonl"))
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	if got := len(strings.Split(strings.TrimSpace(string(raw)), "\n")); got != 5 {
		t.Errorf("lines = %d, want 5", got)
	}
}

func TestWriter_AppendsAcrossRuns(t *testing.T) {
	root := t.TempDir()

	for run := 0; run < 2; run++ {
		b := bus.New(nil)
		w := New(b.Tap(), root, nil)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			w.Run(ctx)
			close(done)
		}()
		b.Publish(types.Event{Kind: types.EvChainEnd})
		time.Sleep(100 * time.Millisecond)
		cancel()
		<-done
	}

	raw, _ := os.ReadFile(filepath.Join(root, "trace.jsonl"))
	if got := len(strings.Split(strings.TrimSpace(string(raw)), "\n")); got != 2 {
		t.Errorf("lines = %d, want 2 (append, not truncate)", got)
	}
}
