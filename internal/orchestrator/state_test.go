package orchestrator

import (
	"testing"

	"github.com/haricheung/ops-shell/internal/types"
)

func TestReduce_AppendAssignsIDs(t *testing.T) {
	out := Reduce(nil, []types.Message{
		types.HumanMsg("hello"),
		types.AIMsg("hi"),
	})
	if len(out) != 2 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0].ID == "" || out[1].ID == "" {
		t.Error("inserted messages must gain ids")
	}
	if out[0].ID == out[1].ID {
		t.Error("ids must be unique")
	}
}

func TestReduce_PreservesExplicitID(t *testing.T) {
	m := types.AIMsg("x")
	m.ID = "keep-me"
	out := Reduce(nil, []types.Message{m})
	if out[0].ID != "keep-me" {
		t.Errorf("id = %q", out[0].ID)
	}
}

func TestReduce_RemoveMarkerDeletes(t *testing.T) {
	base := Reduce(nil, []types.Message{
		types.HumanMsg("a"),
		types.AIMsg("b"),
		types.AIMsg("c"),
	})
	out := Reduce(base, []types.Message{types.RemoveMarker(base[1].ID)})
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	for _, m := range out {
		if m.ID == base[1].ID {
			t.Error("removed message still present")
		}
	}
	// Order of survivors is preserved.
	if out[0].Content != "a" || out[1].Content != "c" {
		t.Errorf("order broken: %v, %v", out[0].Content, out[1].Content)
	}
}

func TestReduce_RemoveAndInsertSameBatch(t *testing.T) {
	base := Reduce(nil, []types.Message{
		types.ToolMsg("call1", "raw output", types.ToolSuccess),
	})
	replacement := types.ToolMsg("call1", "sanitized output", types.ToolSuccess)
	out := Reduce(base, []types.Message{types.RemoveMarker(base[0].ID), replacement})

	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
	if out[0].Content != "sanitized output" {
		t.Errorf("content = %q", out[0].Content)
	}
	if out[0].ID == base[0].ID {
		t.Error("replacement must carry a fresh id")
	}
}

func TestReduce_RemoveUnknownIDIsNoop(t *testing.T) {
	base := Reduce(nil, []types.Message{types.HumanMsg("a")})
	out := Reduce(base, []types.Message{types.RemoveMarker("ghost")})
	if len(out) != 1 {
		t.Errorf("len = %d, want 1", len(out))
	}
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	base := Reduce(nil, []types.Message{types.HumanMsg("a"), types.AIMsg("b")})
	snapshot := make([]types.Message, len(base))
	copy(snapshot, base)

	Reduce(base, []types.Message{types.RemoveMarker(base[0].ID), types.AIMsg("c")})

	if len(base) != 2 || base[0].ID != snapshot[0].ID || base[1].ID != snapshot[1].ID {
		t.Error("Reduce mutated its input slice")
	}
}

func TestHasToolIn(t *testing.T) {
	msgs := Reduce(nil, []types.Message{
		types.ToolMsg("c1", "out", types.ToolSuccess),
		types.AIMsg("a"),
		types.AIMsg("b"),
		types.AIMsg("c"),
	})
	if hasToolIn(msgs, 3) {
		t.Error("tool outside the window reported as inside")
	}
	if !hasToolIn(msgs, 4) {
		t.Error("tool inside the window missed")
	}
}

func TestLastAIWithTools(t *testing.T) {
	ai := types.AIMsg("with calls")
	ai.ToolCalls = []types.ToolCall{{ID: "c1", Name: "run_command"}}
	msgs := Reduce(nil, []types.Message{ai, types.AIMsg("plain")})

	got := lastAIWithTools(msgs)
	if got == nil || got.Content != "with calls" {
		t.Errorf("lastAIWithTools = %+v", got)
	}
	if lastAIWithTools(nil) != nil {
		t.Error("empty list must yield nil")
	}
}
