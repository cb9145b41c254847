package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/haricheung/ops-shell/internal/types"
)

// ndjsonServer streams the given chunks for every /api/chat request.
func ndjsonServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, c := range chunks {
			fmt.Fprintln(w, c)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(host string) *Client {
	return New(Options{Host: host, Model: "test-model", EmbedModel: "test-embed"}, nil)
}

func TestGenerate_AssemblesStreamedContent(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"message":{"role":"assistant","content":"Disk "},"done":false}`,
		`{"message":{"role":"assistant","content":"is full."},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true}`,
	})
	c := newTestClient(srv.URL)

	var deltas []string
	msg, err := c.Generate(context.Background(), "sys", []types.Message{types.HumanMsg("df?")}, nil,
		func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if msg.Content != "Disk is full." {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.Kind != types.KindAI {
		t.Errorf("kind = %s", msg.Kind)
	}
	if len(deltas) != 2 || deltas[0] != "Disk " {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestGenerate_CollectsToolCallsWithFreshIDs(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"run_command","arguments":{"cmd":"docker ps"}}}]},"done":true}`,
	})
	c := newTestClient(srv.URL)

	msg, err := c.Generate(context.Background(), "", []types.Message{types.HumanMsg("list containers")}, nil, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(msg.ToolCalls))
	}
	tc := msg.ToolCalls[0]
	if tc.Name != "run_command" || tc.Args["cmd"] != "docker ps" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.ID == "" {
		t.Error("tool call id not assigned")
	}
}

func TestGenerate_APIErrorChunk(t *testing.T) {
	srv := ndjsonServer(t, []string{`{"error":"model not found"}`})
	c := newTestClient(srv.URL)

	_, err := c.Generate(context.Background(), "", []types.Message{types.HumanMsg("x")}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Errorf("err = %v", err)
	}
}

func TestGenerate_RedactsOutboundMessages(t *testing.T) {
	var captured atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		captured.Store(req.Messages)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"ok"},"done":true}`)
	}))
	defer srv.Close()
	c := newTestClient(srv.URL)

	_, err := c.Generate(context.Background(), "",
		[]types.Message{types.HumanMsg("the password is hunter2")}, nil, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	msgs := captured.Load().([]struct {
		Content string `json:"content"`
	})
	for _, m := range msgs {
		if strings.Contains(m.Content, "hunter2") {
			t.Errorf("secret reached the wire: %q", m.Content)
		}
	}
}

func TestChat_TrimsContent(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"message":{"role":"assistant","content":"  hello  "},"done":true}`,
	})
	c := newTestClient(srv.URL)

	got, err := c.Chat(context.Background(), "sys", "hi")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "hello" {
		t.Errorf("Chat = %q", got)
	}
}

func TestEmbed_MemoizesRepeatQueries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		fmt.Fprintln(w, `{"embedding":[0.1,0.2,0.3]}`)
	}))
	defer srv.Close()
	c := newTestClient(srv.URL)

	for i := 0; i < 3; i++ {
		vec, err := c.Embed(context.Background(), "same query")
		if err != nil {
			t.Fatalf("Embed: %v", err)
		}
		if len(vec) != 3 {
			t.Errorf("vec = %v", vec)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hit %d times, want 1 (memo)", got)
	}
}

func TestEmbed_MemoEvictsOldestBeyondCap(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprintln(w, `{"embedding":[1]}`)
	}))
	defer srv.Close()
	c := newTestClient(srv.URL)
	ctx := context.Background()

	for i := 0; i <= embedMemoCap; i++ {
		c.Embed(ctx, fmt.Sprintf("query %d", i))
	}
	before := hits.Load()
	// The first query was evicted when the cap overflowed; it re-fetches.
	c.Embed(ctx, "query 0")
	if hits.Load() != before+1 {
		t.Error("evicted entry still served from memo")
	}
	// The newest stays memoized.
	c.Embed(ctx, fmt.Sprintf("query %d", embedMemoCap))
	if hits.Load() != before+1 {
		t.Error("fresh entry not served from memo")
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := newTestClient(srv.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Generate(ctx, "", []types.Message{types.HumanMsg("x")}, nil, nil); err == nil {
			t.Fatal("expected failure")
		}
	}
	_, err := c.Generate(ctx, "", []types.Message{types.HumanMsg("x")}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "circuit breaker is open") {
		t.Errorf("err = %v, want open breaker", err)
	}
}

func TestStripFences(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\nplain\n```":         "plain",
		"no fences":               "no fences",
		"  padded  ":              "padded",
	}
	for in, want := range cases {
		if got := StripFences(in); got != want {
			t.Errorf("StripFences(%q) = %q, want %q", in, got, want)
		}
	}
}
