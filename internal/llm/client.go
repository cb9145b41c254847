// Package llm is the collaborator client: an Ollama-compatible HTTP API
// providing streaming chat with tool calls and text embeddings. A circuit
// breaker fails fast after repeated transport errors; nothing here retries.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/haricheung/ops-shell/internal/guard"
	"github.com/haricheung/ops-shell/internal/types"
)

// embedMemoCap bounds the embedding FIFO memo.
const embedMemoCap = 100

// Options configures a Client. Model is required; EmbedModel may be empty
// when the client is only used for chat.
type Options struct {
	Host        string
	Model       string
	EmbedModel  string
	Temperature float64
	NumCtx      int
	Timeout     time.Duration
}

// ToolSpec describes one callable tool in the wire format the chat API
// expects.
type ToolSpec struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

// NewToolSpec builds a function ToolSpec.
func NewToolSpec(name, description string, parameters map[string]any) ToolSpec {
	var t ToolSpec
	t.Type = "function"
	t.Function.Name = name
	t.Function.Description = description
	t.Function.Parameters = parameters
	return t
}

// Client talks to one model endpoint.
type Client struct {
	host        string
	model       string
	embedModel  string
	temperature float64
	numCtx      int
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
	log         *zap.Logger

	memoMu   sync.Mutex
	memo     map[string][]float32
	memoFIFO []string
}

// New creates a Client.
func New(opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 180 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm:" + opts.Model,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Client{
		host:        strings.TrimRight(opts.Host, "/"),
		model:       opts.Model,
		embedModel:  opts.EmbedModel,
		temperature: opts.Temperature,
		numCtx:      opts.NumCtx,
		httpClient:  &http.Client{Timeout: timeout},
		breaker:     cb,
		log:         log.Named("llm"),
		memo:        make(map[string][]float32),
	}
}

// wire types for /api/chat

type wireToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type wireMsg struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []wireMsg      `json:"messages"`
	Stream   bool           `json:"stream"`
	Tools    []ToolSpec     `json:"tools,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatChunk struct {
	Message wireMsg `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

// Generate streams a chat completion over messages. Text deltas reach
// onDelta as they arrive (nil is fine); the assembled AI message, with any
// tool calls carrying fresh ids, is returned whole. Everything sent to the
// model is redacted first.
func (c *Client) Generate(ctx context.Context, system string, messages []types.Message, tools []ToolSpec, onDelta func(string)) (types.Message, error) {
	wire := make([]wireMsg, 0, len(messages)+1)
	if system != "" {
		wire = append(wire, wireMsg{Role: "system", Content: guard.Redact(system)})
	}
	for _, m := range messages {
		wm, ok := toWire(m)
		if !ok {
			continue
		}
		wire = append(wire, wm)
	}

	req := chatRequest{
		Model:    c.model,
		Messages: wire,
		Stream:   true,
		Tools:    tools,
		Options:  map[string]any{"temperature": c.temperature, "num_ctx": c.numCtx},
	}

	var out types.Message
	_, err := c.breaker.Execute(func() (any, error) {
		msg, err := c.streamChat(ctx, req, onDelta)
		out = msg
		return nil, err
	})
	if err != nil {
		return types.Message{}, fmt.Errorf("llm: generate: %w", err)
	}
	return out, nil
}

// Chat is the non-streaming convenience used by the reflex and chat paths.
func (c *Client) Chat(ctx context.Context, system, user string) (string, error) {
	msg, err := c.Generate(ctx, system, []types.Message{types.HumanMsg(user)}, nil, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(msg.Content), nil
}

func (c *Client) streamChat(ctx context.Context, req chatRequest, onDelta func(string)) (types.Message, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return types.Message{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return types.Message{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return types.Message{}, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.Message{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var content strings.Builder
	var calls []types.ToolCall

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return types.Message{}, fmt.Errorf("decode chunk: %w", err)
		}
		if chunk.Error != "" {
			return types.Message{}, fmt.Errorf("API error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			if onDelta != nil {
				onDelta(chunk.Message.Content)
			}
		}
		for _, tc := range chunk.Message.ToolCalls {
			calls = append(calls, types.ToolCall{
				ID:   uuid.New().String(),
				Name: tc.Function.Name,
				Args: tc.Function.Arguments,
			})
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return types.Message{}, fmt.Errorf("read stream: %w", err)
	}

	msg := types.AIMsg(strings.TrimSpace(content.String()))
	msg.ToolCalls = calls
	return msg, nil
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// Embed returns the vector for text, consulting a bounded FIFO memo of
// recent queries first.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	c.memoMu.Lock()
	if v, ok := c.memo[text]; ok {
		c.memoMu.Unlock()
		return v, nil
	}
	c.memoMu.Unlock()

	body, err := json.Marshal(embedRequest{Model: c.embedModel, Prompt: guard.Redact(text)})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal embed request: %w", err)
	}

	var vec []float32
	_, err = c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		}
		var er embedResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		if er.Error != "" {
			return nil, fmt.Errorf("API error: %s", er.Error)
		}
		vec = er.Embedding
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("llm: embed: %w", err)
	}

	c.memoMu.Lock()
	if _, ok := c.memo[text]; !ok {
		if len(c.memoFIFO) >= embedMemoCap {
			oldest := c.memoFIFO[0]
			c.memoFIFO = c.memoFIFO[1:]
			delete(c.memo, oldest)
		}
		c.memo[text] = vec
		c.memoFIFO = append(c.memoFIFO, text)
	}
	c.memoMu.Unlock()
	return vec, nil
}

// toWire maps a Message variant to the chat API role. RemoveMarkers never
// leave the reducer; any that slip through are skipped.
func toWire(m types.Message) (wireMsg, bool) {
	switch m.Kind {
	case types.KindHuman:
		return wireMsg{Role: "user", Content: guard.Redact(m.Content)}, true
	case types.KindSystem:
		return wireMsg{Role: "system", Content: guard.Redact(m.Content)}, true
	case types.KindAI:
		wm := wireMsg{Role: "assistant", Content: guard.Redact(m.Content)}
		for _, tc := range m.ToolCalls {
			var w wireToolCall
			w.Function.Name = tc.Name
			w.Function.Arguments = tc.Args
			wm.ToolCalls = append(wm.ToolCalls, w)
		}
		return wm, true
	case types.KindTool:
		return wireMsg{Role: "tool", Content: guard.Redact(m.Content)}, true
	default:
		return wireMsg{}, false
	}
}

// StripFences removes markdown code fences (```json ... ```) around model
// output before structured parsing.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
