package orchestrator

import (
	"github.com/google/uuid"

	"github.com/haricheung/ops-shell/internal/types"
)

// Reduce folds an update batch into the message list. Appends are additive;
// a RemoveMarker drops the message whose id it names, and any insert in the
// same batch lands at the tail. This is the only deletion path; nothing
// may truncate the list directly. Messages gain a stable id on first
// insertion.
func Reduce(existing, updates []types.Message) []types.Message {
	out := make([]types.Message, len(existing))
	copy(out, existing)

	for _, u := range updates {
		if u.Kind == types.KindRemove {
			for i, m := range out {
				if m.ID == u.ID {
					out = append(out[:i], out[i+1:]...)
					break
				}
			}
			continue
		}
		if u.ID == "" {
			u.ID = uuid.New().String()
		}
		out = append(out, u)
	}
	return out
}

// lastMessage returns the newest message, or nil.
func lastMessage(msgs []types.Message) *types.Message {
	if len(msgs) == 0 {
		return nil
	}
	return &msgs[len(msgs)-1]
}

// lastAIWithTools returns the newest AI message carrying tool calls, or nil.
func lastAIWithTools(msgs []types.Message) *types.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind == types.KindAI && len(msgs[i].ToolCalls) > 0 {
			return &msgs[i]
		}
	}
	return nil
}

// toolForCall returns the Tool message answering callID, or nil.
func toolForCall(msgs []types.Message, callID string) *types.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind == types.KindTool && msgs[i].ToolCallID == callID {
			return &msgs[i]
		}
	}
	return nil
}

// lastAIMessages returns up to n most recent AI messages, newest first.
func lastAIMessages(msgs []types.Message, n int) []types.Message {
	var out []types.Message
	for i := len(msgs) - 1; i >= 0 && len(out) < n; i-- {
		if msgs[i].Kind == types.KindAI {
			out = append(out, msgs[i])
		}
	}
	return out
}

// lastAIWithToolsN returns up to n most recent AI messages that carry tool
// calls, newest first.
func lastAIWithToolsN(msgs []types.Message, n int) []types.Message {
	var out []types.Message
	for i := len(msgs) - 1; i >= 0 && len(out) < n; i-- {
		if msgs[i].Kind == types.KindAI && len(msgs[i].ToolCalls) > 0 {
			out = append(out, msgs[i])
		}
	}
	return out
}

// recentWindow returns the most recent n messages.
func recentWindow(msgs []types.Message, n int) []types.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// hasToolIn reports whether any of the last n messages is a Tool message.
func hasToolIn(msgs []types.Message, n int) bool {
	for _, m := range recentWindow(msgs, n) {
		if m.Kind == types.KindTool {
			return true
		}
	}
	return false
}
