// Package models defines the shared data model for arbor tasks: task
// records, conversation turns, messages, and queue envelopes. The JSON
// field names match the wire format stored in Redis and consumed by the
// Bedrock Converse API.
package models

import "time"

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolUse is an assistant's request to invoke a named tool.
type ToolUse struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

// ToolResultContent is a single content entry inside a tool result.
type ToolResultContent struct {
	Text string `json:"text"`
}

// ToolResult delivers the outcome of a tool invocation back to the model.
// Status is "error" when the invocation failed.
type ToolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []ToolResultContent `json:"content"`
	Status    string              `json:"status,omitempty"`
}

// ToolResultStatusError marks a failed tool invocation.
const ToolResultStatusError = "error"

// ContentBlock is one entry of a message's content list. Exactly one of
// the fields is set.
type ContentBlock struct {
	Text       *string     `json:"text,omitempty"`
	ToolUse    *ToolUse    `json:"toolUse,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Text: &text}
}

// Message is one user or assistant entry within a turn. MessageNumber is
// dense within the turn and re-assigned after repair.
type Message struct {
	Role          Role           `json:"role"`
	Content       []ContentBlock `json:"content"`
	MessageNumber int            `json:"message_number"`
	Timestamp     float64        `json:"timestamp"`
}

// ToolUseIDs returns the tool use ids emitted by the message, in order.
func (m *Message) ToolUseIDs() []string {
	var ids []string
	for _, block := range m.Content {
		if block.ToolUse != nil {
			ids = append(ids, block.ToolUse.ToolUseID)
		}
	}
	return ids
}

// FirstText returns the first text block of the message, if any.
func (m *Message) FirstText() (string, bool) {
	for _, block := range m.Content {
		if block.Text != nil {
			return *block.Text, true
		}
	}
	return "", false
}

// HasToolResult reports whether any content block carries a tool result.
func (m *Message) HasToolResult() bool {
	for _, block := range m.Content {
		if block.ToolResult != nil {
			return true
		}
	}
	return false
}

// Turn is a contiguous run of alternating messages ending in an
// assistant message with a terminal stop reason. TurnSummary is set when
// the turn ends.
type Turn struct {
	TurnNumber  int       `json:"turn_number"`
	StartedAt   float64   `json:"started_at"`
	Messages    []Message `json:"messages"`
	TurnSummary string    `json:"turn_summary,omitempty"`
}

// Ended reports whether the turn reached a terminal assistant message:
// one carrying text and no tool use, or an already-stored summary.
func (t *Turn) Ended() bool {
	if t.TurnSummary != "" {
		return true
	}
	if len(t.Messages) == 0 {
		return false
	}
	last := t.Messages[len(t.Messages)-1]
	if last.Role != RoleAssistant {
		return false
	}
	hasText := false
	for _, block := range last.Content {
		if block.Text != nil {
			hasText = true
		}
		if block.ToolUse != nil {
			return false
		}
	}
	return hasText
}

// Conversation is the ordered list of turns stored at task:{id}.
type Conversation []Turn

// NewConversation returns a conversation holding a single empty turn.
func NewConversation() Conversation {
	return Conversation{{TurnNumber: 0, StartedAt: Epoch(time.Now())}}
}

// Flatten collapses all turns into a single role/content sequence in the
// order the model saw them.
func (c Conversation) Flatten() []Message {
	var out []Message
	for _, turn := range c {
		out = append(out, turn.Messages...)
	}
	return out
}

// LastAssistantText returns the text portion of the most recent
// assistant message anywhere in the conversation.
func (c Conversation) LastAssistantText() (string, bool) {
	for t := len(c) - 1; t >= 0; t-- {
		msgs := c[t].Messages
		for m := len(msgs) - 1; m >= 0; m-- {
			if msgs[m].Role == RoleAssistant {
				return msgs[m].FirstText()
			}
		}
	}
	return "", false
}

// ToolIterations counts assistant messages that were answered by a tool
// result in the immediately following user message.
func (c Conversation) ToolIterations() int {
	count := 0
	for _, turn := range c {
		for i, msg := range turn.Messages {
			if msg.Role != RoleAssistant {
				continue
			}
			if i+1 < len(turn.Messages) {
				next := turn.Messages[i+1]
				if next.Role == RoleUser && next.HasToolResult() {
					count++
				}
			}
		}
	}
	return count
}

// Epoch converts a time to the epoch-seconds representation used across
// the store.
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// NowEpoch returns the current time in epoch seconds.
func NowEpoch() float64 {
	return Epoch(time.Now())
}
