package models

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType discriminates queued messages.
type EnvelopeType string

const (
	EnvelopeUser       EnvelopeType = "user"
	EnvelopeToolResult EnvelopeType = "tool_result"
	EnvelopeCompletion EnvelopeType = "completion"
)

// Envelope is one entry of a task's input queue. Content is free text for
// user and completion envelopes and a toolResult content block for
// tool_result envelopes.
type Envelope struct {
	Type      EnvelopeType    `json:"type"`
	Content   json.RawMessage `json:"content"`
	SenderID  string          `json:"sender_id,omitempty"`
	Timestamp float64         `json:"timestamp"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// NewTextEnvelope builds a user or completion envelope around plain text.
func NewTextEnvelope(typ EnvelopeType, text, senderID string) Envelope {
	content, _ := json.Marshal(text)
	return Envelope{
		Type:      typ,
		Content:   content,
		SenderID:  senderID,
		Timestamp: NowEpoch(),
	}
}

// NewToolResultEnvelope wraps a toolResult content block for re-entry
// through the queue.
func NewToolResultEnvelope(block ContentBlock, senderID string) Envelope {
	content, _ := json.Marshal(block)
	env := Envelope{
		Type:      EnvelopeToolResult,
		Content:   content,
		SenderID:  senderID,
		Timestamp: NowEpoch(),
	}
	if block.ToolResult != nil {
		env.ToolUseID = block.ToolResult.ToolUseID
	}
	return env
}

// Text decodes the envelope content as plain text.
func (e *Envelope) Text() (string, error) {
	var s string
	if err := json.Unmarshal(e.Content, &s); err != nil {
		return "", fmt.Errorf("envelope content is not text: %w", err)
	}
	return s, nil
}

// ResultBlock decodes the envelope content as a toolResult content block.
func (e *Envelope) ResultBlock() (ContentBlock, error) {
	var block ContentBlock
	if err := json.Unmarshal(e.Content, &block); err != nil {
		return ContentBlock{}, fmt.Errorf("envelope content is not a tool result: %w", err)
	}
	if block.ToolResult == nil {
		return ContentBlock{}, fmt.Errorf("envelope content missing toolResult block")
	}
	return block, nil
}
