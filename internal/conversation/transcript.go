package conversation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arborworks/arbor/pkg/models"
)

// Transcribe renders a conversation as readable text. With tool details,
// tool inputs and results appear in full; without, tool uses collapse to
// "[Used <name> tool]" and results are omitted.
func Transcribe(conv models.Conversation, includeToolDetails bool) string {
	var lines []string

	for _, turn := range conv {
		for _, msg := range turn.Messages {
			switch msg.Role {
			case models.RoleUser:
				for _, block := range msg.Content {
					if block.Text != nil {
						lines = append(lines, "User: "+*block.Text)
						continue
					}
					if block.ToolResult != nil && includeToolDetails {
						result := block.ToolResult
						text := ""
						for _, entry := range result.Content {
							text = entry.Text
						}
						lines = append(lines, fmt.Sprintf("Tool Result (%s): %s", result.ToolUseID, text))
					}
				}

			case models.RoleAssistant:
				var texts []string
				var uses []*models.ToolUse
				for _, block := range msg.Content {
					if block.Text != nil {
						texts = append(texts, *block.Text)
					}
					if block.ToolUse != nil {
						uses = append(uses, block.ToolUse)
					}
				}
				if len(texts) > 0 {
					lines = append(lines, "Assistant: "+strings.Join(texts, " "))
				}
				for _, use := range uses {
					if includeToolDetails {
						args, _ := json.MarshalIndent(use.Input, "", "  ")
						lines = append(lines, "Tool Use: "+use.Name)
						lines = append(lines, "  Input: "+string(args))
					} else {
						lines = append(lines, fmt.Sprintf("Assistant: [Used %s tool]", use.Name))
					}
				}
			}
		}
	}

	return strings.Join(lines, "\n\n")
}

// LastToolUse reports the most recent tool invocation in the
// conversation and the timestamp of the message that carried it.
func LastToolUse(conv models.Conversation) (name string, at float64, ok bool) {
	for i := len(conv) - 1; i >= 0; i-- {
		msgs := conv[i].Messages
		for j := len(msgs) - 1; j >= 0; j-- {
			if msgs[j].Role != models.RoleAssistant {
				continue
			}
			for k := len(msgs[j].Content) - 1; k >= 0; k-- {
				if use := msgs[j].Content[k].ToolUse; use != nil {
					return use.Name, msgs[j].Timestamp, true
				}
			}
		}
	}
	return "", 0, false
}
