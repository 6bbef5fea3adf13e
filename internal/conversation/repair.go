// Package conversation holds the pure transformations over conversation
// logs: structural repair for the Converse API, transcript rendering,
// and completion summaries. Nothing here touches the store.
package conversation

import (
	"log/slog"

	"github.com/arborworks/arbor/pkg/models"
)

// RepairSentinel replaces tool results that were lost to an error or an
// interrupted process.
const RepairSentinel = "Tool use was stopped by an error or a user interruption."

// Repair rewrites every turn's message list so it satisfies the Converse
// API's structural constraints: consecutive assistant messages get an
// intervening user message answering the previous assistant's tool uses,
// each tool result answers exactly one tool use, and message numbers are
// dense. Repair is a fixed point: repairing a repaired log is a no-op.
//
// Consecutive user messages are left alone on purpose. The queue drain
// delivers a grouped tool-result message followed by one user message
// per text envelope, and the Converse API accepts adjacent user
// messages; only adjacent assistant messages violate its constraints.
func Repair(conv models.Conversation) models.Conversation {
	out := make(models.Conversation, 0, len(conv))
	for _, turn := range conv {
		repaired := turn
		repaired.Messages = repairTurn(turn.Messages)
		out = append(out, repaired)
	}
	return out
}

func repairTurn(messages []models.Message) []models.Message {
	// Index every tool result in the turn by its tool use id. Entries
	// are removed as they are consumed so duplicates never survive.
	results := make(map[string]models.ContentBlock)
	for _, msg := range messages {
		if msg.Role != models.RoleUser {
			continue
		}
		for _, block := range msg.Content {
			if block.ToolResult != nil {
				results[block.ToolResult.ToolUseID] = block
			}
		}
	}

	repaired := make([]models.Message, 0, len(messages))
	lastRole := models.RoleAssistant

	for _, msg := range messages {
		switch {
		case msg.Role == models.RoleAssistant && lastRole == models.RoleUser:
			repaired = append(repaired, msg)
			lastRole = models.RoleAssistant

		case msg.Role == models.RoleAssistant && lastRole == models.RoleAssistant:
			// Answer the previous assistant's tool uses before this
			// message, pulling real results forward and synthesizing
			// error results for the missing ones.
			if len(repaired) > 0 {
				needed := repaired[len(repaired)-1].ToolUseIDs()
				if len(needed) > 0 {
					content := make([]models.ContentBlock, 0, len(needed))
					for _, id := range needed {
						if block, ok := results[id]; ok {
							content = append(content, block)
							delete(results, id)
						} else {
							content = append(content, models.ContentBlock{
								ToolResult: &models.ToolResult{
									ToolUseID: id,
									Content:   []models.ToolResultContent{{Text: RepairSentinel}},
								},
							})
						}
					}
					repaired = append(repaired, models.Message{
						Role:      models.RoleUser,
						Content:   content,
						Timestamp: msg.Timestamp,
					})
				}
			}
			repaired = append(repaired, msg)
			lastRole = models.RoleAssistant

		case msg.Role == models.RoleUser:
			// Keep unconsumed tool results and all non-tool content.
			kept := make([]models.ContentBlock, 0, len(msg.Content))
			for _, block := range msg.Content {
				if block.ToolResult != nil {
					id := block.ToolResult.ToolUseID
					if _, ok := results[id]; ok {
						kept = append(kept, block)
						delete(results, id)
					}
					continue
				}
				kept = append(kept, block)
			}
			if len(kept) > 0 {
				msg.Content = kept
				repaired = append(repaired, msg)
				lastRole = models.RoleUser
			}

		default:
			slog.Warn("repair: preserving message of unexpected role",
				"role", msg.Role, "last_role", lastRole)
			repaired = append(repaired, msg)
		}
	}

	for n := range repaired {
		repaired[n].MessageNumber = n
	}
	return repaired
}
