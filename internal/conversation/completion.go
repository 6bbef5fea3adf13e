package conversation

import (
	"fmt"

	"github.com/arborworks/arbor/pkg/models"
)

// BuildCompletionMessage renders the notification a finished child sends
// to its parent: outcome, turn and tool-iteration counts, and the text
// portion of the final assistant message.
func BuildCompletionMessage(childID string, conv models.Conversation, success bool) string {
	status := "completed successfully"
	if !success {
		status = "failed"
	}
	finalText, _ := conv.LastAssistantText()
	return fmt.Sprintf(
		"[SYSTEM] Child task %s has %s. Ran %d turns with %d tool iterations. "+
			"You can continue the conversation by calling spawn_task with task_id='%s' "+
			"and a new message.\n\nFinal response from child:\n%s",
		childID, status, len(conv), conv.ToolIterations(), childID, finalText)
}
