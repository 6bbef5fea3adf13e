// Package prompts builds the static and dynamic system prompts, the
// per-iteration hints, and the summarization prompt. The static prompt is
// fixed at task creation; the dynamic prompt is rebuilt for every call.
package prompts

import (
	"context"
	"fmt"
	"time"

	"github.com/arborworks/arbor/internal/conversation"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/models"
)

const basePrompt = `You are Arbor, a master orchestration agent.

CORE PRINCIPLES:
- Fail-fast: no speculative error recovery, surface problems immediately
- Tool-driven: use tools to accomplish tasks
- Minimal: keep responses concise
- Observable: all state lives in the shared store

AVAILABLE TOOLS:
- bash: execute bash commands (returns stdout, stderr, returncode)
- spawn_task: spawn or resume child tasks for complex operations (returns task_id, pid)
- query_task: passively query another task's status and conversation content
- think: internal reasoning; thoughts are discarded, conclusions kept

`

const rootPrompt = `TASK HIERARCHY: You are the ROOT task.

ROOT TASK RESPONSIBILITIES:
You are the project orchestrator. Your conversation context (tokens) is your most
precious resource - every token spent on your own tool use is a token not available
for understanding project state and making strategic decisions.

1. DELEGATE EVERYTHING: when given real work, break it into logical sub-tasks and
   spawn child tasks to handle them. Use spawn_task, not bash.
2. NEVER EDIT FILES YOURSELF: file editing requires trial and error. Delegate it to
   child tasks with specific, focused mandates.
3. MAXIMIZE DELEGATION VALUE: each child operates in its own context window. If a
   job will take more than 3 tool calls, delegate it.
4. USE BASH FOR: quick inspections that inform delegation decisions only.
5. COORDINATE AND INTEGRATE: spawn tasks, monitor their completion reports, and
   integrate results. You are the conductor, not the performer.

EXCEPTION: when the user is testing or debugging the task system itself and asks
you not to delegate, use the other tools directly as needed.

`

const childPromptFormat = `TASK HIERARCHY: You are a CHILD task. Parent task ID: %s
You can query your parent's conversation using the query_task tool.

CHILD TASK RESPONSIBILITIES:
You have been delegated a specific task by your parent. Your mandate is focused and
bounded.

1. FOCUS ON YOUR MANDATE: complete it thoroughly within scope; do not expand it.
2. SPAWN SUB-TASKS CONSERVATIVELY: only when your mandate clearly breaks into 3+
   independent pieces that each need substantial work.
3. USE TOOLS DIRECTLY: unlike root, you are here to execute, not just orchestrate.
4. REPORT THOROUGHLY: your final response is what your parent will see. Make it
   comprehensive.

`

// Static builds the fixed portion of a task's system prompt. A nil or
// empty parent id selects the root contract.
func Static(parentTaskID string) string {
	if parentTaskID == "" {
		return basePrompt + rootPrompt
	}
	return basePrompt + fmt.Sprintf(childPromptFormat, parentTaskID)
}

// Dynamic builds the per-call portion: current date and time, turn
// number, cumulative token counts, and - for child tasks - a transcription
// of the parent's conversation pulled from the store at build time.
func Dynamic(ctx context.Context, s store.Store, task *models.Task, turnNumber int) string {
	now := time.Now()
	usage := task.LastUsage
	dynamic := fmt.Sprintf(`
=== CURRENT CONTEXT ===
Date: %s
Time: %s
Turn: %d
Tokens used: %d (input: %d, output: %d)
`,
		now.Format("2006-01-02"), now.Format("15:04:05"),
		turnNumber, usage.Total(), usage.InputTokens, usage.OutputTokens)

	if parent := task.Parent(); parent != "" {
		dynamic += fmt.Sprintf(`

=== PARENT TASK CONTEXT ===
You are a child process spawned to focus on a particular task. Below is a
transcription of the conversation your parent process (%s) had that led to you
being spawned. Use it to inform the full intent and context of the task you've
been given.

%s

=== END PARENT CONTEXT ===
`, parent, TranscribeTask(ctx, s, parent, true))
	}

	return dynamic
}

// TranscribeTask renders a task's conversation from the store.
func TranscribeTask(ctx context.Context, s store.Store, taskID string, includeToolDetails bool) string {
	conv, err := store.GetConversation(ctx, s, taskID)
	if err != nil {
		return fmt.Sprintf("No conversation found for task %s", taskID)
	}
	return conversation.Transcribe(conv, includeToolDetails)
}

const (
	hintSingle = "[SYSTEM] This is a single-iteration task. You may either respond via " +
		"text to your parent task or perform one or more simultaneous tool uses, but you " +
		"will not be able to respond or do further work after tool use. "
	hintTwoFirst = "[SYSTEM] This is a two-iteration task. You should use this initial " +
		"iteration to perform your assigned task in one or more simultaneous tool calls, " +
		"then use your second action to report your results. "
	hintPenultimateFormat = "[SYSTEM] Warning: Iteration %d of %d. Finish up your work and " +
		"perform any final safety and/or hygiene operations and prepare to use your final " +
		"iteration to report your results if successful, or to thoroughly document failures, " +
		"any partial successes, and recommended next steps for the parent task."
	hintFinal = "[SYSTEM] Final iteration. Use this final operation to give the parent " +
		"task your detailed final report rather than using tools."
)

// IterationHint returns the budget warning for the given zero-based
// iteration, or "" when no warning applies.
func IterationHint(iteration, maxIterations int) string {
	switch {
	case maxIterations == 1:
		return hintSingle
	case maxIterations == 2 && iteration == 0:
		return hintTwoFirst
	case maxIterations > 2 && maxIterations-iteration == 2:
		return fmt.Sprintf(hintPenultimateFormat, iteration+1, maxIterations)
	case iteration == maxIterations-1:
		return hintFinal
	default:
		return ""
	}
}

// SummarizerSystem is the system prompt for turn summarization calls.
const SummarizerSystem = "You are a concise summarizer. Summarize the key work " +
	"accomplished and decisions made in the provided turn. Be brief and factual."

// SummarizeRequest renders the user message asking for a turn summary.
func SummarizeRequest(turnMessagesJSON string) string {
	return "Summarize the work accomplished in this turn. Turn messages:\n\n" + turnMessagesJSON
}

// Spawn transcript framing for child tasks created with parent context.
const (
	SpawnTranscriptHeader = "[SYSTEM] The following is a transcription of your parent " +
		"task's conversation history. Use it to understand the context of the task:\n\n"
	SpawnTranscriptFooter = "\n\n[SYSTEM] Given the context above, you are now ready to begin your task:\n\n"
)
