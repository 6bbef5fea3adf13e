package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// bashTimeout caps each command so a hung process cannot stall the turn.
const bashTimeout = 60 * time.Second

// Bash executes shell commands and reports stdout, stderr, and the exit
// code. A nonzero exit code is a valid result, not an error.
type Bash struct {
	timeout time.Duration
}

// NewBash builds the bash tool. A zero timeout selects the default.
func NewBash(timeout time.Duration) *Bash {
	if timeout <= 0 {
		timeout = bashTimeout
	}
	return &Bash{timeout: timeout}
}

func (b *Bash) Name() string { return "bash" }

func (b *Bash) Description() string {
	return "Execute a bash command and return stdout, stderr, and exit code"
}

func (b *Bash) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The bash command to execute",
			},
		},
		"required": []any{"command"},
	}
}

func (b *Bash) Execute(ctx context.Context, input map[string]any, taskID string) (any, error) {
	command, _ := input["command"].(string)

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	returncode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.As(err, &exitErr):
			returncode = exitErr.ExitCode()
		default:
			return nil, err
		}
	}

	return map[string]any{
		"stdout":     stdout.String(),
		"stderr":     stderr.String(),
		"returncode": returncode,
	}, nil
}
