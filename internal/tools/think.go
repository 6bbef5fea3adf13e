package tools

import "context"

// Think gives the model a scratchpad. Thoughts are discarded; only the
// conclusions come back as the tool result.
type Think struct{}

func NewThink() *Think { return &Think{} }

func (t *Think) Name() string { return "think" }

func (t *Think) Description() string {
	return "Internal reasoning - thoughts discarded, conclusions kept"
}

func (t *Think) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"thoughts": map[string]any{
				"type":        "string",
				"description": "Internal reasoning (discarded)",
			},
			"conclusions": map[string]any{
				"type":        "string",
				"description": "Final conclusions (returned)",
			},
		},
		"required": []any{"thoughts", "conclusions"},
	}
}

func (t *Think) Execute(ctx context.Context, input map[string]any, taskID string) (any, error) {
	conclusions, _ := input["conclusions"].(string)
	return map[string]any{"conclusions": conclusions}, nil
}
