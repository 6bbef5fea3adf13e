// Package tools defines the tool surface exposed to the model: the Tool
// interface, a registry that renders Converse tool specifications and
// validates inputs against each tool's JSON schema, and the built-in
// bash, think, spawn_task, and query_task tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/arborworks/arbor/pkg/models"
)

// Tool is one capability the model can invoke. Execute receives the
// validated input and the id of the calling task.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, input map[string]any, taskID string) (any, error)
}

// Registry holds the tool set in registration order.
type Registry struct {
	order []string
	tools map[string]Tool

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func NewRegistry(list ...Tool) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool, len(list)),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, t := range list {
		if _, ok := r.tools[t.Name()]; ok {
			continue
		}
		r.order = append(r.order, t.Name())
		r.tools[t.Name()] = t
	}
	return r
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Specs renders the Converse tool configuration. Without recursion the
// spawn_task tool is withheld so leaf tasks cannot fork.
func (r *Registry) Specs(recursion bool) []types.Tool {
	specs := make([]types.Tool, 0, len(r.order))
	for _, name := range r.order {
		if !recursion && name == SpawnTaskName {
			continue
		}
		t := r.tools[name]
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name()),
				Description: aws.String(t.Description()),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(t.InputSchema()),
				},
			},
		})
	}
	return specs
}

// Invoke validates the input against the tool's schema, executes it, and
// renders the outcome as a toolResult block. Failures of any kind become
// an error-status result rather than propagating, so one bad tool call
// never aborts the turn.
func (r *Registry) Invoke(ctx context.Context, use models.ToolUse, taskID string) models.ContentBlock {
	result, err := r.run(ctx, use, taskID)
	if err != nil {
		payload, _ := json.Marshal(map[string]string{
			"error": fmt.Sprintf("Tool execution failed: %v", err),
		})
		return models.ContentBlock{ToolResult: &models.ToolResult{
			ToolUseID: use.ToolUseID,
			Content:   []models.ToolResultContent{{Text: string(payload)}},
			Status:    models.ToolResultStatusError,
		}}
	}
	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"error":"unserializable tool result: %v"}`, err))
	}
	return models.ContentBlock{ToolResult: &models.ToolResult{
		ToolUseID: use.ToolUseID,
		Content:   []models.ToolResultContent{{Text: string(payload)}},
	}}
}

func (r *Registry) run(ctx context.Context, use models.ToolUse, taskID string) (any, error) {
	t, ok := r.tools[use.Name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", use.Name)
	}
	schema, err := r.compiled(t)
	if err != nil {
		return nil, err
	}
	input := use.Input
	if input == nil {
		input = map[string]any{}
	}
	if err := schema.Validate(normalize(input)); err != nil {
		return nil, fmt.Errorf("invalid input for %s: %w", use.Name, err)
	}
	return t.Execute(ctx, input, taskID)
}

func (r *Registry) compiled(t Tool) (*jsonschema.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if schema, ok := r.schemas[t.Name()]; ok {
		return schema, nil
	}
	raw, err := json.Marshal(t.InputSchema())
	if err != nil {
		return nil, fmt.Errorf("encode schema for %s: %w", t.Name(), err)
	}
	schema, err := jsonschema.CompileString(t.Name()+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", t.Name(), err)
	}
	r.schemas[t.Name()] = schema
	return schema, nil
}

// normalize round-trips the input through JSON so the validator sees
// plain decoded values.
func normalize(input map[string]any) any {
	raw, err := json.Marshal(input)
	if err != nil {
		return input
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return input
	}
	return decoded
}
