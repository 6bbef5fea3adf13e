package gateway

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/arborworks/arbor/pkg/models"
)

// toBedrockMessages converts conversation messages to Converse API
// messages. Empty messages are skipped since the API rejects them.
func toBedrockMessages(messages []models.Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		content := make([]types.ContentBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			if converted := toBedrockBlock(block); converted != nil {
				content = append(content, converted)
			}
		}
		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{Role: role, Content: content})
	}
	return out
}

func toBedrockBlock(block models.ContentBlock) types.ContentBlock {
	switch {
	case block.Text != nil:
		return &types.ContentBlockMemberText{Value: *block.Text}

	case block.ToolUse != nil:
		input := block.ToolUse.Input
		if input == nil {
			input = map[string]any{}
		}
		return &types.ContentBlockMemberToolUse{
			Value: types.ToolUseBlock{
				ToolUseId: aws.String(block.ToolUse.ToolUseID),
				Name:      aws.String(block.ToolUse.Name),
				Input:     document.NewLazyDocument(input),
			},
		}

	case block.ToolResult != nil:
		result := block.ToolResult
		content := make([]types.ToolResultContentBlock, 0, len(result.Content))
		for _, entry := range result.Content {
			content = append(content, &types.ToolResultContentBlockMemberText{Value: entry.Text})
		}
		converted := types.ToolResultBlock{
			ToolUseId: aws.String(result.ToolUseID),
			Content:   content,
		}
		if result.Status == models.ToolResultStatusError {
			converted.Status = types.ToolResultStatusError
		}
		return &types.ContentBlockMemberToolResult{Value: converted}
	}
	return nil
}

// fromBedrockContent converts a Converse API response message back to
// conversation content blocks.
func fromBedrockContent(content []types.ContentBlock) []models.ContentBlock {
	out := make([]models.ContentBlock, 0, len(content))
	for _, block := range content {
		switch v := block.(type) {
		case *types.ContentBlockMemberText:
			out = append(out, models.TextBlock(v.Value))

		case *types.ContentBlockMemberToolUse:
			input := map[string]any{}
			if v.Value.Input != nil {
				// Decode failure leaves an empty input map.
				_ = v.Value.Input.UnmarshalSmithyDocument(&input)
			}
			out = append(out, models.ContentBlock{
				ToolUse: &models.ToolUse{
					ToolUseID: aws.ToString(v.Value.ToolUseId),
					Name:      aws.ToString(v.Value.Name),
					Input:     input,
				},
			})
		}
	}
	return out
}
