package bedrock

import (
	"errors"

	"github.com/strangelove-ventures/mandrake/runtime/agent/model"
)

// validateBedrockOrdering verifies critical Bedrock Converse constraints when
// thinking is enabled:
//   - Any assistant message that contains a tool_use part must start with a
//     thinking part.
//   - The message immediately following an assistant tool_use message must be
//     a user message carrying tool_result parts for a subset of those
//     tool_use IDs.
func validateBedrockOrdering(messages []*model.Message, thinkingEnabled bool) error {
	for i, m := range messages {
		if m == nil || m.Role != model.ConversationRoleAssistant {
			continue
		}
		hasToolUse := false
		for _, p := range m.Parts {
			if _, ok := p.(model.ToolUsePart); ok {
				hasToolUse = true
				break
			}
		}
		if !hasToolUse {
			continue
		}
		if len(m.Parts) == 0 {
			return errors.New("bedrock: assistant message is empty where tool_use present")
		}
		if thinkingEnabled {
			if _, ok := m.Parts[0].(model.ThinkingPart); !ok {
				return errors.New("bedrock: assistant message with tool_use must start with thinking")
			}
		}
		if i+1 >= len(messages) || messages[i+1] == nil || messages[i+1].Role != model.ConversationRoleUser {
			return errors.New("bedrock: expected user tool_result following assistant tool_use")
		}
		next := messages[i+1]
		useIDs := make(map[string]struct{})
		for _, p := range m.Parts {
			if tu, ok := p.(model.ToolUsePart); ok && tu.ID != "" {
				useIDs[tu.ID] = struct{}{}
			}
		}
		resIDs := make(map[string]struct{})
		for _, p := range next.Parts {
			if tr, ok := p.(model.ToolResultPart); ok && tr.ToolUseID != "" {
				resIDs[tr.ToolUseID] = struct{}{}
			}
		}
		if len(resIDs) > len(useIDs) {
			return errors.New("bedrock: tool_result count exceeds prior assistant tool_use count")
		}
		for id := range resIDs {
			if _, ok := useIDs[id]; !ok {
				return errors.New("bedrock: tool_result id does not match prior assistant tool_use id")
			}
		}
	}
	return nil
}
