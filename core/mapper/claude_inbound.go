package mapper

import (
	"encoding/json"
	"fmt"
	"strings"

	"llm-relay/core/adapter"
	"llm-relay/models"
)

// === Claude Inbound Mapper ===

// ClaudeRequestToOpenAI converts a Claude Messages request into the OpenAI
// chat form. It is the inverse of adapter.OpenAIToClaude for every feature
// both schemas share.
func ClaudeRequestToOpenAI(cReq *adapter.ClaudeRequest) (models.ChatCompletionRequest, error) {
	req := models.ChatCompletionRequest{
		Model:       cReq.Model,
		Stream:      cReq.Stream,
		Temperature: cReq.Temperature,
		TopP:        cReq.TopP,
	}
	if cReq.MaxTokens > 0 {
		maxTokens := cReq.MaxTokens
		req.MaxTokens = &maxTokens
	}
	if len(cReq.StopSequences) > 0 {
		stop := make([]interface{}, 0, len(cReq.StopSequences))
		for _, s := range cReq.StopSequences {
			stop = append(stop, s)
		}
		req.Stop = stop
	}

	// 1. System Prompt
	if system := adapter.ContentText(cReq.System); system != "" {
		req.Messages = append(req.Messages, models.ChatMessage{Role: "system", Content: system})
	}

	// 2. Messages
	for i, msg := range cReq.Messages {
		blocks := adapter.ContentBlocks(msg.Content)
		switch msg.Role {
		case "assistant":
			out, err := claudeAssistantToOpenAI(blocks)
			if err != nil {
				return req, fmt.Errorf("messages[%d]: %w", i, err)
			}
			req.Messages = append(req.Messages, out)
		default:
			req.Messages = append(req.Messages, claudeUserToOpenAI(blocks)...)
		}
	}

	// 3. Tools
	for _, t := range cReq.Tools {
		if strings.HasPrefix(t.Type, "web_search") {
			req.Tools = append(req.Tools, models.ChatTool{Type: "web_search"})
			continue
		}
		req.Tools = append(req.Tools, models.ChatTool{
			Type: "function",
			Function: models.ChatToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	req.ToolChoice = claudeToolChoiceToOpenAI(cReq.ToolChoice)
	return req, nil
}

func claudeAssistantToOpenAI(blocks []adapter.ClaudeContentBlock) (models.ChatMessage, error) {
	msg := models.ChatMessage{Role: "assistant"}
	var text, reasoning strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(b.Text)
		case "thinking":
			reasoning.WriteString(b.Thinking)
		case "tool_use":
			args, err := json.Marshal(b.Input)
			if err != nil {
				return msg, fmt.Errorf("tool_use %s: %w", b.ID, err)
			}
			msg.ToolCalls = append(msg.ToolCalls, models.ChatToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: models.ChatToolCallFunc{Name: b.Name, Arguments: string(args)},
			})
		}
	}
	if text.Len() > 0 {
		msg.Content = text.String()
	}
	msg.ReasoningContent = reasoning.String()
	return msg, nil
}

// claudeUserToOpenAI 一条 Claude user 消息可能同时包含多个 tool_result 与普通内容
func claudeUserToOpenAI(blocks []adapter.ClaudeContentBlock) []models.ChatMessage {
	var out []models.ChatMessage
	var parts []interface{}
	textOnly := true
	for _, b := range blocks {
		switch b.Type {
		case "tool_result":
			out = append(out, models.ChatMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    adapter.ContentText(b.Content),
			})
		case "text":
			parts = append(parts, map[string]interface{}{"type": "text", "text": b.Text})
		case "image":
			if b.Source == nil {
				continue
			}
			textOnly = false
			u := b.Source.URL
			if b.Source.Type == "base64" {
				u = fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data)
			}
			parts = append(parts, map[string]interface{}{
				"type":      "image_url",
				"image_url": map[string]interface{}{"url": u},
			})
		}
	}
	if len(parts) == 0 {
		return out
	}

	var content interface{} = parts
	if textOnly {
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			texts = append(texts, p.(map[string]interface{})["text"].(string))
		}
		content = strings.Join(texts, "\n")
	}
	return append(out, models.ChatMessage{Role: "user", Content: content})
}

func claudeToolChoiceToOpenAI(choice interface{}) interface{} {
	m, ok := choice.(map[string]interface{})
	if !ok {
		return nil
	}
	switch m["type"] {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "none":
		return "none"
	case "tool":
		return map[string]interface{}{
			"type":     "function",
			"function": map[string]interface{}{"name": m["name"]},
		}
	}
	return nil
}
