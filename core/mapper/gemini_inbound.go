package mapper

import (
	"encoding/json"
	"fmt"
	"strings"

	"llm-relay/core/adapter"
	"llm-relay/models"
)

// === Gemini Inbound Mapper ===

// GeminiRequestToOpenAI converts a Gemini generateContent request into the
// OpenAI chat form. Gemini carries no call ids, so they are synthesized and
// matched to function responses by name in call order.
func GeminiRequestToOpenAI(gReq *adapter.GeminiRequest, model string) (models.ChatCompletionRequest, error) {
	req := models.ChatCompletionRequest{
		Model:    model,
		Messages: make([]models.ChatMessage, 0, len(gReq.Contents)+1),
	}

	// 1. System Instruction -> System Message
	if gReq.SystemInstruction != nil {
		var texts []string
		for _, part := range gReq.SystemInstruction.Parts {
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
		}
		if len(texts) > 0 {
			req.Messages = append(req.Messages, models.ChatMessage{Role: "system", Content: strings.Join(texts, "\n")})
		}
	}

	// 2. Contents -> Messages
	pending := make(map[string][]string)
	callSeq := 0
	for i, c := range gReq.Contents {
		if c.Role == "model" {
			msg := models.ChatMessage{Role: "assistant"}
			var text, reasoning strings.Builder
			for _, p := range c.Parts {
				switch {
				case p.FunctionCall != nil:
					args, err := json.Marshal(p.FunctionCall.Args)
					if err != nil {
						return req, fmt.Errorf("contents[%d]: %w", i, err)
					}
					id := p.FunctionCall.ID
					if id == "" {
						callSeq++
						id = fmt.Sprintf("call_%d", callSeq)
					}
					pending[p.FunctionCall.Name] = append(pending[p.FunctionCall.Name], id)
					msg.ToolCalls = append(msg.ToolCalls, models.ChatToolCall{
						ID:       id,
						Type:     "function",
						Function: models.ChatToolCallFunc{Name: p.FunctionCall.Name, Arguments: string(args)},
					})
				case p.Thought:
					reasoning.WriteString(p.Text)
				default:
					text.WriteString(p.Text)
				}
			}
			if text.Len() > 0 {
				msg.Content = text.String()
			}
			msg.ReasoningContent = reasoning.String()
			req.Messages = append(req.Messages, msg)
			continue
		}

		// user / function
		var parts []interface{}
		textOnly := true
		for _, p := range c.Parts {
			switch {
			case p.FunctionResponse != nil:
				name := p.FunctionResponse.Name
				id := p.FunctionResponse.ID
				if queue := pending[name]; id == "" && len(queue) > 0 {
					id = queue[0]
					pending[name] = queue[1:]
				}
				req.Messages = append(req.Messages, models.ChatMessage{
					Role:       "tool",
					Name:       name,
					ToolCallID: id,
					Content:    functionResponseText(p.FunctionResponse.Response),
				})
			case p.InlineData != nil:
				textOnly = false
				parts = append(parts, map[string]interface{}{
					"type": "image_url",
					"image_url": map[string]interface{}{
						"url": "data:" + p.InlineData.MimeType + ";base64," + p.InlineData.Data,
					},
				})
			case p.Text != "":
				parts = append(parts, map[string]interface{}{"type": "text", "text": p.Text})
			}
		}
		if len(parts) == 0 {
			continue
		}
		var content interface{} = parts
		if textOnly {
			texts := make([]string, 0, len(parts))
			for _, p := range parts {
				texts = append(texts, p.(map[string]interface{})["text"].(string))
			}
			content = strings.Join(texts, "")
		}
		req.Messages = append(req.Messages, models.ChatMessage{Role: "user", Content: content})
	}

	// 3. Config
	if cfg := gReq.GenerationConfig; cfg != nil {
		req.Temperature = cfg.Temperature
		req.TopP = cfg.TopP
		if cfg.MaxOutputTokens > 0 {
			maxTokens := cfg.MaxOutputTokens
			req.MaxTokens = &maxTokens
		}
		if len(cfg.StopSequences) > 0 {
			stop := make([]interface{}, 0, len(cfg.StopSequences))
			for _, s := range cfg.StopSequences {
				stop = append(stop, s)
			}
			req.Stop = stop
		}
	}

	// 4. Tools
	for _, tool := range gReq.Tools {
		if tool.GoogleSearch != nil {
			req.Tools = append(req.Tools, models.ChatTool{Type: "web_search"})
		}
		for _, fd := range tool.FunctionDeclarations {
			req.Tools = append(req.Tools, models.ChatTool{
				Type: "function",
				Function: models.ChatToolFunction{
					Name:        fd.Name,
					Description: fd.Description,
					Parameters:  fd.Parameters,
				},
			})
		}
	}
	return req, nil
}

// functionResponseText 还原 OpenAIToGemini 包装的 {"result": ...}
func functionResponseText(resp interface{}) string {
	if m, ok := resp.(map[string]interface{}); ok && len(m) == 1 {
		if s, ok := m["result"].(string); ok {
			return s
		}
	}
	raw, _ := json.Marshal(resp)
	return string(raw)
}
