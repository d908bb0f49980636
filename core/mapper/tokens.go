package mapper

import (
	"encoding/json"

	"llm-relay/core/adapter"
	"llm-relay/models"
)

// CountTokens 统计客户端请求的输入 token 数，Claude / Gemini 请求先归一化为 OpenAI 形式
func CountTokens(counter *adapter.TokenCounter, schema adapter.Schema, body []byte, model string) (int, error) {
	var req models.ChatCompletionRequest
	switch schema {
	case adapter.SchemaClaude:
		cr, err := adapter.ParseClaudeRequest(body)
		if err != nil {
			return 0, err
		}
		if req, err = ClaudeRequestToOpenAI(cr); err != nil {
			return 0, err
		}
	case adapter.SchemaGemini:
		gr, err := adapter.ParseGeminiRequest(body)
		if err != nil {
			return 0, err
		}
		if req, err = GeminiRequestToOpenAI(gr, model); err != nil {
			return 0, err
		}
	default:
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, err
		}
	}
	return counter.CountChat(&req), nil
}
