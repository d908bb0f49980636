package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"llm-relay/models"
)

const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	// replyPriming 助手回复前的固定开销
	replyPriming = 3
)

// TokenCounter 基于 tiktoken o200k_base 的本地 token 估算
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter 加载 o200k_base 编码
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountText 统计一段文本的 token 数
func (c *TokenCounter) CountText(text string) int {
	if c == nil || text == "" {
		return 0
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}

// CountChat estimates the prompt tokens of an OpenAI-form request using the
// chat overheads published for the o200k models.
func (c *TokenCounter) CountChat(req *models.ChatCompletionRequest) int {
	if c == nil || req == nil {
		return 0
	}
	total := 0
	for i := range req.Messages {
		msg := &req.Messages[i]
		total += tokensPerMessage + tokensPerRole
		total += c.CountText(msg.StringContent())
		total += c.CountText(msg.ReasoningContent)
		for _, tc := range msg.ToolCalls {
			total += c.CountText(tc.Function.Name) + c.CountText(tc.Function.Arguments) + 3
		}
	}
	for _, tool := range req.Tools {
		raw, _ := json.Marshal(tool.Function)
		total += c.CountText(string(raw))
	}
	return total + replyPriming
}

// CountPlan 估算已准备好的上游请求的输入 token 数
func (c *TokenCounter) CountPlan(plan *Plan) int {
	if c == nil || plan == nil {
		return 0
	}
	if plan.Prompt != "" {
		return c.CountText(plan.Prompt)
	}
	total := 0
	switch {
	case plan.Claude != nil:
		total += c.CountText(systemText(plan.Claude.System))
		for _, m := range plan.Claude.Messages {
			total += tokensPerMessage + tokensPerRole
			for _, b := range blocksOf(m.Content) {
				total += c.countClaudeBlock(b)
			}
		}
	case plan.Gemini != nil:
		if plan.Gemini.SystemInstruction != nil {
			for _, p := range plan.Gemini.SystemInstruction.Parts {
				total += c.CountText(p.Text)
			}
		}
		for _, content := range plan.Gemini.Contents {
			total += tokensPerMessage + tokensPerRole
			for _, p := range content.Parts {
				total += c.CountText(p.Text)
				if p.FunctionCall != nil {
					raw, _ := json.Marshal(p.FunctionCall.Args)
					total += c.CountText(p.FunctionCall.Name) + c.CountText(string(raw))
				}
			}
		}
	}
	return total + replyPriming
}

func (c *TokenCounter) countClaudeBlock(b ClaudeContentBlock) int {
	switch b.Type {
	case "text":
		return c.CountText(b.Text)
	case "thinking":
		return c.CountText(b.Thinking)
	case "tool_use":
		raw, _ := json.Marshal(b.Input)
		return c.CountText(b.Name) + c.CountText(string(raw)) + 3
	case "tool_result":
		return c.CountText(textOf(b.Content)) + 2
	}
	return 0
}
