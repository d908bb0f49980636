package adapter

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"llm-relay/models"
)

// Accumulator folds the client-schema event stream into the single response
// object a non-streaming client expects. It consumes exactly the events the
// streaming path would have written, so both modes carry the same content.
type Accumulator interface {
	Add(ev Event) error
	Result() ([]byte, error)
}

// NewAccumulator 按客户端协议创建累积器；counter 用于补齐上游缺失的 usage
func NewAccumulator(plan *Plan, counter *TokenCounter) Accumulator {
	switch plan.Endpoint.Schema {
	case SchemaClaude:
		return &claudeAccumulator{plan: plan, counter: counter, blocks: make(map[int]*claudeBlockState)}
	case SchemaGemini:
		return &geminiAccumulator{}
	default:
		return &openAIAccumulator{plan: plan, counter: counter, tools: make(map[int]*models.ChatToolCall)}
	}
}

// ---------------------------------------------------------------------------
// OpenAI

type openAIAccumulator struct {
	plan    *Plan
	counter *TokenCounter

	id        string
	model     string
	created   int64
	content   strings.Builder
	reasoning strings.Builder
	tools     map[int]*models.ChatToolCall
	finish    *string
	usage     *models.ChatCompletionUsage
}

func (a *openAIAccumulator) Add(ev Event) error {
	if ev.IsDone() {
		return nil
	}
	var chunk models.ChatCompletionResponse
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return malformed("openai chunk: %v", err)
	}
	if a.id == "" {
		a.id, a.model, a.created = chunk.ID, chunk.Model, chunk.Created
	}
	if chunk.Usage != nil {
		a.usage = chunk.Usage
	}
	for _, choice := range chunk.Choices {
		if choice.FinishReason != nil {
			a.finish = choice.FinishReason
		}
		d := choice.Delta
		if d == nil {
			continue
		}
		if s, ok := d.Content.(string); ok {
			a.content.WriteString(s)
		}
		a.reasoning.WriteString(d.ReasoningContent)
		for _, tc := range d.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := a.tools[idx]
			if !ok {
				call = &models.ChatToolCall{Type: "function"}
				a.tools[idx] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Function.Name = tc.Function.Name
			}
			call.Function.Arguments += tc.Function.Arguments
		}
	}
	return nil
}

func (a *openAIAccumulator) Result() ([]byte, error) {
	msg := &models.ChatMessage{Role: "assistant", ReasoningContent: a.reasoning.String()}
	if len(a.tools) > 0 {
		indexes := make([]int, 0, len(a.tools))
		for idx := range a.tools {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			msg.ToolCalls = append(msg.ToolCalls, *a.tools[idx])
		}
	}
	if a.content.Len() > 0 || len(msg.ToolCalls) == 0 {
		msg.Content = a.content.String()
	}

	finish := a.finish
	if finish == nil {
		finish = models.StringPtr("stop")
	}
	usage := a.usage
	if usage == nil && a.counter != nil {
		completion := a.counter.CountText(a.content.String()) + a.counter.CountText(a.reasoning.String())
		for _, tc := range msg.ToolCalls {
			completion += a.counter.CountText(tc.Function.Arguments)
		}
		prompt := a.counter.CountPlan(a.plan)
		usage = &models.ChatCompletionUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
	}
	created := a.created
	if created == 0 {
		created = time.Now().Unix()
	}

	return json.Marshal(models.ChatCompletionResponse{
		ID:      a.id,
		Object:  "chat.completion",
		Created: created,
		Model:   a.model,
		Choices: []models.ChatCompletionChoice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage:   usage,
	})
}

// ---------------------------------------------------------------------------
// Claude

type claudeBlockState struct {
	block ClaudeContentBlock
	input strings.Builder
}

type claudeAccumulator struct {
	plan    *Plan
	counter *TokenCounter

	message ClaudeResponse
	blocks  map[int]*claudeBlockState
}

func (a *claudeAccumulator) Add(ev Event) error {
	var event ClaudeStreamEvent
	if err := json.Unmarshal(ev.Data, &event); err != nil {
		return malformed("claude event %q: %v", ev.Name, err)
	}
	switch event.Type {
	case "message_start":
		if event.Message != nil {
			a.message.ID = event.Message.ID
			a.message.Model = event.Message.Model
			a.message.Usage = event.Message.Usage
		}
	case "content_block_start":
		if event.Index == nil || event.ContentBlock == nil {
			return nil
		}
		state := &claudeBlockState{block: *event.ContentBlock}
		if state.block.Type == "tool_use" || state.block.Type == "server_tool_use" {
			state.block.Input = nil
		}
		a.blocks[*event.Index] = state
	case "content_block_delta":
		if event.Index == nil || event.Delta == nil {
			return nil
		}
		state, ok := a.blocks[*event.Index]
		if !ok {
			state = &claudeBlockState{block: ClaudeContentBlock{Type: "text"}}
			a.blocks[*event.Index] = state
		}
		switch event.Delta.Type {
		case "text_delta":
			state.block.Text += event.Delta.Text
		case "thinking_delta":
			state.block.Thinking += event.Delta.Thinking
		case "signature_delta":
			state.block.Signature = event.Delta.Signature
		case "input_json_delta":
			state.input.WriteString(event.Delta.PartialJSON)
		}
	case "message_delta":
		if event.Delta != nil {
			a.message.StopReason = event.Delta.StopReason
			a.message.StopSequence = event.Delta.StopSequence
		}
		if event.Usage != nil {
			a.message.Usage.OutputTokens = event.Usage.OutputTokens
			if event.Usage.InputTokens > 0 {
				a.message.Usage.InputTokens = event.Usage.InputTokens
			}
		}
	}
	return nil
}

func (a *claudeAccumulator) Result() ([]byte, error) {
	resp := a.message
	resp.Type = "message"
	resp.Role = "assistant"
	if resp.Model == "" {
		resp.Model = a.plan.ClientModel
	}

	indexes := make([]int, 0, len(a.blocks))
	for idx := range a.blocks {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	resp.Content = make([]ClaudeContentBlock, 0, len(indexes))
	var text strings.Builder
	for _, idx := range indexes {
		state := a.blocks[idx]
		block := state.block
		if block.Type == "tool_use" || block.Type == "server_tool_use" {
			input := map[string]interface{}{}
			if raw := strings.TrimSpace(state.input.String()); raw != "" {
				if err := json.Unmarshal([]byte(raw), &input); err != nil {
					return nil, malformed("tool_use %s input: %v", block.ID, err)
				}
			}
			block.Input = input
		}
		text.WriteString(block.Text)
		text.WriteString(block.Thinking)
		resp.Content = append(resp.Content, block)
	}

	if resp.StopReason == nil {
		resp.StopReason = models.StringPtr("end_turn")
	}
	// claude.ai 网页端不返回 usage
	if resp.Usage.OutputTokens == 0 {
		resp.Usage.OutputTokens = a.counter.CountText(text.String())
	}
	if resp.Usage.InputTokens == 0 {
		resp.Usage.InputTokens = a.counter.CountPlan(a.plan)
	}
	return json.Marshal(resp)
}

// ---------------------------------------------------------------------------
// Gemini

type geminiAccumulator struct {
	parts     []GeminiPart
	finish    string
	usage     *GeminiUsage
	grounding *GeminiGroundingMetadata
	version   string
	id        string
}

func (a *geminiAccumulator) Add(ev Event) error {
	var resp GeminiResponse
	if err := json.Unmarshal(ev.Data, &resp); err != nil {
		return malformed("gemini chunk: %v", err)
	}
	if resp.UsageMetadata != nil {
		a.usage = resp.UsageMetadata
	}
	if resp.ModelVersion != "" {
		a.version = resp.ModelVersion
	}
	if resp.ResponseID != "" {
		a.id = resp.ResponseID
	}
	if len(resp.Candidates) == 0 {
		return nil
	}
	c := resp.Candidates[0]
	if c.FinishReason != "" {
		a.finish = c.FinishReason
	}
	if c.GroundingMetadata != nil {
		a.grounding = c.GroundingMetadata
	}
	for _, part := range c.Content.Parts {
		// 相邻的同类文本片段合并
		if n := len(a.parts); n > 0 && part.FunctionCall == nil && part.InlineData == nil {
			last := &a.parts[n-1]
			if last.FunctionCall == nil && last.InlineData == nil && last.Thought == part.Thought {
				last.Text += part.Text
				if part.ThoughtSignature != "" {
					last.ThoughtSignature = part.ThoughtSignature
				}
				continue
			}
		}
		a.parts = append(a.parts, part)
	}
	return nil
}

func (a *geminiAccumulator) Result() ([]byte, error) {
	parts := a.parts
	if parts == nil {
		parts = []GeminiPart{{Text: ""}}
	}
	finish := a.finish
	if finish == "" {
		finish = "STOP"
	}
	return json.Marshal(GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content:           GeminiContent{Role: "model", Parts: parts},
			FinishReason:      finish,
			GroundingMetadata: a.grounding,
		}},
		UsageMetadata: a.usage,
		ModelVersion:  a.version,
		ResponseID:    a.id,
	})
}
