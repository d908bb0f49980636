package adapter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"llm-relay/models"
)

// geminiStreamError 流中途的 Gemini 错误对象
type geminiStreamError struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func parseGeminiChunk(data []byte) (*GeminiResponse, error) {
	var probe geminiStreamError
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, malformed("gemini chunk: %v", err)
	}
	if probe.Error != nil {
		return nil, &UpstreamStreamError{Message: fmt.Sprintf("%s: %s", probe.Error.Status, probe.Error.Message)}
	}
	var resp GeminiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, malformed("gemini chunk: %v", err)
	}
	return &resp, nil
}

// geminiPassthrough 上游与客户端都是 Gemini 协议，流结束时缺少 finishReason 则补一个 STOP
type geminiPassthrough struct {
	finished bool
}

func newGeminiPassthrough() *geminiPassthrough {
	return &geminiPassthrough{}
}

func (t *geminiPassthrough) Translate(ev Event) ([]Event, error) {
	if ev.IsDone() {
		return nil, nil
	}
	resp, err := parseGeminiChunk(ev.Data)
	if err != nil {
		if _, ok := err.(*UpstreamStreamError); ok {
			t.finished = true
			return []Event{{Data: ev.Data}}, err
		}
		return nil, err
	}
	for _, c := range resp.Candidates {
		if c.FinishReason != "" {
			t.finished = true
		}
	}
	return []Event{{Data: ev.Data}}, nil
}

func (t *geminiPassthrough) Finish() []Event {
	if t.finished {
		return nil
	}
	t.finished = true
	data, _ := json.Marshal(GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content:      GeminiContent{Role: "model", Parts: []GeminiPart{{Text: ""}}},
			FinishReason: "STOP",
		}},
	})
	return []Event{{Data: data}}
}

// geminiToOpenAI 将 Gemini 流式响应转换为 OpenAI chat.completion.chunk
type geminiToOpenAI struct {
	id       string
	model    string
	created  int64
	roleSent bool

	nextTool int
	usage    *models.ChatCompletionUsage
	finished bool
	done     bool
}

func newGeminiToOpenAI(clientModel string) *geminiToOpenAI {
	return &geminiToOpenAI{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   clientModel,
		created: time.Now().Unix(),
	}
}

func (t *geminiToOpenAI) Translate(ev Event) ([]Event, error) {
	if ev.IsDone() {
		return nil, nil
	}
	resp, err := parseGeminiChunk(ev.Data)
	if err != nil {
		if _, ok := err.(*UpstreamStreamError); ok {
			t.done = true
		}
		return nil, err
	}

	if u := resp.UsageMetadata; u != nil {
		t.usage = &models.ChatCompletionUsage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount + u.ThoughtsTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	if len(resp.Candidates) == 0 {
		return nil, nil
	}
	candidate := resp.Candidates[0]

	var out []Event
	var content, reasoning strings.Builder
	var toolCalls []models.ChatToolCall
	for _, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args, _ := json.Marshal(part.FunctionCall.Args)
			idx := t.nextTool
			t.nextTool++
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
			}
			toolCalls = append(toolCalls, models.ChatToolCall{
				Index:    &idx,
				ID:       id,
				Type:     "function",
				Function: models.ChatToolCallFunc{Name: part.FunctionCall.Name, Arguments: string(args)},
			})
		case part.Thought:
			reasoning.WriteString(part.Text)
		default:
			content.WriteString(part.Text)
		}
	}

	// 处理 Grounding (作为文本流式发送)
	if gm := candidate.GroundingMetadata; gm != nil && len(gm.GroundingChunks) > 0 {
		content.WriteString("\n\n-- Sources --\n")
		for _, chunk := range gm.GroundingChunks {
			if chunk.Web != nil {
				content.WriteString(fmt.Sprintf("[%s](%s)\n", chunk.Web.Title, chunk.Web.URI))
			}
		}
	}

	if content.Len() > 0 || reasoning.Len() > 0 || len(toolCalls) > 0 {
		delta := &models.ChatMessage{ReasoningContent: reasoning.String(), ToolCalls: toolCalls}
		if content.Len() > 0 {
			delta.Content = content.String()
		}
		out = append(out, t.chunk(delta, nil))
	}
	if candidate.FinishReason != "" && !t.finished {
		out = append(out, t.finish(mapFinishReason(candidate.FinishReason, t.nextTool > 0)))
	}
	return out, nil
}

func (t *geminiToOpenAI) Finish() []Event {
	if t.done {
		return nil
	}
	t.done = true
	var out []Event
	if !t.finished {
		out = append(out, t.finish(mapFinishReason("STOP", t.nextTool > 0)))
	}
	return append(out, doneEvent)
}

func (t *geminiToOpenAI) finish(reason string) Event {
	t.finished = true
	return t.chunk(&models.ChatMessage{}, &reason)
}

func (t *geminiToOpenAI) chunk(delta *models.ChatMessage, finishReason *string) Event {
	if !t.roleSent {
		delta.Role = "assistant"
		t.roleSent = true
	}
	resp := models.ChatCompletionResponse{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []models.ChatCompletionChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}
	if finishReason != nil {
		resp.Usage = t.usage
	}
	data, _ := json.Marshal(resp)
	return Event{Data: data}
}

func mapFinishReason(reason string, hasTools bool) string {
	switch reason {
	case "STOP":
		if hasTools {
			return "tool_calls"
		}
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return "content_filter"
	case "MALFORMED_FUNCTION_CALL":
		return "tool_calls"
	default:
		return "stop"
	}
}
