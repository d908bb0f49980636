package adapter

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"llm-relay/models"
)

// claudePassthrough 上游与客户端都是 Claude 协议：校验事件、丢弃未知类型、补齐终止事件
type claudePassthrough struct {
	open     map[int]bool
	sawDelta bool
	done     bool
}

func newClaudePassthrough() *claudePassthrough {
	return &claudePassthrough{open: make(map[int]bool)}
}

func (t *claudePassthrough) Translate(ev Event) ([]Event, error) {
	var event ClaudeStreamEvent
	if err := json.Unmarshal(ev.Data, &event); err != nil {
		return nil, malformed("claude event %q: %v", ev.Name, err)
	}
	typ := event.Type
	if typ == "" {
		typ = ev.Name
	}
	if !claudeEventTypes[typ] {
		return nil, nil
	}

	out := []Event{{Name: typ, Data: ev.Data}}
	switch typ {
	case "content_block_start":
		if event.Index != nil {
			t.open[*event.Index] = true
		}
	case "content_block_stop":
		if event.Index != nil {
			delete(t.open, *event.Index)
		}
	case "message_delta":
		t.sawDelta = true
	case "message_stop":
		t.done = true
	case "error":
		t.done = true
		msg := "unknown error"
		if event.Error != nil {
			msg = event.Error.Message
		}
		return out, &UpstreamStreamError{Message: msg}
	}
	return out, nil
}

func (t *claudePassthrough) Finish() []Event {
	if t.done {
		return nil
	}
	t.done = true

	var out []Event
	indexes := make([]int, 0, len(t.open))
	for idx := range t.open {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		out = append(out, claudeEvent("content_block_stop", map[string]interface{}{
			"type":  "content_block_stop",
			"index": idx,
		}))
	}
	if !t.sawDelta {
		out = append(out, claudeEvent("message_delta", map[string]interface{}{
			"type":  "message_delta",
			"delta": map[string]interface{}{"stop_reason": "end_turn", "stop_sequence": nil},
			"usage": map[string]interface{}{"output_tokens": 0},
		}))
	}
	out = append(out, claudeEvent("message_stop", map[string]interface{}{"type": "message_stop"}))
	return out
}

func claudeEvent(name string, v interface{}) Event {
	data, _ := json.Marshal(v)
	return Event{Name: name, Data: data}
}

// claudeToOpenAI 将 Claude 流事件转换为 OpenAI chat.completion.chunk
type claudeToOpenAI struct {
	id       string
	model    string
	created  int64
	roleSent bool

	// Claude content block index -> OpenAI tool_calls index
	toolIndex map[int]int
	nextTool  int

	inputTokens  int
	outputTokens int
	finished     bool
	done         bool
}

func newClaudeToOpenAI(clientModel string) *claudeToOpenAI {
	return &claudeToOpenAI{
		id:        "chatcmpl-" + uuid.NewString(),
		model:     clientModel,
		created:   time.Now().Unix(),
		toolIndex: make(map[int]int),
	}
}

func (t *claudeToOpenAI) Translate(ev Event) ([]Event, error) {
	var event ClaudeStreamEvent
	if err := json.Unmarshal(ev.Data, &event); err != nil {
		return nil, malformed("claude event %q: %v", ev.Name, err)
	}
	typ := event.Type
	if typ == "" {
		typ = ev.Name
	}

	switch typ {
	case "message_start":
		if event.Message != nil {
			if event.Message.ID != "" {
				t.id = event.Message.ID
			}
			t.inputTokens = event.Message.Usage.InputTokens
		}
		return []Event{t.chunk(&models.ChatMessage{Content: ""}, nil)}, nil

	case "content_block_start":
		block := event.ContentBlock
		if block == nil || event.Index == nil {
			return nil, nil
		}
		switch block.Type {
		case "tool_use":
			idx := t.nextTool
			t.nextTool++
			t.toolIndex[*event.Index] = idx
			return []Event{t.chunk(&models.ChatMessage{ToolCalls: []models.ChatToolCall{{
				Index:    &idx,
				ID:       block.ID,
				Type:     "function",
				Function: models.ChatToolCallFunc{Name: block.Name, Arguments: ""},
			}}}, nil)}, nil
		case "text":
			if block.Text != "" {
				return []Event{t.chunk(&models.ChatMessage{Content: block.Text}, nil)}, nil
			}
		}
		return nil, nil

	case "content_block_delta":
		if event.Delta == nil {
			return nil, nil
		}
		switch event.Delta.Type {
		case "text_delta":
			return []Event{t.chunk(&models.ChatMessage{Content: event.Delta.Text}, nil)}, nil
		case "thinking_delta":
			return []Event{t.chunk(&models.ChatMessage{ReasoningContent: event.Delta.Thinking}, nil)}, nil
		case "input_json_delta":
			if event.Index == nil {
				return nil, nil
			}
			idx, ok := t.toolIndex[*event.Index]
			if !ok {
				return nil, nil
			}
			return []Event{t.chunk(&models.ChatMessage{ToolCalls: []models.ChatToolCall{{
				Index:    &idx,
				Function: models.ChatToolCallFunc{Arguments: event.Delta.PartialJSON},
			}}}, nil)}, nil
		}
		return nil, nil

	case "message_delta":
		if event.Usage != nil {
			t.outputTokens = event.Usage.OutputTokens
			if event.Usage.InputTokens > 0 {
				t.inputTokens = event.Usage.InputTokens
			}
		}
		if event.Delta != nil && event.Delta.StopReason != nil {
			return []Event{t.finish(mapStopReason(*event.Delta.StopReason))}, nil
		}
		return nil, nil

	case "message_stop":
		out := make([]Event, 0, 2)
		if !t.finished {
			out = append(out, t.finish("stop"))
		}
		t.done = true
		return append(out, doneEvent), nil

	case "error":
		t.done = true
		msg := "unknown error"
		if event.Error != nil {
			msg = event.Error.Message
		}
		return nil, &UpstreamStreamError{Message: msg}
	}
	// ping 以及 OpenAI 中没有对应的事件
	return nil, nil
}

func (t *claudeToOpenAI) Finish() []Event {
	if t.done {
		return nil
	}
	t.done = true
	var out []Event
	if !t.finished {
		out = append(out, t.finish("stop"))
	}
	return append(out, doneEvent)
}

func (t *claudeToOpenAI) finish(reason string) Event {
	t.finished = true
	return t.chunk(&models.ChatMessage{}, &reason)
}

func (t *claudeToOpenAI) chunk(delta *models.ChatMessage, finishReason *string) Event {
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
	if finishReason != nil && (t.inputTokens > 0 || t.outputTokens > 0) {
		resp.Usage = &models.ChatCompletionUsage{
			PromptTokens:     t.inputTokens,
			CompletionTokens: t.outputTokens,
			TotalTokens:      t.inputTokens + t.outputTokens,
		}
	}
	data, _ := json.Marshal(resp)
	return Event{Data: data}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "pause_turn":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "refusal":
		return "content_filter"
	default:
		return reason
	}
}
