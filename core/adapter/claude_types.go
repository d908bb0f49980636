package adapter

// Claude Request Structures

type ClaudeRequest struct {
	Model         string                 `json:"model"`
	Messages      []ClaudeMessage        `json:"messages"`
	System        interface{}            `json:"system,omitempty"` // string or []ClaudeContentBlock
	MaxTokens     int                    `json:"max_tokens"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	StopSequences []string               `json:"stop_sequences,omitempty"`
	Stream        bool                   `json:"stream,omitempty"`
	Temperature   *float64               `json:"temperature,omitempty"`
	TopP          *float64               `json:"top_p,omitempty"`
	TopK          *int                   `json:"top_k,omitempty"`
	Tools         []ClaudeTool           `json:"tools,omitempty"`
	ToolChoice    interface{}            `json:"tool_choice,omitempty"` // map or string ("auto", "any")
	Thinking      *ClaudeThinking        `json:"thinking,omitempty"`
}

type ClaudeMessage struct {
	Role    string      `json:"role"`    // "user" or "assistant"
	Content interface{} `json:"content"` // string or []ClaudeContentBlock
}

type ClaudeContentBlock struct {
	Type   string        `json:"type"`             // "text", "image", "tool_use", "tool_result", "thinking"
	Text   string        `json:"text,omitempty"`   // for "text"
	Source *ClaudeSource `json:"source,omitempty"` // for "image"

	// Tool Use
	ID    string      `json:"id,omitempty"`
	Name  string      `json:"name,omitempty"`
	Input interface{} `json:"input,omitempty"` // JSON object

	// Tool Result
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   interface{} `json:"content,omitempty"` // string or []ClaudeContentBlock
	IsError   bool        `json:"is_error,omitempty"`

	// Thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"` // redacted_thinking

	CacheControl interface{} `json:"cache_control,omitempty"`
}

type ClaudeSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ClaudeTool covers custom tools (no type or "custom") and the server/client
// builtins such as web_search_20250305 or bash_20250124.
type ClaudeTool struct {
	Type           string                 `json:"type,omitempty"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description,omitempty"`
	InputSchema    map[string]interface{} `json:"input_schema,omitempty"`
	MaxUses        *int                   `json:"max_uses,omitempty"`
	AllowedDomains []string               `json:"allowed_domains,omitempty"`
	BlockedDomains []string               `json:"blocked_domains,omitempty"`
	UserLocation   interface{}            `json:"user_location,omitempty"`
	CacheControl   interface{}            `json:"cache_control,omitempty"`
}

type ClaudeThinking struct {
	Type         string `json:"type"` // "enabled" | "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Claude Response Structures

type ClaudeResponse struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"` // "message"
	Role         string               `json:"role"`
	Content      []ClaudeContentBlock `json:"content"`
	Model        string               `json:"model"`
	StopReason   *string              `json:"stop_reason"`
	StopSequence *string              `json:"stop_sequence"`
	Usage        ClaudeUsage          `json:"usage"`
}

type ClaudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Streaming Events

type ClaudeStreamEvent struct {
	Type         string              `json:"type"` // message_start, content_block_start, ...
	Message      *ClaudeResponse     `json:"message,omitempty"`
	Index        *int                `json:"index,omitempty"`
	ContentBlock *ClaudeContentBlock `json:"content_block,omitempty"`
	Delta        *ClaudeDelta        `json:"delta,omitempty"`
	Usage        *ClaudeUsage        `json:"usage,omitempty"` // in message_delta
	Error        *ClaudeError        `json:"error,omitempty"`
}

type ClaudeDelta struct {
	Type         string  `json:"type,omitempty"` // text_delta, input_json_delta, thinking_delta, signature_delta
	Text         string  `json:"text,omitempty"`
	PartialJSON  string  `json:"partial_json,omitempty"`
	Thinking     string  `json:"thinking,omitempty"`
	Signature    string  `json:"signature,omitempty"`
	StopReason   *string `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

type ClaudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// claudeEventTypes 客户端协议中存在的事件类型，其余一律丢弃
var claudeEventTypes = map[string]bool{
	"message_start":       true,
	"content_block_start": true,
	"content_block_delta": true,
	"content_block_stop":  true,
	"message_delta":       true,
	"message_stop":        true,
	"ping":                true,
	"error":               true,
}

// textOf flattens a string-or-blocks content value into plain text.
func textOf(content interface{}) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []ClaudeContentBlock:
		var out string
		for _, b := range v {
			if b.Type == "text" {
				if out != "" {
					out += "\n"
				}
				out += b.Text
			}
		}
		return out
	case []interface{}:
		var out string
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if t, _ := m["type"].(string); t == "text" {
				if s, ok := m["text"].(string); ok {
					if out != "" {
						out += "\n"
					}
					out += s
				}
			}
		}
		return out
	}
	return ""
}
