package adapter

import (
	"bytes"
	"encoding/json"
	"hash/fnv"
	"strings"

	"llm-relay/models"
)

// DefaultMaxTokens 客户端未指定 max_tokens 时的默认值
const DefaultMaxTokens = 8192

// defaultThinkingBudget "-thinking" 后缀模型的默认思考预算
const defaultThinkingBudget = 4096

// Plan 是经过校验、可直接发往上游的请求
type Plan struct {
	Endpoint    Endpoint
	Stream      bool
	ClientModel string
	Model       string
	// RequiresPro 请求的模型需要付费订阅（claude.ai 的 opus）
	RequiresPro bool
	// ConversationKey 同一会话的请求尽量复用同一个凭证，0 表示不绑定
	ConversationKey uint64
	// CLI 客户端是 Claude Code 命令行，跳过所有前置提示注入
	CLI      bool
	Thinking bool

	Claude *ClaudeRequest
	Gemini *GeminiRequest
	// Prompt claude.ai 网页端需要的扁平化对话文本
	Prompt string
}

// PrepareOptions 来自 HTTP 层的附加信息
type PrepareOptions struct {
	UserAgent string
	// Model Gemini 协议的模型名在 URL 路径里
	Model string
	// Stream Gemini 协议通过 streamGenerateContent / alt=sse 协商流式
	Stream bool
}

// Prepare validates a client payload and builds the provider-ready plan. All
// failures here happen before a credential is selected: *RequestError for a
// malformed payload, *TranslationError for features the provider lacks.
func Prepare(ep Endpoint, body []byte, s Settings, opts PrepareOptions) (*Plan, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, invalidRequest("request body is empty")
	}

	plan := &Plan{
		Endpoint: ep,
		CLI:      IsClaudeCodeAgent(opts.UserAgent, s.ClaudeCodeClientID),
	}

	family := familyOf(ep.Kind)

	// 1. 解析客户端协议
	switch ep.Schema {
	case SchemaOpenAI:
		var req models.ChatCompletionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, invalidRequest("invalid JSON body: %v", err)
		}
		if err := validateChat(&req); err != nil {
			return nil, err
		}
		plan.Stream = req.Stream
		plan.ClientModel = req.Model
		var err error
		if family == familyClaude {
			plan.Claude, err = OpenAIToClaude(&req)
		} else {
			plan.Gemini, err = OpenAIToGemini(&req)
		}
		if err != nil {
			return nil, err
		}
	case SchemaClaude:
		if family != familyClaude {
			return nil, unsupported("claude messages cannot be sent to %s", ep.Kind)
		}
		cr, err := ParseClaudeRequest(body)
		if err != nil {
			return nil, err
		}
		plan.Claude = cr
		plan.Stream = cr.Stream
		plan.ClientModel = cr.Model
	case SchemaGemini:
		if family != familyGemini {
			return nil, unsupported("gemini contents cannot be sent to %s", ep.Kind)
		}
		gr, err := ParseGeminiRequest(body)
		if err != nil {
			return nil, err
		}
		if opts.Model == "" {
			return nil, invalidRequest("model is required")
		}
		plan.Gemini = gr
		plan.Stream = opts.Stream
		plan.ClientModel = opts.Model
	}

	// 2. 模型映射
	plan.Model, plan.Thinking = ResolveModel(plan.ClientModel, s.Aliases)

	// 3. 提供商相关的工具校验与提示注入
	var err error
	switch ep.Kind {
	case models.KindClaudeWeb:
		err = finalizeClaudeWeb(plan, s)
	case models.KindClaudeCode:
		err = finalizeClaudeCode(plan, s)
	default:
		err = finalizeGemini(plan, s)
	}
	if err != nil {
		return nil, err
	}

	plan.ConversationKey = conversationKey(plan)
	return plan, nil
}

type family int

const (
	familyClaude family = iota
	familyGemini
)

func familyOf(kind models.ProviderKind) family {
	if kind == models.KindGemini || kind == models.KindVertex {
		return familyGemini
	}
	return familyClaude
}

// IsClaudeCodeAgent 根据 User-Agent 判断是否为 Claude Code 命令行客户端
func IsClaudeCodeAgent(userAgent, clientID string) bool {
	if clientID == "" || userAgent == "" {
		return false
	}
	return strings.Contains(strings.ToLower(userAgent), strings.ToLower(clientID))
}

// ResolveModel applies configured aliases and the "-thinking" suffix.
func ResolveModel(model string, aliases map[string]string) (string, bool) {
	if mapped, ok := aliases[model]; ok {
		model = mapped
	}
	thinking := false
	if strings.HasSuffix(model, "-thinking") {
		thinking = true
		model = strings.TrimSuffix(model, "-thinking")
		if mapped, ok := aliases[model]; ok {
			model = mapped
		}
	}
	return model, thinking
}

func validateChat(req *models.ChatCompletionRequest) error {
	if req.Model == "" {
		return invalidRequest("model is required")
	}
	if len(req.Messages) == 0 {
		return invalidRequest("messages must not be empty")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "developer", "user", "assistant", "tool":
		default:
			return invalidRequest("messages[%d]: unknown role %q", i, m.Role)
		}
	}
	return nil
}

// ParseClaudeRequest 解析并校验 Claude Messages 请求，content 统一为内容块数组
func ParseClaudeRequest(body []byte) (*ClaudeRequest, error) {
	var cr ClaudeRequest
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, invalidRequest("invalid JSON body: %v", err)
	}
	if cr.Model == "" {
		return nil, invalidRequest("model is required")
	}
	if len(cr.Messages) == 0 {
		return nil, invalidRequest("messages must not be empty")
	}
	for i := range cr.Messages {
		m := &cr.Messages[i]
		if m.Role != "user" && m.Role != "assistant" {
			return nil, invalidRequest("messages[%d]: role must be user or assistant, got %q", i, m.Role)
		}
		blocks, err := toBlocks(m.Content)
		if err != nil {
			return nil, invalidRequest("messages[%d]: %v", i, err)
		}
		m.Content = blocks
	}
	if cr.System != nil {
		if _, isString := cr.System.(string); !isString {
			blocks, err := toBlocks(cr.System)
			if err != nil {
				return nil, invalidRequest("system: %v", err)
			}
			cr.System = blocks
		}
	}
	if cr.MaxTokens <= 0 {
		cr.MaxTokens = DefaultMaxTokens
	}
	cr.ToolChoice = normalizeToolChoice(cr.ToolChoice)
	return &cr, nil
}

// ParseGeminiRequest 解析并校验 Gemini generateContent 请求
func ParseGeminiRequest(body []byte) (*GeminiRequest, error) {
	var gr GeminiRequest
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, invalidRequest("invalid JSON body: %v", err)
	}
	if len(gr.Contents) == 0 {
		return nil, invalidRequest("contents must not be empty")
	}
	for i, c := range gr.Contents {
		if len(c.Parts) == 0 {
			return nil, invalidRequest("contents[%d]: parts must not be empty", i)
		}
	}
	gr.normalize()
	return &gr, nil
}

// toBlocks converts a decoded string-or-array content value into blocks.
func toBlocks(content interface{}) ([]ClaudeContentBlock, error) {
	switch v := content.(type) {
	case nil:
		return nil, nil
	case string:
		return []ClaudeContentBlock{{Type: "text", Text: v}}, nil
	case []ClaudeContentBlock:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var blocks []ClaudeContentBlock
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return nil, err
		}
		return blocks, nil
	}
}

// blocksOf 取出已规范化的内容块
func blocksOf(content interface{}) []ClaudeContentBlock {
	blocks, _ := toBlocks(content)
	return blocks
}

// ContentBlocks 将 string 或数组形式的 Claude content 统一为内容块
func ContentBlocks(content interface{}) []ClaudeContentBlock {
	return blocksOf(content)
}

// ContentText 提取 Claude content 中的纯文本
func ContentText(content interface{}) string {
	return textOf(content)
}

// normalizeToolChoice 字符串形式的 tool_choice 转为对象，"required" 等同 "any"
func normalizeToolChoice(choice interface{}) interface{} {
	s, ok := choice.(string)
	if !ok {
		return choice
	}
	switch s {
	case "required":
		s = "any"
	case "":
		return nil
	}
	return map[string]interface{}{"type": s}
}

// systemText 提取 system 字段的纯文本
func systemText(system interface{}) string {
	return textOf(system)
}

func conversationKey(plan *Plan) uint64 {
	h := fnv.New64a()
	h.Write([]byte(plan.Endpoint.Kind))
	h.Write([]byte(plan.Model))
	switch {
	case plan.Claude != nil:
		h.Write([]byte(systemText(plan.Claude.System)))
		if len(plan.Claude.Messages) > 0 {
			h.Write([]byte(textOf(plan.Claude.Messages[0].Content)))
		}
	case plan.Gemini != nil:
		if plan.Gemini.SystemInstruction != nil {
			for _, p := range plan.Gemini.SystemInstruction.Parts {
				h.Write([]byte(p.Text))
			}
		}
		if len(plan.Gemini.Contents) > 0 {
			for _, p := range plan.Gemini.Contents[0].Parts {
				h.Write([]byte(p.Text))
			}
		}
	}
	return h.Sum64()
}
