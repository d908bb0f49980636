package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"llm-relay/models"
)

const (
	anthropicVersion = "2023-06-01"
	claudeCodeBeta   = "claude-code-20250219"
	oauthBeta        = "oauth-2025-04-20"
	thinkingBeta     = "interleaved-thinking-2025-05-14"

	// ClaudeCodeIdentity Claude Code OAuth 令牌要求的系统提示首段
	ClaudeCodeIdentity = "You are Claude Code, Anthropic's official CLI for Claude."

	// WebSearchTool 客户端侧的网页搜索工具类型；claude.ai 使用 webSearchToolWeb
	WebSearchTool    = "web_search_20250305"
	webSearchToolWeb = "web_search_v0"
)

// OpenAIToClaude converts an OpenAI chat request into a Claude Messages request.
func OpenAIToClaude(req *models.ChatCompletionRequest) (*ClaudeRequest, error) {
	cr := &ClaudeRequest{
		Model:    req.Model,
		Messages: make([]ClaudeMessage, 0, len(req.Messages)),
	}

	// 1. Extract System Prompt
	var system strings.Builder
	for _, msg := range req.Messages {
		if msg.Role == "system" || msg.Role == "developer" {
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(msg.StringContent())
		}
	}
	if system.Len() > 0 {
		cr.System = system.String()
	}

	// 2. Transform Messages
	for i, msg := range req.Messages {
		if msg.Role == "system" || msg.Role == "developer" {
			continue
		}

		role := msg.Role
		var blocks []ClaudeContentBlock

		if msg.Role == "tool" {
			// 2a. Tool results are user messages in Claude
			role = "user"
			blocks = append(blocks, ClaudeContentBlock{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.StringContent(),
			})
		} else {
			// 2b. Text / image content
			content, err := openAIContentToClaude(msg.Content)
			if err != nil {
				return nil, invalidRequest("messages[%d]: %v", i, err)
			}
			blocks = append(blocks, content...)

			// 2c. Tool calls (assistant -> tool_use)
			for _, tc := range msg.ToolCalls {
				input := map[string]interface{}{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
						return nil, invalidRequest("messages[%d]: tool call %s has invalid arguments: %v", i, tc.ID, err)
					}
				}
				blocks = append(blocks, ClaudeContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
		}

		if len(blocks) == 0 {
			continue
		}
		// 连续的 tool 结果合并到同一条 user 消息
		if n := len(cr.Messages); n > 0 && msg.Role == "tool" && cr.Messages[n-1].Role == "user" {
			prev := blocksOf(cr.Messages[n-1].Content)
			if len(prev) > 0 && prev[0].Type == "tool_result" {
				cr.Messages[n-1].Content = append(prev, blocks...)
				continue
			}
		}
		cr.Messages = append(cr.Messages, ClaudeMessage{Role: role, Content: blocks})
	}
	if len(cr.Messages) == 0 {
		return nil, invalidRequest("messages must contain at least one non-system message")
	}

	// 3. Transform Tools
	for _, tool := range req.Tools {
		switch tool.Type {
		case "function":
			schema := tool.Function.Parameters
			if schema == nil {
				schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
			}
			cr.Tools = append(cr.Tools, ClaudeTool{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				InputSchema: schema,
			})
		case "web_search", "web_search_preview":
			cr.Tools = append(cr.Tools, ClaudeTool{Type: WebSearchTool, Name: "web_search"})
		default:
			return nil, unsupported("tool type %q is not supported", tool.Type)
		}
	}
	cr.ToolChoice = openAIToolChoiceToClaude(req.ToolChoice)

	// 4. Transform Config
	switch {
	case req.MaxCompletion != nil:
		cr.MaxTokens = *req.MaxCompletion
	case req.MaxTokens != nil:
		cr.MaxTokens = *req.MaxTokens
	default:
		cr.MaxTokens = DefaultMaxTokens
	}
	cr.Temperature = req.Temperature
	cr.TopP = req.TopP
	cr.StopSequences = stopSequences(req.Stop)
	cr.Stream = req.Stream
	return cr, nil
}

func openAIContentToClaude(content interface{}) ([]ClaudeContentBlock, error) {
	switch v := content.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []ClaudeContentBlock{{Type: "text", Text: v}}, nil
	case []interface{}:
		var blocks []ClaudeContentBlock
		for _, item := range v {
			itemMap, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch itemMap["type"] {
			case "text":
				if text, ok := itemMap["text"].(string); ok {
					blocks = append(blocks, ClaudeContentBlock{Type: "text", Text: text})
				}
			case "image_url":
				src, err := imageSource(itemMap["image_url"])
				if err != nil {
					return nil, err
				}
				blocks = append(blocks, ClaudeContentBlock{Type: "image", Source: src})
			default:
				return nil, fmt.Errorf("unsupported content part type %v", itemMap["type"])
			}
		}
		return blocks, nil
	}
	return nil, fmt.Errorf("content must be a string or an array of parts")
}

func imageSource(v interface{}) (*ClaudeSource, error) {
	var u string
	switch img := v.(type) {
	case string:
		u = img
	case map[string]interface{}:
		u, _ = img["url"].(string)
	}
	if u == "" {
		return nil, fmt.Errorf("image_url.url is required")
	}
	if strings.HasPrefix(u, "data:") {
		mime, data, ok := parseDataURL(u)
		if !ok {
			return nil, fmt.Errorf("malformed data URL")
		}
		return &ClaudeSource{Type: "base64", MediaType: mime, Data: data}, nil
	}
	return &ClaudeSource{Type: "url", URL: u}, nil
}

// parseDataURL 拆分 data:<mime>;base64,<data>
func parseDataURL(u string) (mime, data string, ok bool) {
	head, data, found := strings.Cut(strings.TrimPrefix(u, "data:"), ",")
	if !found || data == "" {
		return "", "", false
	}
	return strings.TrimSuffix(head, ";base64"), data, true
}

func openAIToolChoiceToClaude(choice interface{}) interface{} {
	switch v := choice.(type) {
	case string:
		return normalizeToolChoice(v)
	case map[string]interface{}:
		if fn, ok := v["function"].(map[string]interface{}); ok {
			if name, ok := fn["name"].(string); ok {
				return map[string]interface{}{"type": "tool", "name": name}
			}
		}
	}
	return nil
}

func stopSequences(stop interface{}) []string {
	switch v := stop.(type) {
	case string:
		if v != "" {
			return []string{v}
		}
	case []interface{}:
		var out []string
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func isWebSearchTool(t ClaudeTool) bool {
	return strings.HasPrefix(t.Type, "web_search")
}

func isCustomTool(t ClaudeTool) bool {
	return t.Type == "" || t.Type == "custom"
}

// finalizeClaudeWeb claude.ai 只支持网页搜索工具，对话被扁平化为单个 prompt
func finalizeClaudeWeb(plan *Plan, s Settings) error {
	cr := plan.Claude
	var tools []ClaudeTool
	for _, t := range cr.Tools {
		switch {
		case isWebSearchTool(t):
			tools = append(tools, ClaudeTool{Type: webSearchToolWeb, Name: "web_search"})
		case isCustomTool(t):
			return unsupported("custom tool %q is not supported by %s", t.Name, models.KindClaudeWeb)
		default:
			return unsupported("tool type %q is not supported by %s", t.Type, models.KindClaudeWeb)
		}
	}
	cr.Tools = tools

	prompt, err := flattenPrompt(cr, s, plan.CLI)
	if err != nil {
		return err
	}
	plan.Prompt = prompt
	plan.RequiresPro = strings.Contains(strings.ToLower(plan.Model), "opus")
	return nil
}

// flattenPrompt renders the conversation as the single text prompt claude.ai
// accepts, using the configured role labels.
func flattenPrompt(cr *ClaudeRequest, s Settings, cli bool) (string, error) {
	human, assistant := "Human", "Assistant"
	system := systemText(cr.System)
	if !cli {
		if s.CustomH != "" {
			human = s.CustomH
		}
		if s.CustomA != "" {
			assistant = s.CustomA
		}
		if s.CustomSystem != "" {
			system = strings.TrimSpace(s.CustomSystem + "\n" + system)
		}
	}

	var b strings.Builder
	b.WriteString(system)
	for i, m := range cr.Messages {
		label := human
		if m.Role == "assistant" {
			label = assistant
		}
		var parts []string
		for _, block := range blocksOf(m.Content) {
			switch block.Type {
			case "text":
				parts = append(parts, block.Text)
			case "tool_result":
				parts = append(parts, textOf(block.Content))
			case "tool_use":
				input, _ := json.Marshal(block.Input)
				parts = append(parts, fmt.Sprintf("[%s] %s", block.Name, input))
			case "thinking", "redacted_thinking":
			case "image", "document":
				return "", unsupported("messages[%d]: %s input is not supported by %s", i, block.Type, models.KindClaudeWeb)
			}
		}
		b.WriteString("\n\n" + label + ": " + strings.Join(parts, "\n"))
	}
	if !cli && s.CustomPrompt != "" {
		b.WriteString("\n\n" + s.CustomPrompt)
	}
	return strings.TrimSpace(b.String()), nil
}

// finalizeClaudeCode 非命令行客户端注入 Claude Code 身份提示以及自定义首尾提示
func finalizeClaudeCode(plan *Plan, s Settings) error {
	cr := plan.Claude
	cr.Model = plan.Model

	if plan.Thinking && cr.Thinking == nil {
		cr.Thinking = &ClaudeThinking{Type: "enabled", BudgetTokens: defaultThinkingBudget}
	}
	if cr.Thinking != nil && cr.Thinking.Type == "enabled" {
		plan.Thinking = true
		if cr.MaxTokens <= cr.Thinking.BudgetTokens {
			cr.MaxTokens = cr.Thinking.BudgetTokens + DefaultMaxTokens
		}
		// 开启思考时上游不接受自定义温度
		cr.Temperature = nil
		cr.TopK = nil
	}

	if plan.CLI {
		return nil
	}

	system := []ClaudeContentBlock{{Type: "text", Text: ClaudeCodeIdentity}}
	if s.CustomSystem != "" {
		system = append(system, ClaudeContentBlock{Type: "text", Text: s.CustomSystem})
	}
	switch v := cr.System.(type) {
	case string:
		if v != "" {
			system = append(system, ClaudeContentBlock{Type: "text", Text: v})
		}
	case []ClaudeContentBlock:
		system = append(system, v...)
	}
	cr.System = system

	if s.CustomPrompt != "" {
		appendToLastUser(cr, s.CustomPrompt)
	}
	return nil
}

func appendToLastUser(cr *ClaudeRequest, text string) {
	for i := len(cr.Messages) - 1; i >= 0; i-- {
		if cr.Messages[i].Role == "user" {
			cr.Messages[i].Content = append(blocksOf(cr.Messages[i].Content), ClaudeContentBlock{Type: "text", Text: text})
			return
		}
	}
}

type claudeWebBody struct {
	Prompt        string        `json:"prompt"`
	Model         string        `json:"model,omitempty"`
	Timezone      string        `json:"timezone"`
	RenderingMode string        `json:"rendering_mode"`
	Attachments   []interface{} `json:"attachments"`
	Files         []interface{} `json:"files"`
	Tools         []ClaudeTool  `json:"tools,omitempty"`
	PaprikaMode   string        `json:"paprika_mode,omitempty"`
	IsTemporary   bool          `json:"is_temporary"`
}

type claudeWebProvider struct{}

func (claudeWebProvider) Kind() models.ProviderKind { return models.KindClaudeWeb }

func (claudeWebProvider) BuildRequest(ctx context.Context, plan *Plan, cred Credential, s Settings) (*http.Request, error) {
	if cred.OrgID == "" {
		return nil, fmt.Errorf("claude_web credential has no organization id")
	}
	body := claudeWebBody{
		Prompt:        plan.Prompt,
		Model:         plan.Model,
		Timezone:      "UTC",
		RenderingMode: "messages",
		Attachments:   []interface{}{},
		Files:         []interface{}{},
		Tools:         plan.Claude.Tools,
		IsTemporary:   !s.PreserveChats,
	}
	if plan.Thinking {
		body.PaprikaMode = "extended"
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal claude web request: %w", err)
	}

	base := strings.TrimRight(s.BaseURL(models.KindClaudeWeb), "/")
	endpoint := fmt.Sprintf("%s/api/organizations/%s/chat_conversations/%s/completion", base, cred.OrgID, uuid.NewString())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cookie", "sessionKey="+cred.Secret)
	req.Header.Set("Origin", base)
	req.Header.Set("Referer", base+"/new")
	return req, nil
}

// BuildOrganizationsRequest 查询 claude.ai 会话所属的组织列表
func BuildOrganizationsRequest(ctx context.Context, cred Credential, s Settings) (*http.Request, error) {
	base := strings.TrimRight(s.BaseURL(models.KindClaudeWeb), "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/organizations", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cookie", "sessionKey="+cred.Secret)
	req.Header.Set("Origin", base)
	req.Header.Set("Referer", base+"/new")
	return req, nil
}

// ParseOrganization 从组织列表中选出第一个具备 chat 能力的组织；没有时返回空串
func ParseOrganization(body []byte) string {
	var org string
	gjson.ParseBytes(body).ForEach(func(_, item gjson.Result) bool {
		id := item.Get("uuid").String()
		if id == "" {
			return true
		}
		for _, c := range item.Get("capabilities").Array() {
			if c.String() == "chat" {
				org = id
				return false
			}
		}
		return true
	})
	return org
}

func (claudeWebProvider) NewStreamTranslator(plan *Plan) StreamTranslator {
	return newClaudeTranslator(plan)
}

type claudeCodeProvider struct{}

func (claudeCodeProvider) Kind() models.ProviderKind { return models.KindClaudeCode }

func (claudeCodeProvider) BuildRequest(ctx context.Context, plan *Plan, cred Credential, s Settings) (*http.Request, error) {
	body := *plan.Claude
	body.Model = plan.Model
	body.Stream = true
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal claude request: %w", err)
	}

	base := strings.TrimRight(s.BaseURL(models.KindClaudeCode), "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/messages?beta=true", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	betas := []string{claudeCodeBeta}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("anthropic-version", anthropicVersion)
	if strings.HasPrefix(cred.Secret, "sk-ant-api") {
		req.Header.Set("x-api-key", cred.Secret)
	} else {
		req.Header.Set("Authorization", "Bearer "+cred.Secret)
		betas = append(betas, oauthBeta)
	}
	if plan.Thinking {
		betas = append(betas, thinkingBeta)
	}
	req.Header.Set("anthropic-beta", strings.Join(betas, ","))
	return req, nil
}

func (claudeCodeProvider) NewStreamTranslator(plan *Plan) StreamTranslator {
	return newClaudeTranslator(plan)
}

func newClaudeTranslator(plan *Plan) StreamTranslator {
	if plan.Endpoint.Schema == SchemaOpenAI {
		return newClaudeToOpenAI(plan.ClientModel)
	}
	return newClaudePassthrough()
}
