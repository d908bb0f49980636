package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"llm-relay/core/utils"
	"llm-relay/models"
)

// reasoningBudgets OpenAI reasoning_effort 对应的 Gemini 思考预算
var reasoningBudgets = map[string]int{
	"low":    1024,
	"medium": 8192,
	"high":   24576,
}

// OpenAIToGemini 将 OpenAI 请求转换为 Gemini 请求
func OpenAIToGemini(req *models.ChatCompletionRequest) (*GeminiRequest, error) {
	gr := &GeminiRequest{
		Contents: make([]GeminiContent, 0, len(req.Messages)),
	}

	// 1. System Prompt
	var systemParts []GeminiPart
	for _, msg := range req.Messages {
		if msg.Role == "system" || msg.Role == "developer" {
			systemParts = append(systemParts, GeminiPart{Text: msg.StringContent()})
		}
	}
	if len(systemParts) > 0 {
		gr.SystemInstruction = &GeminiContent{Parts: systemParts}
	}

	// 2. 转换 Messages
	callNames := make(map[string]string)
	for i, msg := range req.Messages {
		if msg.Role == "system" || msg.Role == "developer" {
			continue
		}

		content := GeminiContent{Role: "user"}
		if msg.Role == "assistant" {
			content.Role = "model"
		}

		if msg.Role == "tool" {
			// tool 消息不一定带 name，从之前的 tool_calls 里找回函数名
			name := msg.Name
			if name == "" {
				name = callNames[msg.ToolCallID]
			}
			content.Parts = append(content.Parts, GeminiPart{
				FunctionResponse: &GeminiFunctionResponse{
					Name:     name,
					Response: map[string]interface{}{"result": msg.StringContent()},
				},
			})
		} else {
			parts, err := openAIContentToGemini(msg.Content)
			if err != nil {
				return nil, invalidRequest("messages[%d]: %v", i, err)
			}
			content.Parts = append(content.Parts, parts...)

			for _, tc := range msg.ToolCalls {
				args := map[string]interface{}{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
						return nil, invalidRequest("messages[%d]: tool call %s has invalid arguments: %v", i, tc.ID, err)
					}
				}
				callNames[tc.ID] = tc.Function.Name
				content.Parts = append(content.Parts, GeminiPart{
					FunctionCall: &GeminiFunctionCall{Name: tc.Function.Name, Args: args},
				})
			}
		}
		if len(content.Parts) == 0 {
			continue
		}
		gr.Contents = append(gr.Contents, content)
	}
	if len(gr.Contents) == 0 {
		return nil, invalidRequest("messages must contain at least one non-system message")
	}

	// 3. Tools
	hasGoogleSearch := false
	var declarations []GeminiFunctionDeclaration
	for _, tool := range req.Tools {
		switch tool.Type {
		case "function":
			name := tool.Function.Name
			if name == "web_search" || name == "google_search" {
				hasGoogleSearch = true
				continue
			}
			declarations = append(declarations, GeminiFunctionDeclaration{
				Name:        name,
				Description: tool.Function.Description,
				Parameters:  utils.SanitizeJSONSchema(tool.Function.Parameters),
			})
		case "web_search", "web_search_preview":
			hasGoogleSearch = true
		default:
			return nil, unsupported("tool type %q is not supported", tool.Type)
		}
	}
	// 同时存在时优先本地函数工具
	if len(declarations) > 0 {
		gr.Tools = []GeminiTool{{FunctionDeclarations: declarations}}
		gr.ToolConfig = &GeminiToolConfig{FunctionCallingConfig: openAIToolChoiceToGemini(req.ToolChoice)}
	} else if hasGoogleSearch {
		gr.Tools = []GeminiTool{{GoogleSearch: map[string]interface{}{}}}
	}

	// 4. 转换配置参数
	cfg := &GeminiConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: stopSequences(req.Stop),
	}
	switch {
	case req.MaxCompletion != nil:
		cfg.MaxOutputTokens = *req.MaxCompletion
	case req.MaxTokens != nil:
		cfg.MaxOutputTokens = *req.MaxTokens
	}
	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "json_object":
			cfg.ResponseMimeType = "application/json"
		case "json_schema":
			cfg.ResponseMimeType = "application/json"
			if rf.JSONSchema != nil {
				cfg.ResponseSchema = utils.SanitizeJSONSchema(rf.JSONSchema.Schema)
			}
		}
	}
	if budget, ok := reasoningBudgets[req.ReasoningEffort]; ok {
		cfg.ThinkingConfig = &GeminiThinkingConfig{IncludeThoughts: true, ThinkingBudget: &budget}
	}
	gr.GenerationConfig = cfg
	return gr, nil
}

func openAIContentToGemini(content interface{}) ([]GeminiPart, error) {
	switch v := content.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []GeminiPart{{Text: v}}, nil
	case []interface{}:
		var parts []GeminiPart
		for _, item := range v {
			itemMap, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch itemMap["type"] {
			case "text":
				if text, ok := itemMap["text"].(string); ok {
					parts = append(parts, GeminiPart{Text: text})
				}
			case "image_url":
				src, err := imageSource(itemMap["image_url"])
				if err != nil {
					return nil, err
				}
				if src.Type != "base64" {
					parts = append(parts, GeminiPart{FileData: map[string]interface{}{"fileUri": src.URL}})
					continue
				}
				parts = append(parts, GeminiPart{InlineData: &GeminiInlineData{MimeType: src.MediaType, Data: src.Data}})
			default:
				return nil, fmt.Errorf("unsupported content part type %v", itemMap["type"])
			}
		}
		return parts, nil
	}
	return nil, fmt.Errorf("content must be a string or an array of parts")
}

func openAIToolChoiceToGemini(choice interface{}) *GeminiFunctionCallingConfig {
	switch v := choice.(type) {
	case string:
		switch v {
		case "none":
			return &GeminiFunctionCallingConfig{Mode: "NONE"}
		case "required":
			return &GeminiFunctionCallingConfig{Mode: "ANY"}
		}
	case map[string]interface{}:
		if fn, ok := v["function"].(map[string]interface{}); ok {
			if name, ok := fn["name"].(string); ok {
				return &GeminiFunctionCallingConfig{Mode: "ANY", AllowedFunctionNames: []string{name}}
			}
		}
	}
	return &GeminiFunctionCallingConfig{Mode: "AUTO"}
}

// finalizeGemini 清洗函数声明的 schema，非命令行客户端注入自定义首尾提示
func finalizeGemini(plan *Plan, s Settings) error {
	gr := plan.Gemini
	for i := range gr.Tools {
		for j := range gr.Tools[i].FunctionDeclarations {
			d := &gr.Tools[i].FunctionDeclarations[j]
			d.Parameters = utils.SanitizeJSONSchema(d.Parameters)
		}
	}
	if plan.Thinking {
		cfg := gr.GenerationConfig
		if cfg == nil {
			cfg = &GeminiConfig{}
			gr.GenerationConfig = cfg
		}
		if cfg.ThinkingConfig == nil {
			budget := defaultThinkingBudget
			cfg.ThinkingConfig = &GeminiThinkingConfig{IncludeThoughts: true, ThinkingBudget: &budget}
		}
	}

	if plan.CLI {
		return nil
	}
	if s.CustomSystem != "" {
		if gr.SystemInstruction == nil {
			gr.SystemInstruction = &GeminiContent{}
		}
		gr.SystemInstruction.Parts = append([]GeminiPart{{Text: s.CustomSystem}}, gr.SystemInstruction.Parts...)
	}
	if s.CustomPrompt != "" {
		for i := len(gr.Contents) - 1; i >= 0; i-- {
			if gr.Contents[i].Role == "" || gr.Contents[i].Role == "user" {
				gr.Contents[i].Parts = append(gr.Contents[i].Parts, GeminiPart{Text: s.CustomPrompt})
				break
			}
		}
	}
	return nil
}

type geminiProvider struct {
	vertex bool
}

func (p geminiProvider) Kind() models.ProviderKind {
	if p.vertex {
		return models.KindVertex
	}
	return models.KindGemini
}

func (p geminiProvider) BuildRequest(ctx context.Context, plan *Plan, cred Credential, s Settings) (*http.Request, error) {
	raw, err := json.Marshal(plan.Gemini)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gemini request: %w", err)
	}

	base := strings.TrimRight(s.BaseURL(p.Kind()), "/")
	model := url.PathEscape(plan.Model)
	var endpoint string
	if p.vertex {
		if cred.OrgID == "" {
			return nil, fmt.Errorf("vertex credential has no project id")
		}
		location := s.VertexLocation
		if location == "" {
			location = "us-central1"
		}
		endpoint = fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:streamGenerateContent",
			base, url.PathEscape(cred.OrgID), url.PathEscape(location), model)
	} else {
		endpoint = fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent", base, model)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	q := u.Query()
	q.Set("alt", "sse")
	if !p.vertex {
		q.Set("key", cred.Secret)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if p.vertex {
		req.Header.Set("Authorization", "Bearer "+cred.Secret)
	}
	return req, nil
}

func (p geminiProvider) NewStreamTranslator(plan *Plan) StreamTranslator {
	if plan.Endpoint.Schema == SchemaOpenAI {
		return newGeminiToOpenAI(plan.ClientModel)
	}
	return newGeminiPassthrough()
}
