package adapter

import (
	"context"
	"fmt"
	"net/http"

	"llm-relay/models"
)

// Schema 客户端协议格式
type Schema int

const (
	SchemaOpenAI Schema = iota
	SchemaClaude
	SchemaGemini
)

func (s Schema) String() string {
	switch s {
	case SchemaClaude:
		return "claude"
	case SchemaGemini:
		return "gemini"
	default:
		return "openai"
	}
}

// Endpoint 客户端协议与上游提供商的组合
type Endpoint struct {
	Name   string
	Schema Schema
	Kind   models.ProviderKind
}

var (
	EndpointClaudeWeb        = Endpoint{Name: "claude_web", Schema: SchemaClaude, Kind: models.KindClaudeWeb}
	EndpointClaudeWebOpenAI  = Endpoint{Name: "claude_web_openai", Schema: SchemaOpenAI, Kind: models.KindClaudeWeb}
	EndpointClaudeCode       = Endpoint{Name: "claude_code", Schema: SchemaClaude, Kind: models.KindClaudeCode}
	EndpointClaudeCodeOpenAI = Endpoint{Name: "claude_code_openai", Schema: SchemaOpenAI, Kind: models.KindClaudeCode}
	EndpointGemini           = Endpoint{Name: "gemini", Schema: SchemaGemini, Kind: models.KindGemini}
	EndpointGeminiOpenAI     = Endpoint{Name: "gemini_openai", Schema: SchemaOpenAI, Kind: models.KindGemini}
	EndpointVertex           = Endpoint{Name: "vertex", Schema: SchemaGemini, Kind: models.KindVertex}
)

// Credential 构建上游请求所需的凭证信息
type Credential struct {
	Secret string
	OrgID  string
}

// Settings 翻译层读取的静态配置
type Settings struct {
	CustomPrompt       string
	CustomH            string
	CustomA            string
	CustomSystem       string
	ClaudeCodeClientID string
	PreserveChats      bool
	Aliases            map[string]string
	BaseURLs           map[models.ProviderKind]string
	VertexLocation     string
}

// BaseURL 返回提供商的上游地址
func (s Settings) BaseURL(kind models.ProviderKind) string {
	return s.BaseURLs[kind]
}

// Provider is the capability shared by the closed set of upstream kinds.
type Provider interface {
	Kind() models.ProviderKind
	// BuildRequest 构建上游 HTTP 请求（上游始终以流式返回）
	BuildRequest(ctx context.Context, plan *Plan, cred Credential, s Settings) (*http.Request, error)
	// NewStreamTranslator 返回把上游事件转换为客户端事件的翻译器
	NewStreamTranslator(plan *Plan) StreamTranslator
}

var providers = map[models.ProviderKind]Provider{
	models.KindClaudeWeb:  claudeWebProvider{},
	models.KindClaudeCode: claudeCodeProvider{},
	models.KindGemini:     geminiProvider{vertex: false},
	models.KindVertex:     geminiProvider{vertex: true},
}

// ProviderFor 按类型取提供商实现
func ProviderFor(kind models.ProviderKind) (Provider, error) {
	p, ok := providers[kind]
	if !ok {
		return nil, fmt.Errorf("no provider for kind %q", kind)
	}
	return p, nil
}
