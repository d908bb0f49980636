package main

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"llm-relay/config"
	"llm-relay/core"
	"llm-relay/core/adapter"
	"llm-relay/core/mapper"
	"llm-relay/models"
)

// maxRequestBody 客户端请求体上限
const maxRequestBody = 32 << 20

// Version 构建时通过 -ldflags "-X main.Version=..." 注入
var Version = "dev"

// server 前端依赖集合
type server struct {
	holder      *config.Holder
	pool        *core.Pool
	dispatcher  *core.Dispatcher
	counter     *adapter.TokenCounter
	dispatchLog *core.AsyncDispatchLogger
	metrics     *core.Metrics
	limiter     *IPRateLimiter
	logger      *logrus.Logger
	startedAt   time.Time
}

// setupRoutes 设置路由
func setupRoutes(engine *gin.Engine, s *server) {
	// 公开路由 - 无需鉴权，无访问日志
	engine.GET("/health", s.handleHealth)
	engine.GET("/api/version", s.handleVersion)
	engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	engine.GET("/dashboard", handleDashboard())

	// Claude web
	claude := engine.Group("/v1", requestLoggerMiddleware(s.logger),
		rateLimitMiddleware(s.limiter, s.logger, adapter.SchemaClaude),
		authMiddleware(s.holder, adapter.SchemaClaude))
	{
		claude.POST("/messages", s.handleRelay(adapter.EndpointClaudeWeb))
		claude.POST("/messages/count_tokens", s.handleCountTokens(adapter.SchemaClaude))
	}
	openAI := engine.Group("/v1", requestLoggerMiddleware(s.logger),
		rateLimitMiddleware(s.limiter, s.logger, adapter.SchemaOpenAI),
		authMiddleware(s.holder, adapter.SchemaOpenAI))
	{
		openAI.POST("/chat/completions", s.handleRelay(adapter.EndpointClaudeWebOpenAI))
		openAI.GET("/models", s.handleModels(models.KindClaudeWeb))
	}

	// Claude Code
	code := engine.Group("/code/v1", requestLoggerMiddleware(s.logger),
		rateLimitMiddleware(s.limiter, s.logger, adapter.SchemaClaude),
		authMiddleware(s.holder, adapter.SchemaClaude))
	{
		code.POST("/messages", s.handleRelay(adapter.EndpointClaudeCode))
		code.POST("/messages/count_tokens", s.handleCountTokens(adapter.SchemaClaude))
	}
	codeOpenAI := engine.Group("/code/v1", requestLoggerMiddleware(s.logger),
		rateLimitMiddleware(s.limiter, s.logger, adapter.SchemaOpenAI),
		authMiddleware(s.holder, adapter.SchemaOpenAI))
	{
		codeOpenAI.POST("/chat/completions", s.handleRelay(adapter.EndpointClaudeCodeOpenAI))
		codeOpenAI.GET("/models", s.handleModels(models.KindClaudeCode))
	}

	// Gemini / Vertex
	gemini := engine.Group("/v1", requestLoggerMiddleware(s.logger),
		rateLimitMiddleware(s.limiter, s.logger, adapter.SchemaGemini),
		authMiddleware(s.holder, adapter.SchemaGemini))
	{
		gemini.POST("/v1beta/generateContent", s.handleGemini(adapter.EndpointGemini))
		gemini.POST("/v1beta/models/:target", s.handleGemini(adapter.EndpointGemini))
		gemini.POST("/vertex/v1beta/models/:target", s.handleGemini(adapter.EndpointVertex))
	}
	geminiOpenAI := engine.Group("/gemini", requestLoggerMiddleware(s.logger),
		rateLimitMiddleware(s.limiter, s.logger, adapter.SchemaOpenAI),
		authMiddleware(s.holder, adapter.SchemaOpenAI))
	{
		geminiOpenAI.POST("/chat/completions", s.handleRelay(adapter.EndpointGeminiOpenAI))
		geminiOpenAI.GET("/models", s.handleModels(models.KindGemini))
	}

	// 管理API路由组
	admin := engine.Group("/api", adminAuthMiddleware(s.holder))
	{
		admin.GET("/auth", s.handleAuthCheck)
		admin.GET("/credentials", s.handleListCredentials)
		admin.POST("/credential", s.handleSubmitCredential)
		admin.DELETE("/credential/:id", s.handleDeleteCredential)
		admin.GET("/credentials/watch", s.handleWatchCredentials)
		admin.GET("/logs", s.handleRecentLogs)
		admin.POST("/reconcile", s.handleReconcile)
	}
}

// readBody 读取请求体，超过上限返回 413
func readBody(c *gin.Context, schema adapter.Schema) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody+1))
	if err != nil {
		abortWithError(c, schema, http.StatusBadRequest, "invalid_request_error", "failed to read request body: "+err.Error())
		return nil, false
	}
	if len(body) > maxRequestBody {
		abortWithError(c, schema, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
		return nil, false
	}
	return body, true
}

// handleRelay OpenAI / Claude 协议的转发入口
func (s *server) handleRelay(ep adapter.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c, ep.Schema)
		if !ok {
			return
		}
		s.dispatch(c, ep, body, "", false)
	}
}

// handleGemini 解析 models/{model}:{action}
func (s *server) handleGemini(ep adapter.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c, ep.Schema)
		if !ok {
			return
		}

		model, action := c.Query("model"), "generateContent"
		if target := c.Param("target"); target != "" {
			var found bool
			model, action, found = strings.Cut(target, ":")
			if !found {
				abortWithError(c, ep.Schema, http.StatusNotFound, "invalid_request_error", "expected models/{model}:{action}")
				return
			}
		}
		if model == "" {
			model = gjson.GetBytes(body, "model").String()
		}
		model = strings.TrimPrefix(model, "models/")

		switch action {
		case "generateContent":
			s.dispatch(c, ep, body, model, c.Query("alt") == "sse")
		case "streamGenerateContent":
			s.dispatch(c, ep, body, model, true)
		case "countTokens":
			n, err := mapper.CountTokens(s.counter, adapter.SchemaGemini, body, model)
			if err != nil {
				abortWithError(c, ep.Schema, http.StatusBadRequest, "invalid_request_error", err.Error())
				return
			}
			c.JSON(http.StatusOK, gin.H{"totalTokens": n})
		default:
			abortWithError(c, ep.Schema, http.StatusNotFound, "invalid_request_error", "unsupported action "+action)
		}
	}
}

func (s *server) dispatch(c *gin.Context, ep adapter.Endpoint, body []byte, model string, stream bool) {
	rc := &core.RequestContext{
		ID:         requestID(c),
		Endpoint:   ep,
		Body:       body,
		UserAgent:  c.Request.UserAgent(),
		Model:      model,
		Stream:     stream,
		MaxRetries: s.holder.Current().MaxRetries,
		Sink:       c.Writer,
	}

	err := s.dispatcher.Handle(c.Request.Context(), rc)
	if err == nil || rc.Committed() {
		return
	}

	var derr *core.DispatchError
	if !errors.As(err, &derr) {
		derr = &core.DispatchError{Kind: core.KindInternal, Provider: ep.Kind, Err: err}
	}
	status := derr.StatusCode()
	if derr.Kind == core.KindStreamCancelled {
		// 客户端已经断开，无需写响应体
		c.Status(status)
		return
	}
	abortWithError(c, ep.Schema, status, derr.ErrorType(), derr.Error())
}

// handleCountTokens 本地计算 Claude 请求的输入 token
func (s *server) handleCountTokens(schema adapter.Schema) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c, schema)
		if !ok {
			return
		}
		n, err := mapper.CountTokens(s.counter, schema, body, "")
		if err != nil {
			abortWithError(c, schema, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"input_tokens": n})
	}
}

// handleModels 模型列表，包含配置的别名
func (s *server) handleModels(kind models.ProviderKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, adapter.ModelList(kind, s.holder.Current().Aliases()))
	}
}

// handleHealth 处理健康检查
func (s *server) handleHealth(c *gin.Context) {
	stats := s.pool.Stats()
	available := 0
	for _, st := range stats {
		if st.State == models.StateValid || st.State == models.StateUnverified {
			available += st.Count
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"credentials": available,
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"timestamp":   time.Now().Unix(),
	})
}

// handleVersion 版本信息
func (s *server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "llm-relay",
		"version": Version,
	})
}
