package main

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"llm-relay/config"
	"llm-relay/core/adapter"
	"llm-relay/models"
)

const requestIDKey = "request_id"

// requestIDMiddleware 为每个请求分配 ID，客户端传入的 X-Request-ID 优先
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// requestLoggerMiddleware 请求日志中间件，只记录错误和非成功状态码
func requestLoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		statusCode := c.Writer.Status()
		latency := time.Since(start)
		if statusCode < 400 {
			log.Debugf("Request processed - %s %s (status: %d, latency: %v)",
				c.Request.Method, c.Request.URL.Path, statusCode, latency)
			return
		}

		entry := log.WithFields(logrus.Fields{
			"request_id":  requestID(c),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      statusCode,
			"latency":     latency,
			"client_ip":   c.ClientIP(),
			"user_agent":  c.Request.UserAgent(),
			"content_len": c.Request.ContentLength,
		})
		if statusCode >= 500 {
			entry.Error("Server error")
		} else {
			entry.Warn("Client error")
		}
	}
}

// corsMiddleware CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, X-Goog-Api-Key, Anthropic-Version, Anthropic-Beta, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// extractToken 支持 Bearer、x-api-key、x-goog-api-key 和 ?key= 四种方式
func extractToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimSpace(auth[7:])
		}
		return strings.TrimSpace(auth)
	}
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	if key := c.GetHeader("x-goog-api-key"); key != "" {
		return key
	}
	if key := c.Query("key"); key != "" {
		return key
	}
	return c.Query("token")
}

func tokenMatches(token, want string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}

// authMiddleware 业务接口鉴权，错误按客户端协议渲染
// 未配置 server.password 时放行
func authMiddleware(holder *config.Holder, schema adapter.Schema) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "OPTIONS" {
			c.Next()
			return
		}
		password := holder.Current().Server.Password
		if password == "" {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			abortWithError(c, schema, 401, "authentication_error", "Missing authentication token. Provide it as Bearer token, x-api-key, x-goog-api-key or ?key=")
			return
		}
		if !tokenMatches(token, password) {
			abortWithError(c, schema, 401, "authentication_error", "Invalid authentication token")
			return
		}
		c.Next()
	}
}

// adminAuthMiddleware 管理接口鉴权；未配置 admin_password 时拒绝所有请求
func adminAuthMiddleware(holder *config.Holder) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "OPTIONS" {
			c.Next()
			return
		}
		password := holder.Current().Server.AdminPassword
		if password == "" {
			c.AbortWithStatusJSON(403, models.NewErrorResponse("Admin API disabled: server.admin_password is not configured"))
			return
		}

		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(401, models.NewErrorResponse("Missing authentication token"))
			return
		}
		if !tokenMatches(token, password) {
			c.AbortWithStatusJSON(401, models.NewErrorResponse("Invalid token"))
			return
		}
		c.Next()
	}
}

func abortWithError(c *gin.Context, schema adapter.Schema, status int, errType, message string) {
	c.Data(status, "application/json", adapter.ErrorBody(schema, status, errType, message))
	c.Abort()
}

// client 包装限流器及其最后访问时间
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter 带有自动清理机制的 IP 限流器
type IPRateLimiter struct {
	clients map[string]*client
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
}

// NewIPRateLimiter r <= 0 表示不限流
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		clients: make(map[string]*client),
		rate:    r,
		burst:   b,
	}
}

// SetLimits 热加载时更新速率，已有的限流器一并调整
func (i *IPRateLimiter) SetLimits(r rate.Limit, b int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rate, i.burst = r, b
	for _, c := range i.clients {
		c.limiter.SetLimit(r)
		c.limiter.SetBurst(b)
	}
}

// Allow 判断该 IP 是否还有配额
func (i *IPRateLimiter) Allow(ip string) bool {
	i.mu.Lock()
	if i.rate <= 0 {
		i.mu.Unlock()
		return true
	}
	c, exists := i.clients[ip]
	if !exists {
		c = &client{limiter: rate.NewLimiter(i.rate, i.burst)}
		i.clients[ip] = c
	}
	c.lastSeen = time.Now()
	limiter := c.limiter
	i.mu.Unlock()
	return limiter.Allow()
}

// Cleanup 每分钟清理一次超过 3 分钟未活跃的 IP，直到 ctx 结束
func (i *IPRateLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.mu.Lock()
			for ip, c := range i.clients {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(i.clients, ip)
				}
			}
			i.mu.Unlock()
		}
	}
}

// rateLimitMiddleware IP 限流中间件
func rateLimitMiddleware(limiter *IPRateLimiter, log *logrus.Logger, schema adapter.Schema) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if !limiter.Allow(clientIP) {
			log.Warnf("Rate limit exceeded for IP: %s", clientIP)
			abortWithError(c, schema, 429, "rate_limit_error", "Too Many Requests")
			return
		}
		c.Next()
	}
}
