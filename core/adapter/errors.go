package adapter

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// RequestError 客户端请求格式错误，不会消耗任何凭证
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string { return e.Message }

func invalidRequest(format string, args ...interface{}) error {
	return &RequestError{Message: fmt.Sprintf(format, args...)}
}

// TranslationError marks a schema mismatch. Upstream is true when the upstream
// payload could not be parsed, false when the client asked for a feature the
// chosen provider cannot express. Neither case is retried.
type TranslationError struct {
	Upstream bool
	Reason   string
}

func (e *TranslationError) Error() string {
	if e.Upstream {
		return "malformed upstream response: " + e.Reason
	}
	return "unsupported request: " + e.Reason
}

func unsupported(format string, args ...interface{}) error {
	return &TranslationError{Reason: fmt.Sprintf(format, args...)}
}

func malformed(format string, args ...interface{}) error {
	return &TranslationError{Upstream: true, Reason: fmt.Sprintf(format, args...)}
}

// UpstreamStreamError 上游在流中途返回的错误事件
type UpstreamStreamError struct {
	Message string
}

func (e *UpstreamStreamError) Error() string {
	return "upstream stream error: " + e.Message
}

// ErrorBody 按客户端协议格式渲染错误响应体
func ErrorBody(schema Schema, status int, errType, message string) []byte {
	var v interface{}
	switch schema {
	case SchemaClaude:
		v = map[string]interface{}{
			"type": "error",
			"error": map[string]string{
				"type":    errType,
				"message": message,
			},
		}
	case SchemaGemini:
		v = map[string]interface{}{
			"error": map[string]interface{}{
				"code":    status,
				"message": message,
				"status":  googleStatus(status),
			},
		}
	default:
		v = map[string]interface{}{
			"error": map[string]string{
				"message": message,
				"type":    errType,
				"code":    fmt.Sprint(status),
			},
		}
	}
	b, _ := json.Marshal(v)
	return b
}

func googleStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	default:
		return "INTERNAL"
	}
}
