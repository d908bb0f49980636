package core

import (
	"errors"
	"fmt"
	"net/http"

	"llm-relay/models"
)

var (
	// ErrPoolExhausted 没有可用凭证（全部占用、冷却或失效）
	ErrPoolExhausted = errors.New("no available credentials")
	// ErrCredentialNotFound 凭证 ID 不存在
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrCredentialBusy 非复用凭证已被占用
	ErrCredentialBusy = errors.New("credential is in use")
)

// ErrorKind 调度失败类别
type ErrorKind int

const (
	KindClientError ErrorKind = iota
	KindPoolExhausted
	KindUpstreamClassified
	KindUpstreamTransient
	KindTranslation
	KindStreamCancelled
	KindTimeout
	KindInternal
)

var errorKindNames = map[ErrorKind]string{
	KindClientError:        "client_error",
	KindPoolExhausted:      "pool_exhausted",
	KindUpstreamClassified: "upstream_classified",
	KindUpstreamTransient:  "upstream_transient",
	KindTranslation:        "translation",
	KindStreamCancelled:    "stream_cancelled",
	KindTimeout:            "timeout",
	KindInternal:           "internal",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// DispatchError 调度的最终失败，前端据此渲染错误响应
type DispatchError struct {
	Kind     ErrorKind
	Provider models.ProviderKind
	Attempts int
	// Outcome 最后一次尝试的分类结果（仅上游失败时有意义）
	Outcome Outcome
	Err     error
}

func (e *DispatchError) Error() string {
	msg := e.Kind.String()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Attempts > 0 {
		return fmt.Sprintf("%s after %d attempt(s)", msg, e.Attempts)
	}
	return msg
}

func (e *DispatchError) Unwrap() error { return e.Err }

// StatusCode 映射到返回给客户端的 HTTP 状态码
func (e *DispatchError) StatusCode() int {
	switch e.Kind {
	case KindClientError:
		if e.Outcome.Status >= 400 && e.Outcome.Status < 500 {
			return e.Outcome.Status
		}
		return http.StatusBadRequest
	case KindPoolExhausted:
		return http.StatusServiceUnavailable
	case KindUpstreamClassified:
		if e.Outcome.Kind == OutcomeRateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	case KindUpstreamTransient:
		return http.StatusBadGateway
	case KindTranslation:
		if e.Outcome.Kind == OutcomeMalformed {
			return http.StatusBadGateway
		}
		return http.StatusBadRequest
	case KindStreamCancelled:
		return 499
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorType 客户端协议中的错误类型字段
func (e *DispatchError) ErrorType() string {
	switch e.Kind {
	case KindClientError, KindTranslation:
		if e.Outcome.Kind == OutcomeMalformed {
			return "api_error"
		}
		return "invalid_request_error"
	case KindPoolExhausted:
		return "overloaded_error"
	case KindUpstreamClassified:
		if e.Outcome.Kind == OutcomeRateLimited {
			return "rate_limit_error"
		}
		return "api_error"
	case KindTimeout:
		return "timeout_error"
	default:
		return "api_error"
	}
}
