package core

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"llm-relay/config"
	"llm-relay/models"
)

// OutcomeKind 单次上游尝试的分类结果
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRateLimited
	OutcomeInvalid
	OutcomeNonPro
	OutcomeRestricted
	// OutcomeTransient 网络错误或 5xx，不惩罚凭证
	OutcomeTransient
	// OutcomeRejected 上游拒绝了请求本身（400/404/413 等），换凭证也没用
	OutcomeRejected
	// OutcomeMalformed 2xx 但响应体无法按提供商格式解析
	OutcomeMalformed
)

var outcomeNames = map[OutcomeKind]string{
	OutcomeSuccess:     "success",
	OutcomeRateLimited: "rate_limited",
	OutcomeInvalid:     "invalid",
	OutcomeNonPro:      "non_pro",
	OutcomeRestricted:  "restricted",
	OutcomeTransient:   "transient",
	OutcomeRejected:    "rejected",
	OutcomeMalformed:   "malformed",
}

func (k OutcomeKind) String() string {
	if name, ok := outcomeNames[k]; ok {
		return name
	}
	return "unknown"
}

// Outcome 分类结果及上游给出的细节
type Outcome struct {
	Kind OutcomeKind
	// Until 上游给出的限流解除时间，零值表示由冷却策略决定
	Until   time.Time
	Status  int
	Message string
}

// Retryable 是否值得换一个凭证重试
func (o Outcome) Retryable() bool {
	switch o.Kind {
	case OutcomeRateLimited, OutcomeInvalid, OutcomeNonPro, OutcomeRestricted, OutcomeTransient:
		return true
	}
	return false
}

// Penalizes 是否改变凭证健康状态
func (o Outcome) Penalizes() bool {
	switch o.Kind {
	case OutcomeRateLimited, OutcomeInvalid, OutcomeNonPro, OutcomeRestricted:
		return true
	}
	return false
}

func (o Outcome) String() string {
	if o.Status > 0 {
		return o.Kind.String() + " (" + strconv.Itoa(o.Status) + ")"
	}
	return o.Kind.String()
}

var (
	// 只在鉴权类响应（401/403/451/permission_error）里匹配，措辞必须具体
	restrictedMarkers = []string{
		"user location is not supported",
		"not available in your country",
		"not available in your region",
		"unsupported_country",
		"account has been restricted",
		"organization has been restricted",
	}
	nonProMarkers = []string{
		"claude pro",
		"requires a pro",
		"upgrade your plan",
		"requires a paid subscription",
		"only available for pro",
	}
	invalidMarkers = []string{
		"organization has been disabled",
		"account has been disabled",
		"invalid authorization",
		"invalid x-api-key",
		"api key not valid",
		"api_key_invalid",
		"oauth token has expired",
		"invalid bearer token",
		"authentication_error",
	}
)

// Classify 根据上游状态码、响应头和错误体判断失败类别
// 错误体格式：Anthropic {"type":"error","error":{"type","message"}}，
// Google {"error":{"code","message","status"}}（也可能包在数组里）
func Classify(kind models.ProviderKind, status int, header http.Header, body []byte) Outcome {
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		root = root.Get("0")
	}
	errType := root.Get("error.type").String()
	gStatus := root.Get("error.status").String()
	message := root.Get("error.message").String()
	if message == "" {
		message = strings.TrimSpace(string(body))
		if len(message) > 200 {
			message = message[:200]
		}
	}
	lower := strings.ToLower(message + " " + errType + " " + gStatus)

	out := Outcome{Status: status, Message: message}

	// 1. 限流
	if status == http.StatusTooManyRequests || errType == "rate_limit_error" || gStatus == "RESOURCE_EXHAUSTED" {
		out.Kind = OutcomeRateLimited
		out.Until = resetTime(root, message, header)
		return out
	}

	// 2. 上游临时故障（529 = Anthropic overloaded），不看错误文案
	if status >= 500 || errType == "overloaded_error" ||
		gStatus == "UNAVAILABLE" || gStatus == "INTERNAL" || gStatus == "DEADLINE_EXCEEDED" {
		out.Kind = OutcomeTransient
		return out
	}

	// 3. 鉴权类响应：地区限制、订阅等级不足或凭证失效
	authClass := status == http.StatusUnauthorized || status == http.StatusForbidden ||
		status == http.StatusUnavailableForLegalReasons ||
		errType == "permission_error" || errType == "authentication_error" ||
		gStatus == "PERMISSION_DENIED" || gStatus == "UNAUTHENTICATED" || gStatus == "FAILED_PRECONDITION"
	if authClass {
		switch {
		case status == http.StatusUnavailableForLegalReasons || containsAny(lower, restrictedMarkers):
			out.Kind = OutcomeRestricted
			return out
		case containsAny(lower, nonProMarkers):
			out.Kind = OutcomeNonPro
			return out
		case gStatus != "FAILED_PRECONDITION":
			out.Kind = OutcomeInvalid
			return out
		}
	}

	// 4. 其他 4xx 里只认明确的凭证失效信号
	if containsAny(lower, invalidMarkers) || googleReason(kind, root) == "API_KEY_INVALID" {
		out.Kind = OutcomeInvalid
		return out
	}

	out.Kind = OutcomeRejected
	return out
}

// resetTime 依次尝试 error.resets_at、消息内嵌 JSON 的 resetsAt、Retry-After
func resetTime(root gjson.Result, message string, header http.Header) time.Time {
	if ts := root.Get("error.resets_at").Int(); ts > 0 {
		return time.Unix(ts, 0)
	}
	if gjson.Valid(message) {
		if ts := gjson.Get(message, "resetsAt").Int(); ts > 0 {
			return time.Unix(ts, 0)
		}
	}
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Now().Add(time.Duration(secs) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// googleReason 取 Google 错误详情里的 reason 字段
func googleReason(kind models.ProviderKind, root gjson.Result) string {
	if kind != models.KindGemini && kind != models.KindVertex {
		return ""
	}
	for _, r := range root.Get("error.details.#.reason").Array() {
		if r.String() != "" {
			return r.String()
		}
	}
	return ""
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// CooldownPolicy 限流冷却时长策略
type CooldownPolicy struct {
	Exponential bool
	Base        time.Duration
	Max         time.Duration
}

// NewCooldownPolicy 从配置构造冷却策略
func NewCooldownPolicy(c config.CooldownConfig) CooldownPolicy {
	return CooldownPolicy{
		Exponential: c.Mode == config.CooldownExponential,
		Base:        c.Base,
		Max:         c.Max,
	}
}

// Duration 第 streak 次连续限流的冷却时长
// 指数模式为 base*2^(streak-1)，上限 max
func (p CooldownPolicy) Duration(streak int) time.Duration {
	if !p.Exponential || streak <= 1 {
		return p.Base
	}
	d := p.Base
	for i := 1; i < streak; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	return d
}

// Until 计算冷却截止时间，上游给出的时间优先
func (p CooldownPolicy) Until(now time.Time, streak int, upstream time.Time) time.Time {
	if !upstream.IsZero() && upstream.After(now) {
		return upstream
	}
	return now.Add(p.Duration(streak))
}
