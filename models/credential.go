package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ProviderKind 上游提供商类型（封闭集合）
type ProviderKind string

const (
	KindClaudeWeb  ProviderKind = "claude_web"
	KindClaudeCode ProviderKind = "claude_code"
	KindGemini     ProviderKind = "gemini"
	KindVertex     ProviderKind = "vertex"
)

// AllKinds lists every supported provider kind.
var AllKinds = []ProviderKind{KindClaudeWeb, KindClaudeCode, KindGemini, KindVertex}

// ParseProviderKind 解析提供商类型
func ParseProviderKind(s string) (ProviderKind, error) {
	k := ProviderKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown provider kind %q", s)
}

// Multiplexed 是否允许同一凭证并发服务多个请求
// claude.ai 的浏览器会话一次只能承载一个对话请求
func (k ProviderKind) Multiplexed() bool {
	return k != KindClaudeWeb
}

// HealthState 凭证健康状态
type HealthState uint8

const (
	StateUnverified HealthState = iota
	StateValid
	StateRateLimited
	StateRestricted
	StateNonPro
	StateInvalid
)

var stateNames = map[HealthState]string{
	StateUnverified:  "unverified",
	StateValid:       "valid",
	StateRateLimited: "rate_limited",
	StateRestricted:  "restricted",
	StateNonPro:      "non_pro",
	StateInvalid:     "invalid",
}

func (s HealthState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseHealthState 从存储的字符串恢复状态
func ParseHealthState(s string) (HealthState, error) {
	for state, name := range stateNames {
		if name == s {
			return state, nil
		}
	}
	return StateUnverified, fmt.Errorf("unknown health state %q", s)
}

// Health is the tagged health value of a credential. The cooldown expiry only
// exists on the rate-limited variant; the zero value is Unverified.
type Health struct {
	state HealthState
	until time.Time
}

func Unverified() Health { return Health{state: StateUnverified} }
func Valid() Health      { return Health{state: StateValid} }
func Restricted() Health { return Health{state: StateRestricted} }
func NonPro() Health     { return Health{state: StateNonPro} }
func Invalid() Health    { return Health{state: StateInvalid} }

// RateLimitedUntil 构造带冷却截止时间的限流状态
func RateLimitedUntil(t time.Time) Health {
	return Health{state: StateRateLimited, until: t}
}

// HealthFrom rebuilds a Health from its persisted parts. A rate-limited state
// without an expiry is treated as already expired.
func HealthFrom(state HealthState, until *time.Time) Health {
	if state != StateRateLimited {
		return Health{state: state}
	}
	if until == nil {
		return RateLimitedUntil(time.Time{})
	}
	return RateLimitedUntil(*until)
}

func (h Health) State() HealthState { return h.state }

// Expiry 返回冷却截止时间，仅限流状态有效
func (h Health) Expiry() (time.Time, bool) {
	if h.state != StateRateLimited {
		return time.Time{}, false
	}
	return h.until, true
}

// Expired reports whether a rate-limited cooldown has elapsed at now.
func (h Health) Expired(now time.Time) bool {
	return h.state == StateRateLimited && !now.Before(h.until)
}

// Terminal 限流之外的失败状态需要运维介入才会恢复
func (h Health) Terminal() bool {
	switch h.state {
	case StateRestricted, StateNonPro, StateInvalid:
		return true
	}
	return false
}

func (h Health) String() string {
	if h.state == StateRateLimited {
		return fmt.Sprintf("%s(until %s)", h.state, h.until.Format(time.RFC3339))
	}
	return h.state.String()
}

// Credential 单个上游身份（会话 Cookie 或 API Key）
type Credential struct {
	ID              string       `json:"id"`
	Secret          string       `json:"-"`
	Kind            ProviderKind `json:"kind"`
	Health          Health       `json:"-"`
	LastUsed        time.Time    `json:"last_used"`
	Successes       int64        `json:"successes"`
	Failures        int64        `json:"failures"`
	RateLimitStreak int          `json:"rate_limit_streak"`
	OrgID           string       `json:"org_id,omitempty"`
	Models          []string     `json:"models,omitempty"`
	Usage           Usage        `json:"usage"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// NewCredential 创建新凭证，ID 由内容派生且不可变
func NewCredential(kind ProviderKind, secret string) Credential {
	secret = NormalizeSecret(kind, secret)
	now := time.Now()
	return Credential{
		ID:        CredentialID(kind, secret),
		Secret:    secret,
		Kind:      kind,
		Health:    Unverified(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CredentialID derives the stable identifier of a secret.
func CredentialID(kind ProviderKind, secret string) string {
	sum := sha256.Sum256([]byte(string(kind) + ":" + secret))
	return hex.EncodeToString(sum[:8])
}

// NormalizeSecret 去掉粘贴时常见的前缀和空白
func NormalizeSecret(kind ProviderKind, secret string) string {
	secret = strings.TrimSpace(secret)
	if kind == KindClaudeWeb {
		secret = strings.TrimPrefix(secret, "sessionKey=")
		if i := strings.IndexByte(secret, ';'); i >= 0 {
			secret = secret[:i]
		}
	}
	return secret
}

// AllowsModel 模型白名单为空表示全部允许
func (c *Credential) AllowsModel(model string) bool {
	if len(c.Models) == 0 || model == "" {
		return true
	}
	for _, m := range c.Models {
		if strings.EqualFold(m, model) {
			return true
		}
	}
	return false
}

// CredentialStatus 管理接口展示用的凭证视图
type CredentialStatus struct {
	ID              string       `json:"id"`
	Kind            ProviderKind `json:"kind"`
	Secret          string       `json:"secret"`
	State           string       `json:"state"`
	CooldownUntil   *time.Time   `json:"cooldown_until,omitempty"`
	InFlight        int          `json:"in_flight"`
	LastUsed        time.Time    `json:"last_used"`
	Successes       int64        `json:"successes"`
	Failures        int64        `json:"failures"`
	RateLimitStreak int          `json:"rate_limit_streak"`
	OrgID           string       `json:"org_id,omitempty"`
	Models          []string     `json:"models,omitempty"`
	Usage           Usage        `json:"usage"`
}

// StatusOf builds the masked admin view of a credential.
func StatusOf(c Credential, inFlight int) CredentialStatus {
	s := CredentialStatus{
		ID:              c.ID,
		Kind:            c.Kind,
		Secret:          MaskSecret(c.Secret),
		State:           c.Health.State().String(),
		InFlight:        inFlight,
		LastUsed:        c.LastUsed,
		Successes:       c.Successes,
		Failures:        c.Failures,
		RateLimitStreak: c.RateLimitStreak,
		OrgID:           c.OrgID,
		Models:          c.Models,
		Usage:           c.Usage,
	}
	if until, ok := c.Health.Expiry(); ok {
		s.CooldownUntil = &until
	}
	return s
}
