package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CredentialRecord 凭证持久化记录
type CredentialRecord struct {
	ID              string     `gorm:"primaryKey;size:32" json:"id"`
	Kind            string     `gorm:"index;not null" json:"kind"`
	Secret          string     `gorm:"not null" json:"-"`
	State           string     `gorm:"not null;default:unverified" json:"state"`
	CooldownUntil   *time.Time `json:"cooldown_until,omitempty"`
	LastUsed        time.Time  `json:"last_used"`
	Successes       int64      `gorm:"default:0" json:"successes"`
	Failures        int64      `gorm:"default:0" json:"failures"`
	RateLimitStreak int        `gorm:"default:0" json:"rate_limit_streak"`
	OrgID           string     `json:"org_id"`
	Models          string     `json:"models"` // JSON 数组
	Usage           Usage      `gorm:"embedded" json:"usage"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime:false" json:"updated_at"`
}

func (CredentialRecord) TableName() string { return "credentials" }

// ToRecord 转换为持久化记录（Secret 由存储层负责加密）
func (c Credential) ToRecord() CredentialRecord {
	rec := CredentialRecord{
		ID:              c.ID,
		Kind:            string(c.Kind),
		Secret:          c.Secret,
		State:           c.Health.State().String(),
		LastUsed:        c.LastUsed,
		Successes:       c.Successes,
		Failures:        c.Failures,
		RateLimitStreak: c.RateLimitStreak,
		OrgID:           c.OrgID,
		Usage:           c.Usage,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	if until, ok := c.Health.Expiry(); ok {
		u := until
		rec.CooldownUntil = &u
	}
	if len(c.Models) > 0 {
		b, _ := json.Marshal(c.Models)
		rec.Models = string(b)
	}
	return rec
}

// ToCredential 从持久化记录恢复凭证
func (r CredentialRecord) ToCredential() (Credential, error) {
	kind, err := ParseProviderKind(r.Kind)
	if err != nil {
		return Credential{}, fmt.Errorf("credential %s: %w", r.ID, err)
	}
	state, err := ParseHealthState(r.State)
	if err != nil {
		return Credential{}, fmt.Errorf("credential %s: %w", r.ID, err)
	}
	c := Credential{
		ID:              r.ID,
		Secret:          r.Secret,
		Kind:            kind,
		Health:          HealthFrom(state, r.CooldownUntil),
		LastUsed:        r.LastUsed,
		Successes:       r.Successes,
		Failures:        r.Failures,
		RateLimitStreak: r.RateLimitStreak,
		OrgID:           r.OrgID,
		Usage:           r.Usage,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.Models != "" {
		if err := json.Unmarshal([]byte(r.Models), &c.Models); err != nil {
			return Credential{}, fmt.Errorf("credential %s: bad model list: %w", r.ID, err)
		}
	}
	return c, nil
}

// DispatchLog 单次客户端请求的调度记录（含所有尝试）
type DispatchLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	RequestID    string    `gorm:"index" json:"request_id"`
	Endpoint     string    `json:"endpoint"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Stream       bool      `json:"stream"`
	StatusCode   int       `json:"status_code"`
	Attempts     int       `json:"attempts"`
	CredentialID string    `json:"credential_id"`
	Duration     int64     `json:"duration"` // 毫秒
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMsg     string    `json:"error_msg,omitempty"`
	History      string    `json:"history,omitempty"` // JSON 编码的尝试记录
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&CredentialRecord{},
		&DispatchLog{},
	)
}
