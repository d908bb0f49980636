package models

import (
	"strings"
	"time"
)

const (
	// SessionWindow claude.ai 会话额度的滚动窗口
	SessionWindow = 5 * time.Hour
	// WeeklyWindow 周额度窗口
	WeeklyWindow = 7 * 24 * time.Hour
)

// UsageWindow 一个计量窗口内累计的 token 用量；ResetsAt 为空表示窗口尚未开始
type UsageWindow struct {
	InputTokens  int64      `gorm:"default:0" json:"input_tokens"`
	OutputTokens int64      `gorm:"default:0" json:"output_tokens"`
	ResetsAt     *time.Time `json:"resets_at,omitempty"`
}

// Usage 凭证的用量窗口，模型相关的周窗口只统计对应系列
type Usage struct {
	Session      UsageWindow `gorm:"embedded;embeddedPrefix:session_" json:"session"`
	Weekly       UsageWindow `gorm:"embedded;embeddedPrefix:weekly_" json:"weekly"`
	WeeklySonnet UsageWindow `gorm:"embedded;embeddedPrefix:weekly_sonnet_" json:"weekly_sonnet"`
	WeeklyOpus   UsageWindow `gorm:"embedded;embeddedPrefix:weekly_opus_" json:"weekly_opus"`
}

// refresh 到达重置时间时清零，并从 now 开始新窗口
func (w *UsageWindow) refresh(now time.Time, window time.Duration) bool {
	if w.ResetsAt == nil || now.Before(*w.ResetsAt) {
		return false
	}
	next := now.Add(window)
	*w = UsageWindow{ResetsAt: &next}
	return true
}

func (w *UsageWindow) add(now time.Time, window time.Duration, input, output int64) {
	if w.ResetsAt == nil {
		next := now.Add(window)
		w.ResetsAt = &next
	}
	w.InputTokens += input
	w.OutputTokens += output
}

// Refresh 懒惰重置所有到期的窗口，返回是否有变化
func (u *Usage) Refresh(now time.Time) bool {
	changed := u.Session.refresh(now, SessionWindow)
	changed = u.Weekly.refresh(now, WeeklyWindow) || changed
	changed = u.WeeklySonnet.refresh(now, WeeklyWindow) || changed
	changed = u.WeeklyOpus.refresh(now, WeeklyWindow) || changed
	return changed
}

// Record 把一次成功请求的用量计入各窗口
func (u *Usage) Record(now time.Time, model string, input, output int64) {
	u.Refresh(now)
	u.Session.add(now, SessionWindow, input, output)
	u.Weekly.add(now, WeeklyWindow, input, output)
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus"):
		u.WeeklyOpus.add(now, WeeklyWindow, input, output)
	case strings.Contains(m, "sonnet"):
		u.WeeklySonnet.add(now, WeeklyWindow, input, output)
	}
}

// Reset 清空全部窗口（进入冷却或失效时）
func (u *Usage) Reset() {
	*u = Usage{}
}
