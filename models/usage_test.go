package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageRecordByModelFamily(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var u Usage

	u.Record(now, "claude-sonnet-4-5-20250929", 100, 20)
	u.Record(now.Add(time.Minute), "claude-opus-4-1", 50, 10)
	u.Record(now.Add(2*time.Minute), "gemini-2.5-pro", 7, 3)

	assert.EqualValues(t, 157, u.Session.InputTokens)
	assert.EqualValues(t, 33, u.Session.OutputTokens)
	assert.EqualValues(t, 157, u.Weekly.InputTokens)
	assert.EqualValues(t, 100, u.WeeklySonnet.InputTokens)
	assert.EqualValues(t, 50, u.WeeklyOpus.InputTokens)

	// 窗口从第一次用量开始计时
	require.NotNil(t, u.Session.ResetsAt)
	assert.Equal(t, now.Add(SessionWindow), *u.Session.ResetsAt)
	require.NotNil(t, u.WeeklyOpus.ResetsAt)
	assert.Equal(t, now.Add(time.Minute).Add(WeeklyWindow), *u.WeeklyOpus.ResetsAt)
}

func TestUsageRefreshResetsDueWindows(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var u Usage
	u.Record(now, "claude-sonnet-4-5", 100, 20)

	assert.False(t, u.Refresh(now.Add(time.Hour)))

	later := now.Add(SessionWindow)
	assert.True(t, u.Refresh(later))
	assert.Zero(t, u.Session.InputTokens)
	require.NotNil(t, u.Session.ResetsAt)
	assert.Equal(t, later.Add(SessionWindow), *u.Session.ResetsAt)
	// 周窗口未到期
	assert.EqualValues(t, 100, u.Weekly.InputTokens)
	assert.EqualValues(t, 100, u.WeeklySonnet.InputTokens)

	assert.True(t, u.Refresh(now.Add(WeeklyWindow)))
	assert.Zero(t, u.Weekly.InputTokens)
	assert.Zero(t, u.WeeklySonnet.OutputTokens)

	// 过期窗口之后的用量从新窗口开始计
	u.Record(now.Add(WeeklyWindow+time.Hour), "claude-sonnet-4-5", 1, 1)
	assert.EqualValues(t, 1, u.Weekly.InputTokens)
}

func TestUsageSurvivesRecordRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewCredential(KindClaudeWeb, "sk-ant-sid01-usage")
	c.Usage.Record(now, "claude-opus-4-1", 10, 5)

	back, err := c.ToRecord().ToCredential()
	require.NoError(t, err)
	assert.Equal(t, c.Usage, back.Usage)
	assert.Equal(t, c.Usage, StatusOf(c, 0).Usage)

	c.Usage.Reset()
	assert.Nil(t, c.Usage.Session.ResetsAt)
	assert.Zero(t, c.Usage.WeeklyOpus.InputTokens)
}
