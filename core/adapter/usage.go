package adapter

import (
	"strings"

	"github.com/tidwall/gjson"

	"llm-relay/models"
)

// UsageMeter 从上游原始事件中读取 token 用量，与客户端协议无关。
// 上游没有报告时（claude.ai 网页端）用 counter 估算
type UsageMeter struct {
	kind    models.ProviderKind
	plan    *Plan
	counter *TokenCounter

	input  int64
	output int64
	text   strings.Builder
}

func NewUsageMeter(kind models.ProviderKind, plan *Plan, counter *TokenCounter) *UsageMeter {
	return &UsageMeter{kind: kind, plan: plan, counter: counter}
}

// Observe 记录一个上游事件
func (m *UsageMeter) Observe(ev Event) {
	data := gjson.ParseBytes(ev.Data)
	switch m.kind {
	case models.KindGemini, models.KindVertex:
		// usageMetadata 是累计值，取最后一次
		if u := data.Get("usageMetadata"); u.Exists() {
			m.input = u.Get("promptTokenCount").Int()
			m.output = u.Get("candidatesTokenCount").Int() + u.Get("thoughtsTokenCount").Int()
		}
	default:
		switch data.Get("type").String() {
		case "message_start":
			if n := data.Get("message.usage.input_tokens").Int(); n > 0 {
				m.input = n
			}
		case "message_delta":
			if n := data.Get("usage.output_tokens").Int(); n > 0 {
				m.output = n
			}
			if n := data.Get("usage.input_tokens").Int(); n > 0 {
				m.input = n
			}
		case "content_block_delta":
			m.text.WriteString(data.Get("delta.text").String())
			m.text.WriteString(data.Get("delta.thinking").String())
		}
	}
}

// Usage 返回输入、输出 token 数
func (m *UsageMeter) Usage() (input, output int64) {
	input, output = m.input, m.output
	if input == 0 {
		input = int64(m.counter.CountPlan(m.plan))
	}
	if output == 0 {
		output = int64(m.counter.CountText(m.text.String()))
	}
	return input, output
}
