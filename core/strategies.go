package core

import (
	"llm-relay/config"
	"llm-relay/models"
)

// LRUStrategy 最久未使用的凭证优先，负载均匀分摊到每个凭证
type LRUStrategy struct{}

func (s *LRUStrategy) Name() string { return config.SelectionLRU }

func (s *LRUStrategy) Less(a, b *models.Credential) bool {
	if !a.LastUsed.Equal(b.LastUsed) {
		return a.LastUsed.Before(b.LastUsed)
	}
	return a.ID < b.ID
}

// FillFirstStrategy 总是优先使用最早加入的凭证，直到它进入冷却
// 适合把滚动窗口额度一个一个用满
type FillFirstStrategy struct{}

func (s *FillFirstStrategy) Name() string { return config.SelectionFillFirst }

func (s *FillFirstStrategy) Less(a, b *models.Credential) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// StrategyFor 按名称返回策略，未知名称退回 lru
func StrategyFor(name string) SelectionStrategy {
	if name == config.SelectionFillFirst {
		return &FillFirstStrategy{}
	}
	return &LRUStrategy{}
}
