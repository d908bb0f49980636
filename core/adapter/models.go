package adapter

import (
	"sort"

	"llm-relay/models"
)

var claudeModels = []string{
	"claude-3-7-sonnet-20250219",
	"claude-sonnet-4-20250514",
	"claude-sonnet-4-5-20250929",
	"claude-opus-4-20250514",
	"claude-opus-4-1-20250805",
	"claude-opus-4-5-20251101",
	"claude-opus-4-5",
}

var geminiModels = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
}

// ModelList 返回某类提供商可用的模型列表，包括 "-thinking" 变体与配置的别名
func ModelList(kind models.ProviderKind, aliases map[string]string) models.ModelList {
	base := claudeModels
	if familyOf(kind) == familyGemini {
		base = geminiModels
	}

	ids := make([]string, 0, len(base)*2+len(aliases))
	for _, m := range base {
		ids = append(ids, m, m+"-thinking")
	}
	aliasIDs := make([]string, 0, len(aliases))
	for alias := range aliases {
		aliasIDs = append(aliasIDs, alias)
	}
	sort.Strings(aliasIDs)
	ids = append(ids, aliasIDs...)

	list := models.ModelList{Object: "list", Data: make([]models.ModelInfo, 0, len(ids))}
	for _, id := range ids {
		list.Data = append(list.Data, models.ModelInfo{ID: id, Object: "model", Created: 0, OwnedBy: "llm-relay"})
	}
	return list
}
