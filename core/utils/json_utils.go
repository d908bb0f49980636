package utils

// unsupportedSchemaKeys Gemini functionDeclarations 不接受的 JSON Schema 字段
var unsupportedSchemaKeys = []string{
	"default",
	"minLength",
	"maxLength",
	"additionalProperties",
	"title",
	"examples",
	"$schema",
	"$id",
	"$ref",
	"$defs",
	"definitions",
	"exclusiveMinimum",
	"exclusiveMaximum",
	"patternProperties",
	"const",
	"strict",
}

// SanitizeJSONSchema 返回清洗后的 JSON Schema 副本，移除 Google Gemini 不支持的字段
// 原始 schema 不会被修改
func SanitizeJSONSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		out[k] = v
	}

	// 移除不支持的字段
	for _, key := range unsupportedSchemaKeys {
		delete(out, key)
	}

	// 修正 type 字段 (Gemini 不支持数组类型的 type，如 ["string", "null"])
	if typeArr, ok := out["type"].([]interface{}); ok {
		out["type"] = firstNonNullType(typeArr)
	}

	// anyOf / oneOf 只保留第一个非 null 分支
	for _, key := range []string{"anyOf", "oneOf"} {
		branches, ok := out[key].([]interface{})
		if !ok {
			continue
		}
		delete(out, key)
		for _, b := range branches {
			child, ok := b.(map[string]interface{})
			if !ok || child["type"] == "null" {
				continue
			}
			for k, v := range SanitizeJSONSchema(child) {
				if _, exists := out[k]; !exists {
					out[k] = v
				}
			}
			break
		}
	}

	// 递归处理 properties
	if props, ok := out["properties"].(map[string]interface{}); ok {
		cleaned := make(map[string]interface{}, len(props))
		for name, v := range props {
			if child, ok := v.(map[string]interface{}); ok {
				cleaned[name] = SanitizeJSONSchema(child)
			} else {
				cleaned[name] = v
			}
		}
		out["properties"] = cleaned
	}

	// 递归处理 items (数组)
	if items, ok := out["items"].(map[string]interface{}); ok {
		out["items"] = SanitizeJSONSchema(items)
	}
	return out
}

func firstNonNullType(types []interface{}) interface{} {
	for _, t := range types {
		if s, ok := t.(string); ok && s != "null" {
			return s
		}
	}
	return "string"
}
