package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-relay/models"
)

func TestOpenAIToGemini_ConvertRequest(t *testing.T) {
	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"city": map[string]interface{}{"type": "string", "default": "Paris"},
		},
	}
	req := models.ChatCompletionRequest{
		Model: "gemini-2.5-pro",
		Messages: []models.ChatMessage{
			{Role: "system", Content: "Be brief."},
			{Role: "user", Content: "Weather?"},
			{Role: "assistant", ToolCalls: []models.ChatToolCall{
				{ID: "call_1", Type: "function", Function: models.ChatToolCallFunc{Name: "get_weather", Arguments: `{"city":"Paris"}`}},
			}},
			{Role: "tool", ToolCallID: "call_1", Content: "sunny"},
		},
		Tools: []models.ChatTool{{
			Type:     "function",
			Function: models.ChatToolFunction{Name: "get_weather", Parameters: schema},
		}},
		ReasoningEffort: "low",
	}

	gr, err := OpenAIToGemini(&req)
	require.NoError(t, err)

	require.NotNil(t, gr.SystemInstruction)
	assert.Equal(t, "Be brief.", gr.SystemInstruction.Parts[0].Text)
	require.Len(t, gr.Contents, 3)
	assert.Equal(t, "model", gr.Contents[1].Role)
	assert.Equal(t, "get_weather", gr.Contents[1].Parts[0].FunctionCall.Name)

	// tool 消息没有 name 时从前面的 tool_calls 找回
	fr := gr.Contents[2].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "user", gr.Contents[2].Role)
	assert.Equal(t, "get_weather", fr.Name)

	require.Len(t, gr.Tools, 1)
	params := gr.Tools[0].FunctionDeclarations[0].Parameters
	assert.NotContains(t, params, "additionalProperties")
	assert.Contains(t, schema, "additionalProperties", "client schema must stay untouched")
	assert.Equal(t, "AUTO", gr.ToolConfig.FunctionCallingConfig.Mode)

	require.NotNil(t, gr.GenerationConfig.ThinkingConfig)
	assert.Equal(t, 1024, *gr.GenerationConfig.ThinkingConfig.ThinkingBudget)
}

func TestOpenAIToGemini_WebSearch(t *testing.T) {
	req := models.ChatCompletionRequest{
		Model:    "gemini-2.5-flash",
		Messages: []models.ChatMessage{{Role: "user", Content: "news?"}},
		Tools:    []models.ChatTool{{Type: "web_search_preview"}},
	}
	gr, err := OpenAIToGemini(&req)
	require.NoError(t, err)
	require.Len(t, gr.Tools, 1)
	assert.NotNil(t, gr.Tools[0].GoogleSearch)
	assert.Nil(t, gr.ToolConfig)
}

func TestPrepare_GeminiInjection(t *testing.T) {
	body := `{
		"contents":[{"role":"user","parts":[{"text":"hi"},{"inline_data":{"mimeType":"image/png","data":"AAAA"}}]}],
		"tools":[{"functionDeclarations":[{"name":"f","parameters":{"type":"object","additionalProperties":false}}]}]
	}`
	s := Settings{CustomSystem: "cs", CustomPrompt: "tail"}

	plan, err := Prepare(EndpointGemini, []byte(body), s, PrepareOptions{Model: "gemini-2.5-pro", Stream: true})
	require.NoError(t, err)

	assert.True(t, plan.Stream)
	assert.Equal(t, "gemini-2.5-pro", plan.Model)
	require.NotNil(t, plan.Gemini.SystemInstruction)
	assert.Equal(t, "cs", plan.Gemini.SystemInstruction.Parts[0].Text)

	parts := plan.Gemini.Contents[0].Parts
	require.Len(t, parts, 3)
	require.NotNil(t, parts[1].InlineData)
	assert.Nil(t, parts[1].InlineDataSnake)
	assert.Equal(t, "tail", parts[2].Text)

	assert.NotContains(t, plan.Gemini.Tools[0].FunctionDeclarations[0].Parameters, "additionalProperties")
}

func TestPrepare_GeminiRequiresModel(t *testing.T) {
	_, err := Prepare(EndpointGemini, []byte(`{"contents":[{"parts":[{"text":"hi"}]}]}`), Settings{}, PrepareOptions{})
	var re *RequestError
	assert.ErrorAs(t, err, &re)

	_, err = Prepare(EndpointGemini, []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`), Settings{}, PrepareOptions{Model: "m"})
	assert.ErrorAs(t, err, &re)
}

func TestGeminiProvider_BuildRequest(t *testing.T) {
	plan, err := Prepare(EndpointGeminiOpenAI, []byte(`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`), Settings{}, PrepareOptions{})
	require.NoError(t, err)
	s := Settings{
		BaseURLs: map[models.ProviderKind]string{
			models.KindGemini: "https://generativelanguage.googleapis.com",
			models.KindVertex: "https://aiplatform.googleapis.com",
		},
		VertexLocation: "europe-west4",
	}

	t.Run("gemini", func(t *testing.T) {
		p, err := ProviderFor(models.KindGemini)
		require.NoError(t, err)
		req, err := p.BuildRequest(context.Background(), plan, Credential{Secret: "AIzaTest"}, s)
		require.NoError(t, err)
		assert.Equal(t, "/v1beta/models/gemini-2.5-pro:streamGenerateContent", req.URL.Path)
		assert.Equal(t, "sse", req.URL.Query().Get("alt"))
		assert.Equal(t, "AIzaTest", req.URL.Query().Get("key"))
	})

	t.Run("vertex", func(t *testing.T) {
		p, err := ProviderFor(models.KindVertex)
		require.NoError(t, err)
		req, err := p.BuildRequest(context.Background(), plan, Credential{Secret: "ya29.token", OrgID: "my-project"}, s)
		require.NoError(t, err)
		assert.Equal(t, "/v1/projects/my-project/locations/europe-west4/publishers/google/models/gemini-2.5-pro:streamGenerateContent", req.URL.Path)
		assert.Empty(t, req.URL.Query().Get("key"))
		assert.Equal(t, "Bearer ya29.token", req.Header.Get("Authorization"))

		var sent GeminiRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&sent))
		assert.Equal(t, "hi", sent.Contents[0].Parts[0].Text)
	})
}

func TestGeminiToOpenAI_Stream(t *testing.T) {
	// 1. 模拟 Gemini SSE 服务器
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		// 发送第一块数据
		fmt.Fprintf(w, "data: %s\r\n\r\n", `{"candidates": [{"content": {"parts": [{"text": "Hello"}]}, "finishReason": ""}]}`)
		w.(http.Flusher).Flush()

		// 发送第二块数据
		fmt.Fprintf(w, "data: %s\r\n\r\n", `{"candidates": [{"content": {"parts": [{"text": " World"}]}, "finishReason": "STOP"}], "usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 2, "totalTokenCount": 6}}`)
		w.(http.Flusher).Flush()
	}))
	defer ts.Close()

	// 2. 模拟请求上游
	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	// 3. 逐事件翻译
	events, err := translateStream(t, newGeminiToOpenAI("gemini-2.5-pro"), resp.Body)
	require.NoError(t, err)

	// 4. 验证输出
	s := summarizeOpenAI(t, events)
	assert.Equal(t, "Hello World", s.content)
	assert.Equal(t, "stop", s.finish)
	assert.True(t, s.done)
	assert.True(t, events[len(events)-1].IsDone())
}

func TestGeminiToOpenAI_FunctionCall(t *testing.T) {
	stream := "data: " + `{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_weather","args":{"city":"Paris"}}}]},"finishReason":"STOP"}]}` + "\n\n"
	events, err := translateStream(t, newGeminiToOpenAI("gpt-4o"), strings.NewReader(stream))
	require.NoError(t, err)

	s := summarizeOpenAI(t, events)
	assert.Equal(t, "get_weather", s.names[0])
	assert.JSONEq(t, `{"city":"Paris"}`, s.args[0])
	assert.Equal(t, "tool_calls", s.finish)
}

func TestGeminiPassthrough_SynthesizesStop(t *testing.T) {
	stream := "data: " + `{"candidates":[{"content":{"role":"model","parts":[{"text":"partial"}]}}]}` + "\n\n"
	events, err := translateStream(t, newGeminiPassthrough(), strings.NewReader(stream))
	require.NoError(t, err)
	require.Len(t, events, 2)

	var last GeminiResponse
	require.NoError(t, json.Unmarshal(events[1].Data, &last))
	assert.Equal(t, "STOP", last.Candidates[0].FinishReason)
}

func TestGeminiPassthrough_ErrorChunk(t *testing.T) {
	_, err := newGeminiPassthrough().Translate(Event{Data: []byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`)})
	var se *UpstreamStreamError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Message, "RESOURCE_EXHAUSTED")
}

func TestGeminiStreamMatchesAccumulatedResponse(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"thinking...","thought":true}]}}]}`,
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}`,
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6},"modelVersion":"gemini-2.5-pro"}`,
	}, "\n\n") + "\n\n"

	t.Run("gemini client", func(t *testing.T) {
		plan := &Plan{Endpoint: EndpointGemini, ClientModel: "gemini-2.5-pro"}
		events, err := translateStream(t, newGeminiPassthrough(), strings.NewReader(stream))
		require.NoError(t, err)

		acc := NewAccumulator(plan, nil)
		for _, ev := range events {
			require.NoError(t, acc.Add(ev))
		}
		raw, err := acc.Result()
		require.NoError(t, err)

		var resp GeminiResponse
		require.NoError(t, json.Unmarshal(raw, &resp))
		parts := resp.Candidates[0].Content.Parts
		require.Len(t, parts, 2)
		assert.True(t, parts[0].Thought)
		assert.Equal(t, "Hello", parts[1].Text)
		assert.Equal(t, "STOP", resp.Candidates[0].FinishReason)
		assert.Equal(t, 6, resp.UsageMetadata.TotalTokenCount)
		assert.Equal(t, "gemini-2.5-pro", resp.ModelVersion)
	})

	t.Run("openai client", func(t *testing.T) {
		plan := &Plan{Endpoint: EndpointGeminiOpenAI, ClientModel: "gemini-2.5-pro"}
		events, err := translateStream(t, newGeminiToOpenAI(plan.ClientModel), strings.NewReader(stream))
		require.NoError(t, err)

		acc := NewAccumulator(plan, nil)
		for _, ev := range events {
			require.NoError(t, acc.Add(ev))
		}
		raw, err := acc.Result()
		require.NoError(t, err)

		var resp models.ChatCompletionResponse
		require.NoError(t, json.Unmarshal(raw, &resp))
		s := summarizeOpenAI(t, events)
		assert.Equal(t, s.content, resp.Choices[0].Message.Content)
		assert.Equal(t, "thinking...", resp.Choices[0].Message.ReasoningContent)
		assert.Equal(t, 6, resp.Usage.TotalTokens)
	})
}

func TestModelList(t *testing.T) {
	list := ModelList(models.KindClaudeWeb, map[string]string{"sonnet": "claude-sonnet-4-5-20250929"})
	assert.Equal(t, "list", list.Object)

	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	assert.Contains(t, ids, "claude-opus-4-5")
	assert.Contains(t, ids, "claude-opus-4-5-thinking")
	assert.Contains(t, ids, "sonnet")
	assert.NotContains(t, ids, "gemini-2.5-pro")

	gemini := ModelList(models.KindVertex, nil)
	assert.Equal(t, "gemini-2.5-pro", gemini.Data[0].ID)
}
