package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"llm-relay/config"
	"llm-relay/core/adapter"
	"llm-relay/models"
)

const claudeBody = `{"model":"claude-sonnet-4-5","max_tokens":256,"stream":%t,"messages":[{"role":"user","content":"hi"}]}`

const openAIBody = `{"model":"claude-sonnet-4-5","stream":%t,"messages":[{"role":"user","content":"hi"}]}`

var claudeStream = []string{
	`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"usage":{"input_tokens":5,"output_tokens":0}}}`,
	`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
	`{"type":"content_block_stop","index":0}`,
	`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}`,
	`{"type":"message_stop"}`,
}

// writeClaudeEvents 以 SSE 格式写出 Claude 事件
func writeClaudeEvents(w http.ResponseWriter, events []string) {
	for _, data := range events {
		name := gjson.Get(data, "type").String()
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func startStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

type dispatchFixture struct {
	pool       *Pool
	store      *GormStore
	dispatcher *Dispatcher
	metrics    *Metrics
	recorder   *memoryRecorder
	cfg        *config.Config
}

func newDispatchFixture(t *testing.T, upstream http.Handler, mutate func(cfg *config.Config)) *dispatchFixture {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Upstream.ClaudeCode = srv.URL
	cfg.Upstream.ClaudeWeb = srv.URL
	cfg.Upstream.Gemini = srv.URL
	cfg.RequestTimeout = 5 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	store := newTestStore(t)
	pool := newTestPool(t, store, PoolOptionsFrom(cfg))
	clients, err := NewHTTPClientFactory("", "")
	require.NoError(t, err)
	counter, err := adapter.NewTokenCounter()
	require.NoError(t, err)
	metrics := NewMetrics(nil)
	recorder := &memoryRecorder{}

	return &dispatchFixture{
		pool:       pool,
		store:      store,
		dispatcher: NewDispatcher(pool, clients, config.NewHolder(cfg), counter, newTestLogger(), metrics, recorder),
		metrics:    metrics,
		recorder:   recorder,
		cfg:        cfg,
	}
}

// addCredentials 写入 Valid 凭证并让池重新加载
func (f *dispatchFixture) addCredentials(t *testing.T, kind models.ProviderKind, secrets ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(secrets))
	for _, s := range secrets {
		cred := models.NewCredential(kind, s)
		cred.Health = models.Valid()
		require.NoError(t, f.store.Save(context.Background(), cred))
		ids = append(ids, cred.ID)
	}
	require.NoError(t, f.pool.Reconcile(context.Background()))
	return ids
}

func newRequest(ep adapter.Endpoint, body string, maxRetries int) (*RequestContext, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	return &RequestContext{
		ID:         "req-test",
		Endpoint:   ep,
		Body:       []byte(body),
		MaxRetries: maxRetries,
		Sink:       w,
	}, w
}

func asDispatchError(t *testing.T, err error) *DispatchError {
	t.Helper()
	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	return derr
}

func TestDispatchRetriesRateLimitedCredential(t *testing.T) {
	var calls int32
	var keysMu sync.Mutex
	var keys []string
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keysMu.Lock()
		keys = append(keys, r.Header.Get("x-api-key"))
		keysMu.Unlock()
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
			return
		}
		startStream(w)
		writeClaudeEvents(w, claudeStream)
	})
	f := newDispatchFixture(t, upstream, nil)
	f.addCredentials(t, models.KindClaudeCode, "sk-ant-api03-first", "sk-ant-api03-second")

	rc, w := newRequest(adapter.EndpointClaudeCode, fmt.Sprintf(claudeBody, true), 3)
	require.NoError(t, f.dispatcher.Handle(context.Background(), rc))

	require.Len(t, rc.Attempts, 2)
	assert.NotEqual(t, rc.Attempts[0].CredentialID, rc.Attempts[1].CredentialID)
	assert.Equal(t, OutcomeRateLimited.String(), rc.Attempts[0].Outcome)
	assert.Equal(t, http.StatusTooManyRequests, rc.Attempts[0].Status)
	assert.Equal(t, OutcomeSuccess.String(), rc.Attempts[1].Outcome)
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0], keys[1])

	limited, _ := f.pool.Get(rc.Attempts[0].CredentialID)
	assert.Equal(t, models.StateRateLimited, limited.Health.State())
	served, _ := f.pool.Get(rc.Attempts[1].CredentialID)
	assert.Equal(t, models.StateValid, served.Health.State())
	assert.EqualValues(t, 1, served.Successes)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "Hello")
	assert.Contains(t, w.Body.String(), "event: message_stop")
	assert.True(t, rc.Committed())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.attemptsTotal.WithLabelValues("claude_code", "rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.attemptsTotal.WithLabelValues("claude_code", "success")))

	log := f.recorder.Last()
	require.NotNil(t, log)
	assert.Equal(t, http.StatusOK, log.StatusCode)
	assert.Equal(t, 2, log.Attempts)
	assert.Equal(t, rc.Attempts[1].CredentialID, log.CredentialID)
}

func TestDispatchPoolExhaustedWithInvalidCredentials(t *testing.T) {
	var calls int32
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})
	f := newDispatchFixture(t, upstream, nil)
	ids := f.addCredentials(t, models.KindClaudeCode, "sk-ant-api03-dead")
	f.pool.ReportOutcome(ids[0], Outcome{Kind: OutcomeInvalid})

	rc, w := newRequest(adapter.EndpointClaudeCode, fmt.Sprintf(claudeBody, false), 3)
	derr := asDispatchError(t, f.dispatcher.Handle(context.Background(), rc))

	assert.Equal(t, KindPoolExhausted, derr.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, derr.StatusCode())
	assert.ErrorIs(t, derr, ErrPoolExhausted)
	assert.Empty(t, rc.Attempts)
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.False(t, rc.Committed())
	assert.Zero(t, w.Body.Len())
}

func TestDispatchUnsupportedFeatureFailsBeforeSelection(t *testing.T) {
	var calls int32
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})
	f := newDispatchFixture(t, upstream, nil)
	ids := f.addCredentials(t, models.KindClaudeCode, "sk-ant-api03-untouched")

	body := `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}],"tools":[{"type":"code_interpreter"}]}`
	rc, _ := newRequest(adapter.EndpointClaudeCodeOpenAI, body, 3)
	derr := asDispatchError(t, f.dispatcher.Handle(context.Background(), rc))

	assert.Equal(t, KindTranslation, derr.Kind)
	assert.Equal(t, http.StatusBadRequest, derr.StatusCode())
	assert.Empty(t, rc.Attempts)
	assert.Zero(t, atomic.LoadInt32(&calls))

	cred, _ := f.pool.Get(ids[0])
	assert.True(t, cred.LastUsed.IsZero())
}

func TestDispatchInvalidRequest(t *testing.T) {
	f := newDispatchFixture(t, http.NotFoundHandler(), nil)
	f.addCredentials(t, models.KindClaudeCode, "sk-ant-api03-any")

	rc, _ := newRequest(adapter.EndpointClaudeCode, `{"model":"claude-sonnet-4-5","messages":[]}`, 1)
	derr := asDispatchError(t, f.dispatcher.Handle(context.Background(), rc))
	assert.Equal(t, KindClientError, derr.Kind)
	assert.Equal(t, http.StatusBadRequest, derr.StatusCode())
	assert.Empty(t, rc.Attempts)
}

func TestDispatchBoundsAttemptsToDistinctCredentials(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"type":"error","error":{"type":"api_error","message":"boom"}}`)
	})
	f := newDispatchFixture(t, upstream, nil)
	f.addCredentials(t, models.KindClaudeCode, "sk-ant-api03-1", "sk-ant-api03-2", "sk-ant-api03-3", "sk-ant-api03-4")

	rc, _ := newRequest(adapter.EndpointClaudeCode, fmt.Sprintf(claudeBody, false), 2)
	derr := asDispatchError(t, f.dispatcher.Handle(context.Background(), rc))

	assert.Equal(t, KindUpstreamTransient, derr.Kind)
	assert.Equal(t, http.StatusBadGateway, derr.StatusCode())
	assert.Equal(t, 3, derr.Attempts)
	assert.Contains(t, derr.Error(), "after 3 attempt(s)")
	require.Len(t, rc.Attempts, 3)

	seen := map[string]bool{}
	for _, a := range rc.Attempts {
		assert.False(t, seen[a.CredentialID], "credential %s reused", a.CredentialID)
		seen[a.CredentialID] = true
	}

	// 临时故障不影响凭证状态
	for id := range seen {
		cred, _ := f.pool.Get(id)
		assert.Equal(t, models.StateValid, cred.Health.State())
	}
}

func TestDispatchRejectedRequestNotRetried(t *testing.T) {
	var calls int32
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"prompt is too long"}}`)
	})
	f := newDispatchFixture(t, upstream, nil)
	f.addCredentials(t, models.KindClaudeCode, "sk-ant-api03-1", "sk-ant-api03-2")

	rc, _ := newRequest(adapter.EndpointClaudeCode, fmt.Sprintf(claudeBody, true), 3)
	derr := asDispatchError(t, f.dispatcher.Handle(context.Background(), rc))

	assert.Equal(t, KindClientError, derr.Kind)
	assert.Equal(t, http.StatusBadRequest, derr.StatusCode())
	assert.Contains(t, derr.Error(), "prompt is too long")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.False(t, rc.Committed())
}

func TestDispatchStreamAndNonStreamAgree(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startStream(w)
		writeClaudeEvents(w, claudeStream)
	})
	f := newDispatchFixture(t, upstream, nil)
	f.addCredentials(t, models.KindClaudeCode, "sk-ant-api03-equal")

	streamRC, streamW := newRequest(adapter.EndpointClaudeCodeOpenAI, fmt.Sprintf(openAIBody, true), 1)
	require.NoError(t, f.dispatcher.Handle(context.Background(), streamRC))

	var streamed strings.Builder
	var sawDone bool
	reader := adapter.NewEventReader(bytes.NewReader(streamW.Body.Bytes()))
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if ev.IsDone() {
			sawDone = true
			continue
		}
		streamed.WriteString(gjson.GetBytes(ev.Data, "choices.0.delta.content").String())
	}
	assert.True(t, sawDone)

	plainRC, plainW := newRequest(adapter.EndpointClaudeCodeOpenAI, fmt.Sprintf(openAIBody, false), 1)
	require.NoError(t, f.dispatcher.Handle(context.Background(), plainRC))
	assert.Equal(t, "application/json", plainW.Header().Get("Content-Type"))

	result := plainW.Body.Bytes()
	assert.Equal(t, "Hello world", streamed.String())
	assert.Equal(t, streamed.String(), gjson.GetBytes(result, "choices.0.message.content").String())
	assert.Equal(t, "stop", gjson.GetBytes(result, "choices.0.finish_reason").String())
	assert.Equal(t, "chat.completion", gjson.GetBytes(result, "object").String())
}

func TestDispatchRecordsUsageWindows(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startStream(w)
		writeClaudeEvents(w, claudeStream)
	})
	f := newDispatchFixture(t, upstream, nil)
	ids := f.addCredentials(t, models.KindClaudeCode, "sk-ant-api03-usage")

	for _, stream := range []bool{true, false} {
		rc, _ := newRequest(adapter.EndpointClaudeCode, fmt.Sprintf(claudeBody, stream), 1)
		require.NoError(t, f.dispatcher.Handle(context.Background(), rc))
	}

	cred, _ := f.pool.Get(ids[0])
	assert.EqualValues(t, 10, cred.Usage.Session.InputTokens)
	assert.EqualValues(t, 4, cred.Usage.Session.OutputTokens)
	assert.EqualValues(t, 10, cred.Usage.Weekly.InputTokens)
	assert.EqualValues(t, 10, cred.Usage.WeeklySonnet.InputTokens)
	assert.Zero(t, cred.Usage.WeeklyOpus.InputTokens)
	assert.NotNil(t, cred.Usage.Session.ResetsAt)
}

func TestDispatchEstimatesUsageWhenUpstreamOmitsIt(t *testing.T) {
	bare := []string{
		`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[]}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello world"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		`{"type":"message_stop"}`,
	}
	upstream := &webUpstream{events: bare}
	f := newDispatchFixture(t, upstream, nil)
	ids := f.addCredentials(t, models.KindClaudeWeb, "sk-ant-sid01-estimate")

	rc, _ := newRequest(adapter.EndpointClaudeWeb, fmt.Sprintf(claudeBody, true), 1)
	require.NoError(t, f.dispatcher.Handle(context.Background(), rc))

	cred, _ := f.pool.Get(ids[0])
	assert.Positive(t, cred.Usage.Session.InputTokens)
	assert.Positive(t, cred.Usage.Session.OutputTokens)
}

func TestDispatchEmptyUpstreamStream(t *testing.T) {
	var calls int32
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		startStream(w)
	})
	f := newDispatchFixture(t, upstream, nil)
	f.addCredentials(t, models.KindClaudeCode, "sk-ant-api03-1", "sk-ant-api03-2")

	rc, _ := newRequest(adapter.EndpointClaudeCode, fmt.Sprintf(claudeBody, true), 3)
	derr := asDispatchError(t, f.dispatcher.Handle(context.Background(), rc))

	assert.Equal(t, KindTranslation, derr.Kind)
	assert.Equal(t, OutcomeMalformed, derr.Outcome.Kind)
	assert.Equal(t, http.StatusBadGateway, derr.StatusCode())
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.False(t, rc.Committed())
}

func TestDispatchTruncatedStreamIsNotRetried(t *testing.T) {
	var calls int32
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		startStream(w)
		writeClaudeEvents(w, claudeStream[:3])
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	})
	f := newDispatchFixture(t, upstream, nil)
	ids := f.addCredentials(t, models.KindClaudeCode, "sk-ant-api03-1", "sk-ant-api03-2")

	rc, w := newRequest(adapter.EndpointClaudeCode, fmt.Sprintf(claudeBody, true), 3)
	derr := asDispatchError(t, f.dispatcher.Handle(context.Background(), rc))

	assert.Equal(t, KindUpstreamTransient, derr.Kind)
	assert.True(t, rc.Committed())
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Contains(t, w.Body.String(), "Hello")
	assert.NotContains(t, w.Body.String(), "message_stop")

	for _, id := range ids {
		cred, _ := f.pool.Get(id)
		assert.Equal(t, models.StateValid, cred.Health.State())
	}
}

func TestDispatchStreamErrorEventMarksCredential(t *testing.T) {
	var calls int32
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startStream(w)
		if atomic.AddInt32(&calls, 1) == 1 {
			writeClaudeEvents(w, []string{`{"type":"error","error":{"type":"rate_limit_error","message":"{\"type\":\"exceeded_limit\",\"resetsAt\":4102444800}"}}`})
			return
		}
		writeClaudeEvents(w, claudeStream)
	})
	f := newDispatchFixture(t, upstream, nil)
	f.addCredentials(t, models.KindClaudeCode, "sk-ant-api03-1", "sk-ant-api03-2")

	rc, _ := newRequest(adapter.EndpointClaudeCode, fmt.Sprintf(claudeBody, false), 3)
	require.NoError(t, f.dispatcher.Handle(context.Background(), rc))
	require.Len(t, rc.Attempts, 2)

	limited, _ := f.pool.Get(rc.Attempts[0].CredentialID)
	assert.Equal(t, models.StateRateLimited, limited.Health.State())
	until, ok := limited.Health.Expiry()
	require.True(t, ok)
	assert.Equal(t, time.Unix(4102444800, 0), until)
}

// cancelOnWrite 客户端收到第一个事件后断开
type cancelOnWrite struct {
	*httptest.ResponseRecorder
	cancel context.CancelFunc
	once   sync.Once
}

func (w *cancelOnWrite) Write(b []byte) (int, error) {
	n, err := w.ResponseRecorder.Write(b)
	w.once.Do(w.cancel)
	return n, err
}

func TestDispatchClientCancellationLeavesCredentialUntouched(t *testing.T) {
	upstreamGone := make(chan struct{})
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startStream(w)
		writeClaudeEvents(w, claudeStream[:1])
		select {
		case <-r.Context().Done():
			close(upstreamGone)
		case <-time.After(5 * time.Second):
		}
	})
	f := newDispatchFixture(t, upstream, nil)
	ids := f.addCredentials(t, models.KindClaudeCode, "sk-ant-api03-cancel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rc, _ := newRequest(adapter.EndpointClaudeCode, fmt.Sprintf(claudeBody, true), 3)
	rc.Sink = &cancelOnWrite{ResponseRecorder: httptest.NewRecorder(), cancel: cancel}

	derr := asDispatchError(t, f.dispatcher.Handle(ctx, rc))
	assert.Equal(t, KindStreamCancelled, derr.Kind)
	require.Len(t, rc.Attempts, 1)

	select {
	case <-upstreamGone:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream request was not cancelled")
	}

	cred, _ := f.pool.Get(ids[0])
	assert.Equal(t, models.StateValid, cred.Health.State())
	assert.Zero(t, cred.Successes)
	assert.Zero(t, cred.Failures)
	for _, st := range f.pool.Stats() {
		assert.Zero(t, st.InFlight)
	}
}

func TestDispatchTimeout(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	f := newDispatchFixture(t, upstream, func(cfg *config.Config) {
		cfg.RequestTimeout = 100 * time.Millisecond
	})
	f.addCredentials(t, models.KindClaudeCode, "sk-ant-api03-slow")

	rc, _ := newRequest(adapter.EndpointClaudeCode, fmt.Sprintf(claudeBody, false), 3)
	derr := asDispatchError(t, f.dispatcher.Handle(context.Background(), rc))

	assert.Equal(t, KindTimeout, derr.Kind)
	assert.Equal(t, http.StatusGatewayTimeout, derr.StatusCode())
	assert.False(t, rc.Committed())
	require.Len(t, rc.Attempts, 1)
	assert.Equal(t, KindTimeout.String(), rc.Attempts[0].Outcome)
}

// webUpstream 模拟 claude.ai：组织列表按会话返回，completion 记录所用组织
type webUpstream struct {
	// events completion 返回的事件，默认 claudeStream
	events    []string
	orgCalls  int32
	chatCalls int32
	mu        sync.Mutex
	paths     []string
}

func (u *webUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/api/organizations" {
		atomic.AddInt32(&u.orgCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.Header.Get("Cookie"), "apionly") {
			fmt.Fprint(w, `[{"uuid":"org-api","capabilities":["api"]}]`)
			return
		}
		fmt.Fprint(w, `[{"uuid":"org-api","capabilities":["api"]},{"uuid":"org-chat","capabilities":["chat","claude_pro"]}]`)
		return
	}
	atomic.AddInt32(&u.chatCalls, 1)
	u.mu.Lock()
	u.paths = append(u.paths, r.URL.Path)
	u.mu.Unlock()
	startStream(w)
	if u.events != nil {
		writeClaudeEvents(w, u.events)
		return
	}
	writeClaudeEvents(w, claudeStream)
}

func TestDispatchResolvesWebOrganization(t *testing.T) {
	upstream := &webUpstream{}
	f := newDispatchFixture(t, upstream, nil)
	ids := f.addCredentials(t, models.KindClaudeWeb, "sk-ant-sid01-noorg")

	for i := 0; i < 2; i++ {
		rc, w := newRequest(adapter.EndpointClaudeWeb, fmt.Sprintf(claudeBody, false), 2)
		require.NoError(t, f.dispatcher.Handle(context.Background(), rc))
		assert.Equal(t, http.StatusOK, w.Code)
		require.Len(t, rc.Attempts, 1)
	}

	// 组织只查询一次，之后直接使用
	assert.EqualValues(t, 1, atomic.LoadInt32(&upstream.orgCalls))
	assert.EqualValues(t, 2, atomic.LoadInt32(&upstream.chatCalls))
	upstream.mu.Lock()
	for _, p := range upstream.paths {
		assert.True(t, strings.HasPrefix(p, "/api/organizations/org-chat/chat_conversations/"), p)
	}
	upstream.mu.Unlock()

	cred, ok := f.pool.Get(ids[0])
	require.True(t, ok)
	assert.Equal(t, "org-chat", cred.OrgID)
	assert.Equal(t, models.StateValid, cred.Health.State())

	assert.Eventually(t, func() bool {
		stored, err := f.store.LoadAll(context.Background())
		return err == nil && len(stored) == 1 && stored[0].OrgID == "org-chat"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDispatchWebSessionWithoutChatOrganizationIsInvalidated(t *testing.T) {
	upstream := &webUpstream{}
	f := newDispatchFixture(t, upstream, nil)
	bad := f.addCredentials(t, models.KindClaudeWeb, "sk-ant-sid01-apionly")

	rc, _ := newRequest(adapter.EndpointClaudeWeb, fmt.Sprintf(claudeBody, false), 2)
	derr := asDispatchError(t, f.dispatcher.Handle(context.Background(), rc))
	assert.Equal(t, KindUpstreamClassified, derr.Kind)
	require.Len(t, rc.Attempts, 1)
	assert.Equal(t, OutcomeInvalid.String(), rc.Attempts[0].Outcome)
	assert.Zero(t, atomic.LoadInt32(&upstream.chatCalls))

	cred, _ := f.pool.Get(bad[0])
	assert.Equal(t, models.StateInvalid, cred.Health.State())
	assert.Empty(t, cred.OrgID)

	// 失效的会话不再被选中，请求落到其它凭证上
	good := f.addCredentials(t, models.KindClaudeWeb, "sk-ant-sid01-good")
	rc, _ = newRequest(adapter.EndpointClaudeWeb, fmt.Sprintf(claudeBody, false), 2)
	require.NoError(t, f.dispatcher.Handle(context.Background(), rc))
	require.Len(t, rc.Attempts, 1)
	assert.Equal(t, good[0], rc.Attempts[0].CredentialID)
	assert.EqualValues(t, 2, atomic.LoadInt32(&upstream.orgCalls))
}
