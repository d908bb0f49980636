package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"llm-relay/config"
	"llm-relay/core/adapter"
	"llm-relay/models"
)

// maxErrorBody 读取上游错误体的上限
const maxErrorBody = 64 << 10

// maxOrgBody 组织列表响应的上限
const maxOrgBody = 1 << 20

// Attempt 一次上游尝试的记录（凭证只按 ID 引用）
type Attempt struct {
	CredentialID string `json:"credential_id"`
	Index        int    `json:"index"`
	Status       int    `json:"status,omitempty"`
	Outcome      string `json:"outcome"`
	DurationMs   int64  `json:"duration_ms"`
	Error        string `json:"error,omitempty"`
}

// RequestContext 一个客户端请求的调度上下文
type RequestContext struct {
	ID        string
	Endpoint  adapter.Endpoint
	Body      []byte
	UserAgent string
	// Model / Stream 由 Gemini 协议的 URL 决定，其它协议留空
	Model      string
	Stream     bool
	MaxRetries int
	Sink       ResponseSink

	Attempts  []Attempt
	committed bool
}

// Committed 响应是否已开始写出（此后不能再渲染错误 JSON）
func (rc *RequestContext) Committed() bool { return rc.committed }

// SettingsFrom 从配置构造翻译层设置
func SettingsFrom(cfg *config.Config) adapter.Settings {
	return adapter.Settings{
		CustomPrompt:       cfg.CustomPrompt,
		CustomH:            cfg.CustomH,
		CustomA:            cfg.CustomA,
		CustomSystem:       cfg.CustomSystem,
		ClaudeCodeClientID: cfg.ClaudeCodeClientID,
		PreserveChats:      cfg.PreserveChats,
		Aliases:            cfg.Aliases(),
		BaseURLs: map[models.ProviderKind]string{
			models.KindClaudeWeb:  cfg.Upstream.ClaudeWeb,
			models.KindClaudeCode: cfg.Upstream.ClaudeCode,
			models.KindGemini:     cfg.Upstream.Gemini,
			models.KindVertex:     cfg.Upstream.Vertex,
		},
		VertexLocation: cfg.VertexLocation,
	}
}

// Dispatcher 调度引擎：选凭证、调用上游、分类失败、重试、流式写回
type Dispatcher struct {
	pool     *Pool
	clients  ClientFactory
	config   *config.Holder
	counter  *adapter.TokenCounter
	logger   *logrus.Logger
	metrics  *Metrics
	recorder DispatchRecorder
}

// NewDispatcher 构造函数强制要求依赖注入；metrics / recorder 可为 nil
func NewDispatcher(
	pool *Pool,
	clients ClientFactory,
	holder *config.Holder,
	counter *adapter.TokenCounter,
	logger *logrus.Logger,
	metrics *Metrics,
	recorder DispatchRecorder,
) *Dispatcher {
	return &Dispatcher{
		pool:     pool,
		clients:  clients,
		config:   holder,
		counter:  counter,
		logger:   logger,
		metrics:  metrics,
		recorder: recorder,
	}
}

// Handle 处理一个客户端请求。返回 nil 表示响应已完整写出；
// 返回 *DispatchError 时若 rc.Committed() 为 false，由调用方按客户端协议渲染错误
func (d *Dispatcher) Handle(ctx context.Context, rc *RequestContext) error {
	start := time.Now()
	cfg := d.config.Current()
	settings := SettingsFrom(cfg)
	kind := rc.Endpoint.Kind

	// 1. 校验并翻译请求，失败时不会触碰任何凭证
	plan, err := adapter.Prepare(rc.Endpoint, rc.Body, settings, adapter.PrepareOptions{
		UserAgent: rc.UserAgent,
		Model:     rc.Model,
		Stream:    rc.Stream,
	})
	if err != nil {
		derr := prepareError(kind, err)
		d.finish(rc, nil, derr, start)
		return derr
	}
	provider, err := adapter.ProviderFor(kind)
	if err != nil {
		derr := &DispatchError{Kind: KindInternal, Provider: kind, Err: err}
		d.finish(rc, plan, derr, start)
		return derr
	}

	if cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
	}

	d.logger.Infof("🚀 Request: ID=%s | Endpoint=%s | Model=%s | Stream=%v", rc.ID, rc.Endpoint.Name, plan.Model, plan.Stream)

	// 2. 尝试循环
	maxAttempts := rc.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var last *DispatchError
	var tried []string
	for i := 0; i < maxAttempts; i++ {
		if derr := contextError(ctx, kind, len(rc.Attempts)); derr != nil {
			last = derr
			break
		}

		lease, err := d.pool.Select(kind, Constraints{
			Model:           plan.Model,
			RequiresPro:     plan.RequiresPro,
			Avoid:           tried,
			ConversationKey: plan.ConversationKey,
		})
		if err != nil {
			// 池耗尽不在内部重试；已有上游失败时报告更具体的那个
			if last == nil {
				last = &DispatchError{
					Kind:     KindPoolExhausted,
					Provider: kind,
					Attempts: len(rc.Attempts),
					Err:      fmt.Errorf("%w for %s model %s", ErrPoolExhausted, kind, plan.Model),
				}
			}
			break
		}
		tried = append(tried, lease.ID())

		derr, retry := d.attempt(ctx, rc, plan, provider, lease, settings, i, maxAttempts)
		lease.Release()
		if derr == nil {
			d.finish(rc, plan, nil, start)
			return nil
		}
		last = derr
		if !retry {
			break
		}
	}

	last.Attempts = len(rc.Attempts)
	d.finish(rc, plan, last, start)
	return last
}

// attempt 执行一次上游调用；retry 表示失败可以换凭证重试
func (d *Dispatcher) attempt(
	ctx context.Context,
	rc *RequestContext,
	plan *adapter.Plan,
	provider adapter.Provider,
	lease *Lease,
	settings adapter.Settings,
	index, maxAttempts int,
) (derr *DispatchError, retry bool) {
	started := time.Now()
	cred := lease.Credential
	kind := cred.Kind
	rec := Attempt{CredentialID: cred.ID, Index: index}
	defer func() {
		rec.DurationMs = time.Since(started).Milliseconds()
		if derr != nil && rec.Error == "" {
			rec.Error = derr.Error()
		}
		rc.Attempts = append(rc.Attempts, rec)
	}()

	d.logger.Infof("🎯 Attempt %d/%d: Using [%s] %s (Credential: %s)", index+1, maxAttempts, kind, plan.Model, cred.ID)

	// claude.ai 会话首次使用时先查出组织
	if kind == models.KindClaudeWeb && cred.OrgID == "" {
		org, derr, retry := d.resolveOrganization(ctx, &rec, cred, settings, index)
		if derr != nil {
			return derr, retry
		}
		cred.OrgID = org
	}

	req, err := provider.BuildRequest(ctx, plan, adapter.Credential{Secret: cred.Secret, OrgID: cred.OrgID}, settings)
	if err != nil {
		rec.Outcome = "build_error"
		d.logger.Warnf("⚠️ Attempt %d Failed: cannot build request for credential %s: %v", index+1, cred.ID, err)
		return &DispatchError{Kind: KindInternal, Provider: kind, Err: err}, true
	}

	resp, err := d.clients.ClientFor(&cred).Do(req)
	if err != nil {
		if cerr := contextError(ctx, kind, 0); cerr != nil {
			rec.Outcome = cerr.Kind.String()
			return cerr, false
		}
		outcome := Outcome{Kind: OutcomeTransient, Message: err.Error()}
		rec.Outcome = outcome.Kind.String()
		d.metrics.ObserveAttempt(kind, outcome.Kind)
		d.logger.Warnf("⚠️ Attempt %d Failed: Network error - %v", index+1, err)
		return &DispatchError{Kind: KindUpstreamTransient, Provider: kind, Outcome: outcome, Err: err}, true
	}
	defer resp.Body.Close()
	rec.Status = resp.StatusCode

	// 3. 非 2xx：分类、上报、决定是否重试
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		outcome := Classify(kind, resp.StatusCode, resp.Header, body)
		rec.Outcome = outcome.Kind.String()
		d.pool.ReportOutcome(cred.ID, outcome)
		d.metrics.ObserveAttempt(kind, outcome.Kind)
		d.logger.Warnf("⚠️ Attempt %d Failed: %d %s - %s", index+1, resp.StatusCode, outcome.Kind, outcome.Message)
		return upstreamError(kind, outcome), outcome.Retryable()
	}

	// 4. 2xx：翻译并写回
	derr, retry = d.relay(ctx, rc, plan, provider, cred, resp.Body)
	switch {
	case derr == nil:
		rec.Outcome = OutcomeSuccess.String()
		d.pool.ReportOutcome(cred.ID, Outcome{Kind: OutcomeSuccess, Status: resp.StatusCode})
		d.metrics.ObserveAttempt(kind, OutcomeSuccess)
		d.logger.Infof("✅ Success: [%s] %s | Credential: %s | Latency: %dms", kind, plan.Model, cred.ID, time.Since(started).Milliseconds())
	case derr.Kind == KindStreamCancelled || derr.Kind == KindTimeout:
		rec.Outcome = derr.Kind.String()
	default:
		rec.Outcome = derr.Outcome.Kind.String()
		d.metrics.ObserveAttempt(kind, derr.Outcome.Kind)
	}
	return derr, retry
}

// resolveOrganization 查询 claude.ai 会话所属组织并写回凭证。
// 没有可聊天组织的会话标记为 Invalid，之后不再被选中
func (d *Dispatcher) resolveOrganization(
	ctx context.Context,
	rec *Attempt,
	cred models.Credential,
	settings adapter.Settings,
	index int,
) (string, *DispatchError, bool) {
	kind := cred.Kind
	req, err := adapter.BuildOrganizationsRequest(ctx, adapter.Credential{Secret: cred.Secret}, settings)
	if err != nil {
		rec.Outcome = "build_error"
		return "", &DispatchError{Kind: KindInternal, Provider: kind, Err: err}, false
	}

	resp, err := d.clients.ClientFor(&cred).Do(req)
	if err != nil {
		if cerr := contextError(ctx, kind, 0); cerr != nil {
			rec.Outcome = cerr.Kind.String()
			return "", cerr, false
		}
		outcome := Outcome{Kind: OutcomeTransient, Message: err.Error()}
		rec.Outcome = outcome.Kind.String()
		d.metrics.ObserveAttempt(kind, outcome.Kind)
		d.logger.Warnf("⚠️ Attempt %d Failed: organization lookup network error - %v", index+1, err)
		return "", &DispatchError{Kind: KindUpstreamTransient, Provider: kind, Outcome: outcome, Err: err}, true
	}
	defer resp.Body.Close()
	rec.Status = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxOrgBody))

	var outcome Outcome
	org := ""
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		outcome = Classify(kind, resp.StatusCode, resp.Header, body)
	} else if org = adapter.ParseOrganization(body); org == "" {
		outcome = Outcome{Kind: OutcomeInvalid, Status: resp.StatusCode, Message: "session has no chat-capable organization"}
	}
	if org == "" {
		rec.Outcome = outcome.Kind.String()
		d.pool.ReportOutcome(cred.ID, outcome)
		d.metrics.ObserveAttempt(kind, outcome.Kind)
		d.logger.Warnf("⚠️ Attempt %d Failed: organization lookup %d %s - %s", index+1, resp.StatusCode, outcome.Kind, outcome.Message)
		return "", upstreamError(kind, outcome), outcome.Retryable()
	}

	d.pool.SetOrganization(cred.ID, org)
	d.logger.Infof("🏢 Credential %s bound to organization %s", cred.ID, org)
	return org, nil, false
}

// relay 读取上游事件流，逐个翻译后写回客户端（流式）或累积成一个响应（非流式）
func (d *Dispatcher) relay(
	ctx context.Context,
	rc *RequestContext,
	plan *adapter.Plan,
	provider adapter.Provider,
	cred models.Credential,
	body io.Reader,
) (*DispatchError, bool) {
	kind := cred.Kind
	translator := provider.NewStreamTranslator(plan)
	reader := adapter.NewEventReader(body)
	meter := adapter.NewUsageMeter(kind, plan, d.counter)
	var acc adapter.Accumulator
	if !plan.Stream {
		acc = adapter.NewAccumulator(plan, d.counter)
	}

	emit := func(events []adapter.Event) error {
		for _, ev := range events {
			if !plan.Stream {
				if err := acc.Add(ev); err != nil {
					return err
				}
				continue
			}
			if !rc.committed {
				writeSSEHeaders(rc.Sink)
				rc.committed = true
			}
			if _, err := rc.Sink.Write(ev.Encode()); err != nil {
				return errClientGone
			}
			rc.Sink.Flush()
		}
		return nil
	}

	upstreamEvents := 0
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if cerr := contextError(ctx, kind, 0); cerr != nil {
				return cerr, false
			}
			if errors.Is(err, adapter.ErrEventTooLarge) {
				return translationError(kind, &adapter.TranslationError{Upstream: true, Reason: err.Error()}), false
			}
			d.logger.Warnf("⚠️ Upstream stream broken for credential %s: %v", cred.ID, err)
			outcome := Outcome{Kind: OutcomeTransient, Message: err.Error()}
			// 客户端尚未收到任何字节时可以安全重试；否则只能截断
			return &DispatchError{Kind: KindUpstreamTransient, Provider: kind, Outcome: outcome, Err: err}, !rc.committed
		}
		upstreamEvents++
		meter.Observe(ev)

		out, terr := translator.Translate(ev)
		if terr != nil {
			var streamErr *adapter.UpstreamStreamError
			if !errors.As(terr, &streamErr) {
				return translationError(kind, terr), false
			}
			outcome := Classify(kind, 0, nil, ev.Data)
			if outcome.Kind == OutcomeRejected {
				outcome.Kind = OutcomeTransient
			}
			d.pool.ReportOutcome(cred.ID, outcome)
			d.logger.Warnf("⚠️ Upstream stream error for credential %s: %s", cred.ID, streamErr.Message)
			derr := upstreamError(kind, outcome)
			derr.Err = terr
			// 已经开始写出时把错误事件转发给客户端；否则由调用方重试或渲染错误
			if rc.committed && plan.Stream {
				_ = emit(out)
			}
			return derr, outcome.Retryable() && !rc.committed
		}
		if err := emit(out); err != nil {
			return d.emitError(ctx, kind, err), false
		}
	}

	// 上游 2xx 却没有任何事件，视为响应格式错误
	if upstreamEvents == 0 {
		return translationError(kind, &adapter.TranslationError{Upstream: true, Reason: "empty upstream stream"}), false
	}

	// 上游没有终止事件时由翻译器补齐
	if err := emit(translator.Finish()); err != nil {
		return d.emitError(ctx, kind, err), false
	}

	if !plan.Stream {
		result, err := acc.Result()
		if err != nil {
			return translationError(kind, err), false
		}
		rc.Sink.Header().Set("Content-Type", "application/json")
		rc.Sink.WriteHeader(http.StatusOK)
		rc.committed = true
		if _, err := rc.Sink.Write(result); err != nil {
			return d.emitError(ctx, kind, errClientGone), false
		}
	}

	input, output := meter.Usage()
	d.pool.RecordUsage(cred.ID, plan.Model, input, output)
	return nil, false
}

var errClientGone = errors.New("client disconnected")

func (d *Dispatcher) emitError(ctx context.Context, kind models.ProviderKind, err error) *DispatchError {
	if errors.Is(err, errClientGone) {
		if cerr := contextError(ctx, kind, 0); cerr != nil {
			return cerr
		}
		return &DispatchError{Kind: KindStreamCancelled, Provider: kind, Err: err}
	}
	return translationError(kind, err)
}

// finish 记录调度日志与指标
func (d *Dispatcher) finish(rc *RequestContext, plan *adapter.Plan, derr *DispatchError, start time.Time) {
	duration := time.Since(start)
	status := http.StatusOK
	if derr != nil {
		status = derr.StatusCode()
	}
	d.metrics.ObserveRequest(rc.Endpoint.Name, rc.Endpoint.Kind, status, duration)

	entry := &models.DispatchLog{
		CreatedAt:  start,
		RequestID:  rc.ID,
		Endpoint:   rc.Endpoint.Name,
		Provider:   string(rc.Endpoint.Kind),
		StatusCode: status,
		Attempts:   len(rc.Attempts),
		Duration:   duration.Milliseconds(),
	}
	if plan != nil {
		entry.Model = plan.Model
		entry.Stream = plan.Stream
	}
	if n := len(rc.Attempts); n > 0 {
		entry.CredentialID = rc.Attempts[n-1].CredentialID
		if history, err := json.Marshal(rc.Attempts); err == nil {
			entry.History = string(history)
		}
	}
	if derr != nil {
		entry.ErrorKind = derr.Kind.String()
		entry.ErrorMsg = derr.Error()
		switch derr.Kind {
		case KindStreamCancelled:
			d.logger.Infof("🔌 Request %s cancelled by client after %d attempt(s)", rc.ID, len(rc.Attempts))
		case KindClientError, KindTranslation:
			d.logger.Warnf("❌ Request %s rejected: %v", rc.ID, derr)
		default:
			d.logger.Errorf("💀 Request %s failed: %v", rc.ID, derr)
		}
	}
	if d.recorder != nil {
		d.recorder.Log(entry)
	}
}

func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // 禁用 Nginx 缓冲
	w.WriteHeader(http.StatusOK)
}

// contextError 客户端断开或请求超时
func contextError(ctx context.Context, kind models.ProviderKind, attempts int) *DispatchError {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &DispatchError{Kind: KindTimeout, Provider: kind, Attempts: attempts, Err: errors.New("request timed out")}
	default:
		return &DispatchError{Kind: KindStreamCancelled, Provider: kind, Attempts: attempts, Err: errClientGone}
	}
}

func prepareError(kind models.ProviderKind, err error) *DispatchError {
	var reqErr *adapter.RequestError
	if errors.As(err, &reqErr) {
		return &DispatchError{Kind: KindClientError, Provider: kind, Err: err}
	}
	var trErr *adapter.TranslationError
	if errors.As(err, &trErr) {
		return translationError(kind, err)
	}
	return &DispatchError{Kind: KindInternal, Provider: kind, Err: err}
}

func translationError(kind models.ProviderKind, err error) *DispatchError {
	derr := &DispatchError{Kind: KindTranslation, Provider: kind, Err: err}
	var trErr *adapter.TranslationError
	if errors.As(err, &trErr) && !trErr.Upstream {
		// 客户端请求了提供商无法表达的功能
		return derr
	}
	derr.Outcome = Outcome{Kind: OutcomeMalformed, Message: err.Error()}
	return derr
}

func upstreamError(kind models.ProviderKind, o Outcome) *DispatchError {
	derr := &DispatchError{Kind: KindUpstreamClassified, Provider: kind, Outcome: o, Err: fmt.Errorf("upstream %s: %s", o, o.Message)}
	switch o.Kind {
	case OutcomeTransient:
		derr.Kind = KindUpstreamTransient
	case OutcomeRejected:
		derr.Kind = KindClientError
	}
	return derr
}
