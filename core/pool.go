package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"llm-relay/config"
	"llm-relay/models"
)

var (
	// ErrCredentialExists 提交的凭证已在池中
	ErrCredentialExists = errors.New("credential already exists")
	errPoolClosed       = errors.New("credential pool is closed")
)

const (
	// 选择优先级：Valid < Unverified < 降级状态 < 本请求已尝试过的
	tierValid      = 0
	tierUnverified = 1
	tierDegraded   = 2
	tierAvoided    = 3

	stickyTTL      = time.Hour
	stickyCapacity = 4096
	persistQueue   = 1000
)

// Constraints 单次选择的约束
type Constraints struct {
	Model       string
	RequiresPro bool
	// Avoid 本请求已用过的凭证，只有别无选择时才会再次选中
	Avoid []string
	// ConversationKey 非零时优先复用该会话上次使用的凭证
	ConversationKey uint64
}

// PoolOptions 选择行为相关配置，热加载时整体替换
type PoolOptions struct {
	SkipNonPro      bool
	SkipRestricted  bool
	SkipRateLimited bool
	Strategy        SelectionStrategy
	Cooldown        CooldownPolicy
}

// PoolOptionsFrom 从配置构造选项
func PoolOptionsFrom(cfg *config.Config) PoolOptions {
	return PoolOptions{
		SkipNonPro:      cfg.SkipNonPro,
		SkipRestricted:  cfg.SkipRestricted,
		SkipRateLimited: cfg.SkipRateLimited,
		Strategy:        StrategyFor(cfg.Selection),
		Cooldown:        NewCooldownPolicy(cfg.Cooldown),
	}
}

// PoolEventType 池事件类型
type PoolEventType string

const (
	PoolEventAdded   PoolEventType = "added"
	PoolEventUpdated PoolEventType = "updated"
	PoolEventRemoved PoolEventType = "removed"
)

// PoolEvent 凭证状态变化通知（管理端 websocket 与指标使用）
type PoolEvent struct {
	Type       PoolEventType           `json:"type"`
	Credential models.CredentialStatus `json:"credential"`
	At         time.Time               `json:"at"`
}

// PoolSnapshot 按状态分组的凭证列表
type PoolSnapshot struct {
	Valid     []models.CredentialStatus `json:"valid"`
	Exhausted []models.CredentialStatus `json:"exhausted"`
	Invalid   []models.CredentialStatus `json:"invalid"`
}

// PoolStat 某一类型、某一状态的凭证数量
type PoolStat struct {
	Kind     models.ProviderKind
	State    models.HealthState
	Count    int
	InFlight int
}

type poolEntry struct {
	cred     models.Credential
	inFlight int
	// removed 已从存储删除但仍被持有，释放时清除
	removed bool
	// gen 条目由 Submit 加入时的代号，Reconcile 据此跳过快照之后新增的条目
	gen uint64
}

type persistOp struct {
	cred   models.Credential
	id     string
	delete bool
	done   chan error
}

// Pool 凭证池：内存中的选择 / 占用状态，持久化由单独的写协程异步完成
// 所有方法在锁内只做内存操作
type Pool struct {
	store  CredentialStore
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*poolEntry
	opts    PoolOptions
	sticky  *expirable.LRU[uint64, string]
	gen     uint64

	persistCh chan persistOp
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	subMu sync.Mutex
	subs  map[chan PoolEvent]struct{}
}

// NewPool 创建凭证池并从存储加载全部凭证
func NewPool(ctx context.Context, store CredentialStore, logger *logrus.Logger, opts PoolOptions) (*Pool, error) {
	if opts.Strategy == nil {
		opts.Strategy = &LRUStrategy{}
	}
	p := &Pool{
		store:     store,
		logger:    logger,
		now:       time.Now,
		entries:   make(map[string]*poolEntry),
		opts:      opts,
		sticky:    expirable.NewLRU[uint64, string](stickyCapacity, nil, stickyTTL),
		persistCh: make(chan persistOp, persistQueue),
		quit:      make(chan struct{}),
		subs:      make(map[chan PoolEvent]struct{}),
	}
	p.wg.Add(1)
	go p.persistLoop()

	if err := p.Reconcile(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Configure 热加载时替换选择选项
func (p *Pool) Configure(opts PoolOptions) {
	if opts.Strategy == nil {
		opts.Strategy = &LRUStrategy{}
	}
	p.mu.Lock()
	p.opts = opts
	p.mu.Unlock()
}

// Lease 一次占用，Release 可重复调用
type Lease struct {
	Credential models.Credential

	pool *Pool
	once sync.Once
}

// ID 被占用凭证的 ID
func (l *Lease) ID() string { return l.Credential.ID }

// Release 归还占用，不改变健康状态
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.Release(l.Credential.ID) })
}

type candidate struct {
	e    *poolEntry
	tier int
}

// Select 选出并占用一个符合约束的凭证
func (p *Pool) Select(kind models.ProviderKind, c Constraints) (*Lease, error) {
	var events []PoolEvent

	p.mu.Lock()
	now := p.now()
	avoid := make(map[string]bool, len(c.Avoid))
	for _, id := range c.Avoid {
		avoid[id] = true
	}

	// 1. 过滤候选（顺便清理已过期的冷却）
	cands := make([]candidate, 0, len(p.entries))
	for _, e := range p.entries {
		if e.removed || e.cred.Kind != kind {
			continue
		}
		if ev, ok := p.expireLocked(e, now); ok {
			events = append(events, ev)
		}
		tier, ok := p.eligibleLocked(e, c)
		if !ok {
			continue
		}
		if avoid[e.cred.ID] {
			tier += tierAvoided
		}
		cands = append(cands, candidate{e: e, tier: tier})
	}

	if len(cands) == 0 {
		p.mu.Unlock()
		p.emit(events...)
		return nil, ErrPoolExhausted
	}

	// 2. 会话粘滞
	var pick *poolEntry
	if c.ConversationKey != 0 {
		if id, ok := p.sticky.Get(c.ConversationKey); ok {
			for _, cd := range cands {
				if cd.e.cred.ID == id && cd.tier < tierAvoided && cd.e.cred.Health.State() != models.StateRateLimited {
					pick = cd.e
					break
				}
			}
		}
	}

	// 3. 按优先级 + 策略排序
	if pick == nil {
		strategy := p.opts.Strategy
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].tier != cands[j].tier {
				return cands[i].tier < cands[j].tier
			}
			return strategy.Less(&cands[i].e.cred, &cands[j].e.cred)
		})
		pick = cands[0].e
	}

	lease := p.reserveLocked(pick, now)
	if c.ConversationKey != 0 {
		p.sticky.Add(c.ConversationKey, pick.cred.ID)
	}
	p.mu.Unlock()

	p.emit(events...)
	return lease, nil
}

// Reserve 按 ID 占用凭证
func (p *Pool) Reserve(id string) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok || e.removed {
		return nil, ErrCredentialNotFound
	}
	if !e.cred.Kind.Multiplexed() && e.inFlight > 0 {
		return nil, ErrCredentialBusy
	}
	return p.reserveLocked(e, p.now()), nil
}

// Release 归还占用
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return
	}
	if e.inFlight > 0 {
		e.inFlight--
	}
	if e.removed && e.inFlight == 0 {
		delete(p.entries, id)
	}
}

// ReportOutcome 根据尝试结果更新健康状态与计数，立即生效并异步持久化
func (p *Pool) ReportOutcome(id string, o Outcome) {
	// 临时故障 / 请求被拒绝不影响凭证
	if o.Kind != OutcomeSuccess && !o.Penalizes() {
		return
	}

	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok || e.removed {
		p.mu.Unlock()
		return
	}
	now := p.now()
	cred := &e.cred
	before := cred.Health.State()

	switch o.Kind {
	case OutcomeSuccess:
		cred.Successes++
		cred.RateLimitStreak = 0
		if !cred.Health.Terminal() {
			cred.Health = models.Valid()
		}
	case OutcomeRateLimited:
		cred.Failures++
		if !cred.Health.Terminal() {
			cred.RateLimitStreak++
			cred.Health = models.RateLimitedUntil(p.opts.Cooldown.Until(now, cred.RateLimitStreak, o.Until))
			cred.Usage.Reset()
		}
	case OutcomeInvalid:
		cred.Failures++
		if !cred.Health.Terminal() {
			cred.Health = models.Invalid()
			cred.Usage.Reset()
		}
	case OutcomeNonPro:
		cred.Failures++
		if !cred.Health.Terminal() {
			cred.Health = models.NonPro()
			cred.Usage.Reset()
		}
	case OutcomeRestricted:
		cred.Failures++
		if !cred.Health.Terminal() {
			cred.Health = models.Restricted()
			cred.Usage.Reset()
		}
	}
	cred.UpdatedAt = now
	snapshot := e.cred
	inFlight := e.inFlight
	// 在锁内入队，保证同一凭证的写入顺序与状态变化顺序一致
	p.enqueue(persistOp{cred: snapshot, id: snapshot.ID})
	p.mu.Unlock()

	if o.Kind != OutcomeSuccess {
		p.logger.Warnf("❌ Credential %s (%s): %s -> %s", snapshot.ID, snapshot.Kind, before, snapshot.Health)
	}
	p.emit(PoolEvent{Type: PoolEventUpdated, Credential: models.StatusOf(snapshot, inFlight), At: now})
}

// RecordUsage 把一次成功请求的 token 用量计入凭证的用量窗口
func (p *Pool) RecordUsage(id, model string, input, output int64) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok || e.removed {
		p.mu.Unlock()
		return
	}
	now := p.now()
	e.cred.Usage.Record(now, model, input, output)
	e.cred.UpdatedAt = now
	snapshot := e.cred
	inFlight := e.inFlight
	p.enqueue(persistOp{cred: snapshot, id: snapshot.ID})
	p.mu.Unlock()

	p.emit(PoolEvent{Type: PoolEventUpdated, Credential: models.StatusOf(snapshot, inFlight), At: now})
}

// SetOrganization 记录 claude.ai 会话所属组织，异步持久化
func (p *Pool) SetOrganization(id, orgID string) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok || e.removed || e.cred.OrgID == orgID {
		p.mu.Unlock()
		return
	}
	now := p.now()
	e.cred.OrgID = orgID
	e.cred.UpdatedAt = now
	snapshot := e.cred
	inFlight := e.inFlight
	p.enqueue(persistOp{cred: snapshot, id: snapshot.ID})
	p.mu.Unlock()

	p.emit(PoolEvent{Type: PoolEventUpdated, Credential: models.StatusOf(snapshot, inFlight), At: now})
}

// Reconcile 重新读取存储并合并外部修改，保留内存中的占用计数
// 存储中 UpdatedAt 更新的记录覆盖内存；存储中消失的凭证被移除（被持有的等释放后移除）
func (p *Pool) Reconcile(ctx context.Context) error {
	// 读取存储不持锁；读取期间 Submit 新增的条目不在快照里，不能当作外部删除
	p.mu.Lock()
	snapGen := p.gen
	p.mu.Unlock()

	creds, err := p.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("reconcile pool: %w", err)
	}

	var events []PoolEvent
	var added, updated, removed int

	p.mu.Lock()
	now := p.now()
	seen := make(map[string]bool, len(creds))
	for _, c := range creds {
		seen[c.ID] = true
		e, ok := p.entries[c.ID]
		switch {
		case !ok:
			p.entries[c.ID] = &poolEntry{cred: c}
			added++
			events = append(events, PoolEvent{Type: PoolEventAdded, Credential: models.StatusOf(c, 0), At: now})
		case e.removed || c.UpdatedAt.After(e.cred.UpdatedAt):
			if e.cred.LastUsed.After(c.LastUsed) {
				c.LastUsed = e.cred.LastUsed
			}
			e.cred = c
			e.removed = false
			updated++
			events = append(events, PoolEvent{Type: PoolEventUpdated, Credential: models.StatusOf(c, e.inFlight), At: now})
		}
	}
	for id, e := range p.entries {
		if seen[id] || e.removed || e.gen > snapGen {
			continue
		}
		if e.inFlight > 0 {
			e.removed = true
		} else {
			delete(p.entries, id)
		}
		removed++
		events = append(events, PoolEvent{Type: PoolEventRemoved, Credential: models.StatusOf(e.cred, e.inFlight), At: now})
	}
	total := len(p.entries)
	p.mu.Unlock()

	if added+updated+removed > 0 {
		p.logger.Infof("🔄 Pool reconciled: %d total, +%d ~%d -%d", total, added, updated, removed)
	}
	p.emit(events...)
	return nil
}

// Submit 管理端添加凭证，初始状态 Unverified，持久化完成后返回
func (p *Pool) Submit(ctx context.Context, cred models.Credential) (models.Credential, error) {
	now := p.now()
	cred.Secret = models.NormalizeSecret(cred.Kind, cred.Secret)
	if cred.Secret == "" {
		return cred, errors.New("secret is empty")
	}
	cred.ID = models.CredentialID(cred.Kind, cred.Secret)
	cred.Health = models.Unverified()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	p.mu.Lock()
	e, ok := p.entries[cred.ID]
	if ok && !e.removed {
		p.mu.Unlock()
		return e.cred, ErrCredentialExists
	}
	p.gen++
	if ok {
		// 已删除但仍被持有：复用条目，保留占用计数
		e.cred = cred
		e.removed = false
	} else {
		e = &poolEntry{cred: cred}
		p.entries[cred.ID] = e
	}
	e.gen = p.gen
	inFlight := e.inFlight
	p.mu.Unlock()

	if err := p.persistSync(ctx, persistOp{cred: cred, id: cred.ID}); err != nil {
		p.mu.Lock()
		if cur, ok := p.entries[cred.ID]; ok && cur == e && !e.removed {
			if e.inFlight > 0 {
				e.removed = true
			} else {
				delete(p.entries, cred.ID)
			}
		}
		p.mu.Unlock()
		return cred, err
	}

	p.logger.Infof("✅ Credential %s (%s) added: %s", cred.ID, cred.Kind, models.MaskSecret(cred.Secret))
	p.emit(PoolEvent{Type: PoolEventAdded, Credential: models.StatusOf(cred, inFlight), At: now})
	return cred, nil
}

// Delete 删除凭证；正在使用的凭证在释放后才真正移出内存
func (p *Pool) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok || e.removed {
		p.mu.Unlock()
		return ErrCredentialNotFound
	}
	if e.inFlight > 0 {
		e.removed = true
	} else {
		delete(p.entries, id)
	}
	status := models.StatusOf(e.cred, e.inFlight)
	p.mu.Unlock()

	// 走同一个写队列，保证之前排队的状态写入不会把记录写回来
	if err := p.persistSync(ctx, persistOp{id: id, delete: true}); err != nil && !errors.Is(err, ErrCredentialNotFound) {
		return err
	}
	p.logger.Infof("🗑️ Credential %s deleted", id)
	p.emit(PoolEvent{Type: PoolEventRemoved, Credential: status, At: p.now()})
	return nil
}

// Get 返回凭证当前状态（已过期的冷却视为 Valid）
func (p *Pool) Get(id string) (models.Credential, bool) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok || e.removed {
		p.mu.Unlock()
		return models.Credential{}, false
	}
	ev, expired := p.expireLocked(e, p.now())
	cred := e.cred
	p.mu.Unlock()

	if expired {
		p.emit(ev)
	}
	return cred, true
}

// Snapshot 按状态分组列出所有凭证
func (p *Pool) Snapshot() PoolSnapshot {
	var events []PoolEvent
	snap := PoolSnapshot{
		Valid:     []models.CredentialStatus{},
		Exhausted: []models.CredentialStatus{},
		Invalid:   []models.CredentialStatus{},
	}

	p.mu.Lock()
	now := p.now()
	ids := make([]string, 0, len(p.entries))
	for id, e := range p.entries {
		if !e.removed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := p.entries[id]
		if ev, ok := p.expireLocked(e, now); ok {
			events = append(events, ev)
		}
		status := models.StatusOf(e.cred, e.inFlight)
		switch e.cred.Health.State() {
		case models.StateValid, models.StateUnverified:
			snap.Valid = append(snap.Valid, status)
		case models.StateRateLimited:
			snap.Exhausted = append(snap.Exhausted, status)
		default:
			snap.Invalid = append(snap.Invalid, status)
		}
	}
	p.mu.Unlock()

	p.emit(events...)
	return snap
}

// Stats 按类型和状态统计数量
func (p *Pool) Stats() []PoolStat {
	type key struct {
		kind  models.ProviderKind
		state models.HealthState
	}
	counts := make(map[key]*PoolStat)

	p.mu.Lock()
	for _, e := range p.entries {
		if e.removed {
			continue
		}
		k := key{e.cred.Kind, e.cred.Health.State()}
		s, ok := counts[k]
		if !ok {
			s = &PoolStat{Kind: k.kind, State: k.state}
			counts[k] = s
		}
		s.Count++
		s.InFlight += e.inFlight
	}
	p.mu.Unlock()

	stats := make([]PoolStat, 0, len(counts))
	for _, s := range counts {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Kind != stats[j].Kind {
			return stats[i].Kind < stats[j].Kind
		}
		return stats[i].State < stats[j].State
	})
	return stats
}

// Subscribe 订阅池事件，慢消费者会丢事件；返回的函数用于取消订阅
func (p *Pool) Subscribe() (<-chan PoolEvent, func()) {
	ch := make(chan PoolEvent, 64)
	p.subMu.Lock()
	p.subs[ch] = struct{}{}
	p.subMu.Unlock()

	return ch, func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		if _, ok := p.subs[ch]; ok {
			delete(p.subs, ch)
			close(ch)
		}
	}
}

// Close 停止写协程（排空队列）并关闭所有订阅
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		p.wg.Wait()

		p.subMu.Lock()
		for ch := range p.subs {
			delete(p.subs, ch)
			close(ch)
		}
		p.subMu.Unlock()
	})
}

func (p *Pool) eligibleLocked(e *poolEntry, c Constraints) (int, bool) {
	if !e.cred.Kind.Multiplexed() && e.inFlight > 0 {
		return 0, false
	}
	if !e.cred.AllowsModel(c.Model) {
		return 0, false
	}
	switch e.cred.Health.State() {
	case models.StateValid:
		return tierValid, true
	case models.StateUnverified:
		return tierUnverified, true
	case models.StateRateLimited:
		return tierDegraded, !p.opts.SkipRateLimited
	case models.StateNonPro:
		return tierDegraded, !p.opts.SkipNonPro && !c.RequiresPro
	case models.StateRestricted:
		return tierDegraded, !p.opts.SkipRestricted
	}
	return 0, false
}

// expireLocked 懒惰清理：冷却到期的凭证恢复为 Valid，到期的用量窗口清零
func (p *Pool) expireLocked(e *poolEntry, now time.Time) (PoolEvent, bool) {
	changed := e.cred.Usage.Refresh(now)
	if e.cred.Health.Expired(now) {
		e.cred.Health = models.Valid()
		changed = true
	}
	if !changed {
		return PoolEvent{}, false
	}
	e.cred.UpdatedAt = now
	p.enqueue(persistOp{cred: e.cred, id: e.cred.ID})
	return PoolEvent{Type: PoolEventUpdated, Credential: models.StatusOf(e.cred, e.inFlight), At: now}, true
}

func (p *Pool) reserveLocked(e *poolEntry, now time.Time) *Lease {
	e.inFlight++
	e.cred.LastUsed = now
	return &Lease{Credential: e.cred, pool: p}
}

// enqueue 非阻塞入队，队列满时丢弃（只丢失最新一次状态写入）
func (p *Pool) enqueue(op persistOp) {
	select {
	case p.persistCh <- op:
	default:
		p.logger.Warnf("Persist queue full, dropping state update for credential %s", op.id)
	}
}

func (p *Pool) persistSync(ctx context.Context, op persistOp) error {
	op.done = make(chan error, 1)
	select {
	case p.persistCh <- op:
	case <-p.quit:
		return errPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persistLoop 单写协程，按入队顺序落盘
func (p *Pool) persistLoop() {
	defer p.wg.Done()
	for {
		select {
		case op := <-p.persistCh:
			p.apply(op)
		case <-p.quit:
			// 退出前写完剩余的状态
			for {
				select {
				case op := <-p.persistCh:
					p.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) apply(op persistOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if op.delete {
		err = p.store.Delete(ctx, op.id)
	} else {
		err = p.store.Save(ctx, op.cred)
	}
	if op.done != nil {
		op.done <- err
		return
	}
	if err != nil {
		p.logger.Errorf("Failed to persist credential %s: %v", op.id, err)
	}
}

func (p *Pool) emit(events ...PoolEvent) {
	if len(events) == 0 {
		return
	}
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for ch := range p.subs {
		for _, ev := range events {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
