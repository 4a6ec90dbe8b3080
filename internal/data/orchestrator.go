package data

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crypto-market-deck/internal/cache"
	"crypto-market-deck/internal/market"
	"crypto-market-deck/internal/stream"
	"crypto-market-deck/pkg/ta"
)

// Source 是拉取路径的依赖：REST 快照
type Source interface {
	FetchSeries(ctx context.Context, sub market.Subscription, limit int) ([]market.Observation, error)
	FetchStats(ctx context.Context, symbol string) (market.TickerStats, error)
}

// StreamClient 是推送路径的依赖，stream.Client 满足
type StreamClient interface {
	Connect()
	Disconnect()
	State() stream.ConnectionState
	OnObservation(func(market.Observation))
	OnTicker(func(market.TickerStats))
	OnStateChange(func(stream.ConnectionState))
	OnError(func(string))
}

// ClientFactory 为指定订阅构造一个新的流式客户端
type ClientFactory func(sub market.Subscription) (StreamClient, error)

// Snapshot 是暴露给消费方的当前市场快照。
// Live/Stale 让消费方能区分 "实时" / "过期缓存" / "离线"，
// 静默失败装成成功是这里最要避免的缺陷。
type Snapshot struct {
	Subscription market.Subscription
	Series       []market.Observation
	Latest       market.Observation // 零值表示尚无数据 (占位)
	Stats        market.TickerStats
	Indicators   *ta.Data // nil 表示历史不足，指标未就绪
	Live         bool     // 推送通道当前是否在线
	Stale        bool     // 最近一次拉取是否退回了过期缓存
	UpdatedAt    time.Time
}

// Config 是编排层参数
type Config struct {
	Subscription   market.Subscription
	HistoryLimit   int
	SeriesTTL      time.Duration
	StatsTTL       time.Duration
	ReconcileEvery time.Duration // 对账周期
	PushStaleAfter time.Duration // 推送静默多久后触发强制拉取
}

// Orchestrator 把缓存、拉取源和流式客户端组合成单一事实来源。
// 并发契约：同一时刻最多一个拉取、最多一个订阅切换在飞；
// 忙时的调用直接丢弃 (no-op)，不排队。
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger

	source      Source
	seriesCache *cache.Cache[[]market.Observation]
	statsCache  *cache.Cache[market.TickerStats]
	newClient   ClientFactory
	calc        *ta.Calculator

	mu         sync.RWMutex
	sub        market.Subscription
	client     StreamClient
	snap       Snapshot
	connState  stream.ConnectionState
	lastPushAt time.Time

	refreshing atomic.Bool
	switching  atomic.Bool

	obsFn   func(market.Observation)
	stateFn func(stream.ConnectionState)
	errFn   func(string)

	done      chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

// New 构造编排器，不发起任何网络活动
func New(cfg Config, source Source, factory ClientFactory, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:         cfg,
		logger:      logger,
		source:      source,
		seriesCache: cache.New[[]market.Observation](logger),
		statsCache:  cache.New[market.TickerStats](logger),
		newClient:   factory,
		calc:        ta.NewCalculator(cfg.Subscription.Symbol, logger),
		sub:         cfg.Subscription,
		snap:        Snapshot{Subscription: cfg.Subscription},
		connState:   stream.StateIdle,
		done:        make(chan struct{}),
		now:         time.Now,
	}
}

// OnObservation 注册推送样本监听器 (替换语义)
func (o *Orchestrator) OnObservation(fn func(market.Observation)) {
	o.mu.Lock()
	o.obsFn = fn
	o.mu.Unlock()
}

// OnStateChange 注册连接状态监听器 (替换语义)
func (o *Orchestrator) OnStateChange(fn func(stream.ConnectionState)) {
	o.mu.Lock()
	o.stateFn = fn
	o.mu.Unlock()
}

// OnError 注册错误监听器。只上报用户需要关心的失败 (拉取失败、切换失败)，
// 预期内的瞬态 (单次重连、stale 兜底) 被静默吸收。
func (o *Orchestrator) OnError(fn func(string)) {
	o.mu.Lock()
	o.errFn = fn
	o.mu.Unlock()
}

// Initialize 执行首次强制拉取、启动流式客户端和后台对账循环。
// 首次拉取或首条推送到达前，消费方看到的是占位快照。
func (o *Orchestrator) Initialize(ctx context.Context) error {
	client, err := o.newClient(o.currentSub())
	if err != nil {
		return fmt.Errorf("build stream client: %w", err)
	}
	o.wireClient(client)

	o.mu.Lock()
	o.client = client
	o.mu.Unlock()

	// 首次渲染前强制拉一次快照，无视 TTL
	o.Refresh(ctx, true)

	client.Connect()
	go o.reconcileLoop()
	return nil
}

// Refresh 重新拉取快照。force 为真时绕过缓存 TTL。
// 自身在飞时的重入调用被丢弃，不排队。
func (o *Orchestrator) Refresh(ctx context.Context, force bool) {
	if !o.refreshing.CompareAndSwap(false, true) {
		o.logger.Debug("Refresh already in flight, dropping call")
		return
	}
	defer o.refreshing.Store(false)

	o.doRefresh(ctx, force)
}

func (o *Orchestrator) doRefresh(ctx context.Context, force bool) {
	sub := o.currentSub()
	reqID := uuid.NewString()

	if force {
		o.seriesCache.Invalidate(sub.Key())
		o.statsCache.Invalidate(sub.Symbol)
	}

	series, fresh, err := o.seriesCache.GetOrFetch(ctx, sub.Key(), o.cfg.SeriesTTL,
		func(ctx context.Context) ([]market.Observation, error) {
			return o.source.FetchSeries(ctx, sub, o.cfg.HistoryLimit)
		})
	if err != nil {
		// 没有任何可用数据，这是用户需要知道的失败
		o.logger.Error("Snapshot refresh failed",
			zap.String("RequestID", reqID),
			zap.String("Subscription", sub.Key()),
			zap.Error(err))
		o.emitError(fmt.Sprintf("refresh failed: %v", err))
		return
	}

	stats, _, statsErr := o.statsCache.GetOrFetch(ctx, sub.Symbol, o.cfg.StatsTTL,
		func(ctx context.Context) (market.TickerStats, error) {
			return o.source.FetchStats(ctx, sub.Symbol)
		})
	if statsErr != nil {
		// 统计缺失不阻塞快照，K 线序列仍然可用
		o.logger.Warn("Ticker stats refresh failed",
			zap.String("RequestID", reqID), zap.Error(statsErr))
	}

	// 拉取期间订阅可能已切换，旧订阅的数据直接丢弃
	o.mu.Lock()
	if o.sub != sub {
		o.mu.Unlock()
		return
	}
	o.snap.Series = series
	if len(series) > 0 {
		o.snap.Latest = series[len(series)-1]
	}
	if statsErr == nil {
		o.snap.Stats = stats
	}
	o.snap.Stale = !fresh
	o.snap.UpdatedAt = o.now()
	o.mu.Unlock()

	o.rebuildIndicators(sub, series)

	o.logger.Info("Snapshot refreshed",
		zap.String("RequestID", reqID),
		zap.String("Subscription", sub.Key()),
		zap.Int("Bars", len(series)),
		zap.Bool("Fresh", fresh))
}

// rebuildIndicators 用整段序列重建指标
func (o *Orchestrator) rebuildIndicators(sub market.Subscription, series []market.Observation) {
	o.calc.Reset(sub.Symbol)
	o.calc.UpdateSeries(series)
	if d, err := o.calc.Data(); err == nil {
		o.mu.Lock()
		if o.sub == sub {
			o.snap.Indicators = d
		}
		o.mu.Unlock()
	}
}

// ChangeSubscription 切换到新的 (symbol, interval)。
//   - 与当前订阅相同：no-op，不产生任何拆建副作用
//   - 已有一次切换在飞：丢弃本次调用
//   - 否则：先完全断开旧客户端 (定时器同步取消)，把快照重置为
//     显式的未知占位 (不是旧订阅的陈旧数据)，再为新订阅拉取并连接
func (o *Orchestrator) ChangeSubscription(ctx context.Context, symbol, interval string) error {
	newSub := market.Subscription{Symbol: symbol, Interval: interval}

	o.mu.RLock()
	same := o.sub == newSub
	o.mu.RUnlock()
	if same {
		o.logger.Debug("ChangeSubscription ignored: identical subscription",
			zap.String("Subscription", newSub.Key()))
		return nil
	}

	if !o.switching.CompareAndSwap(false, true) {
		o.logger.Debug("ChangeSubscription already in flight, dropping call")
		return nil
	}
	defer o.switching.Store(false)

	o.mu.Lock()
	old := o.client
	o.client = nil
	o.mu.Unlock()

	// 旧客户端必须先彻底断开，绝不允许两路订阅的客户端同时存在
	if old != nil {
		old.Disconnect()
	}

	o.mu.Lock()
	o.sub = newSub
	o.snap = Snapshot{Subscription: newSub}
	o.connState = stream.StateIdle
	o.lastPushAt = time.Time{}
	o.mu.Unlock()
	o.calc.Reset(symbol)

	client, err := o.newClient(newSub)
	if err != nil {
		o.emitError(fmt.Sprintf("subscription change failed: %v", err))
		return fmt.Errorf("build stream client: %w", err)
	}
	o.wireClient(client)

	o.mu.Lock()
	o.client = client
	o.mu.Unlock()

	o.logger.Info("Subscription changed", zap.String("Subscription", newSub.Key()))

	o.Refresh(ctx, true)
	client.Connect()
	return nil
}

// Snapshot 返回当前组合快照的拷贝
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	snap := o.snap
	snap.Series = append([]market.Observation(nil), o.snap.Series...)
	return snap
}

// Close 停止对账循环并断开客户端
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
		o.mu.Lock()
		client := o.client
		o.mu.Unlock()
		if client != nil {
			client.Disconnect()
		}
	})
}

func (o *Orchestrator) currentSub() market.Subscription {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sub
}

// wireClient 把客户端回调接到编排层
func (o *Orchestrator) wireClient(client StreamClient) {
	client.OnObservation(o.onObservation)
	client.OnTicker(o.onTicker)
	client.OnStateChange(o.onStateChange)
	client.OnError(func(msg string) {
		// 流式层的瞬态失败自己会重连，这里只记日志不上抛
		o.logger.Warn("Stream reported error", zap.String("Message", msg))
	})
}

// onObservation 用推送样本更新 "最新观测"
func (o *Orchestrator) onObservation(obs market.Observation) {
	o.mu.Lock()
	o.snap.Series = market.MergeObservation(o.snap.Series, obs, o.cfg.HistoryLimit)
	o.snap.Latest = obs
	o.snap.UpdatedAt = o.now()
	o.lastPushAt = o.now()
	fn := o.obsFn
	o.mu.Unlock()

	o.calc.Update(obs)
	if d, err := o.calc.Data(); err == nil {
		o.mu.Lock()
		o.snap.Indicators = d
		o.mu.Unlock()
	}

	if fn != nil {
		fn(obs)
	}
}

// onTicker 更新 24h 统计 (零涨跌哨兵已在流式层被拦住)
func (o *Orchestrator) onTicker(stats market.TickerStats) {
	o.mu.Lock()
	o.snap.Stats = stats
	o.snap.UpdatedAt = o.now()
	o.mu.Unlock()
}

func (o *Orchestrator) onStateChange(st stream.ConnectionState) {
	o.mu.Lock()
	o.connState = st
	o.snap.Live = st == stream.StateOpen
	fn := o.stateFn
	o.mu.Unlock()

	if fn != nil {
		fn(st)
	}
}

// reconcileLoop 周期性对账
func (o *Orchestrator) reconcileLoop() {
	ticker := time.NewTicker(o.cfg.ReconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.reconcile(context.Background())
		}
	}
}

// reconcile 自愈措施：连接自称 OPEN 但推送静默太久时强制拉取一次，
// 兜住上游 "连接还开着但已经不发数据" 的情况
// (流式层自己的静默检测之外的第二道保险)
func (o *Orchestrator) reconcile(ctx context.Context) {
	o.mu.RLock()
	st := o.connState
	lastPush := o.lastPushAt
	o.mu.RUnlock()

	if st != stream.StateOpen {
		return
	}
	if !lastPush.IsZero() && o.now().Sub(lastPush) < o.cfg.PushStaleAfter {
		return
	}

	o.logger.Warn("Push channel silent while connection reports open, forcing refresh",
		zap.Time("LastPush", lastPush))
	o.Refresh(ctx, true)
}

func (o *Orchestrator) emitError(msg string) {
	o.mu.Lock()
	fn := o.errFn
	o.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}
