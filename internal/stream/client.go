package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"crypto-market-deck/internal/market"
)

// wsConn 是客户端对底层连接的最小依赖，*websocket.Conn 天然满足
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// stopper 抽象可取消的定时器，*time.Timer 满足
type stopper interface {
	Stop() bool
}

type dialFunc func(url string, timeout time.Duration) (wsConn, error)
type timerFunc func(d time.Duration, f func()) stopper

func gorillaDial(url string, timeout time.Duration) (wsConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func afterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// Client 为一路订阅维护尽力而为的实时连接。
// 所有失败都通过回调上报，公共边界不抛错；解析失败不致命，
// 只有静默/远端关闭/握手失败才触发重连。
// 监听器语义：每种事件一个当前监听器，重复注册即替换。
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu                sync.Mutex
	state             ConnectionState
	conn              wsConn
	closed            bool // Disconnect 后为真，不再有任何自动动作
	gen               int  // 连接代数，作废过期的 goroutine 和定时器
	attempt           int  // 当前重连尝试次数，Open 时归零
	consecutiveErrors int
	circuitTrips      int
	circuitOpenedAt   time.Time
	cooldown          time.Duration
	endpointIdx       int
	endpointFails     int
	lastConnectAt     time.Time
	lastOpenAt        time.Time
	lastMessageAt     time.Time
	lastStats         market.TickerStats

	reconnectTimer stopper
	silenceTimer   stopper

	obsFn    func(market.Observation)
	tickerFn func(market.TickerStats)
	stateFn  func(ConnectionState)
	errFn    func(string)

	// 测试钩子
	now   func() time.Time
	dial  dialFunc
	after timerFunc
}

// NewClient 构造流式客户端，不发起连接
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		logger: logger.With(
			zap.String("Symbol", cfg.Subscription.Symbol),
			zap.String("Interval", cfg.Subscription.Interval)),
		state: StateIdle,
		now:   time.Now,
		dial:  gorillaDial,
		after: afterFunc,
	}, nil
}

// OnObservation 注册 K 线样本监听器 (替换语义)
func (c *Client) OnObservation(fn func(market.Observation)) {
	c.mu.Lock()
	c.obsFn = fn
	c.mu.Unlock()
}

// OnTicker 注册 24h 行情监听器 (替换语义)
func (c *Client) OnTicker(fn func(market.TickerStats)) {
	c.mu.Lock()
	c.tickerFn = fn
	c.mu.Unlock()
}

// OnStateChange 注册连接状态监听器 (替换语义)
func (c *Client) OnStateChange(fn func(ConnectionState)) {
	c.mu.Lock()
	c.stateFn = fn
	c.mu.Unlock()
}

// OnError 注册错误监听器 (替换语义)
func (c *Client) OnError(fn func(string)) {
	c.mu.Lock()
	c.errFn = fn
	c.mu.Unlock()
}

// State 返回当前连接状态
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastStats 返回持有的 24h 行情
func (c *Client) LastStats() market.TickerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStats
}

// Connect 发起连接。以下情况是 no-op：
//   - 距上次尝试不足 ConnectSpacing (防止外部紧密循环)
//   - 熔断冷却未结束
//   - 已在 Connecting/Open
//   - 已 Disconnect
func (c *Client) Connect() {
	c.connect(false)
}

// connect 的 internal=true 表示由内部调度器发起，跳过间隔限制
func (c *Client) connect(internal bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	now := c.now()

	if c.state == StateCircuitOpen {
		if now.Sub(c.circuitOpenedAt) < c.cooldown {
			c.mu.Unlock()
			c.logger.Debug("Connect ignored: circuit open")
			return
		}
		// 冷却结束：CircuitOpen -> Idle，连续错误清零
		c.consecutiveErrors = 0
		c.attempt = 0
		c.state = StateIdle
		c.mu.Unlock()
		c.emitState(StateIdle)
		c.mu.Lock()
		if c.closed || c.state != StateIdle {
			c.mu.Unlock()
			return
		}
	}

	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return
	}

	if !internal && !c.lastConnectAt.IsZero() && now.Sub(c.lastConnectAt) < c.cfg.ConnectSpacing {
		c.mu.Unlock()
		c.logger.Debug("Connect ignored: rate limited",
			zap.Duration("SinceLast", now.Sub(c.lastConnectAt)))
		return
	}

	c.lastConnectAt = now
	c.state = StateConnecting
	gen := c.gen
	url := c.cfg.Endpoints[c.endpointIdx]
	c.mu.Unlock()

	c.emitState(StateConnecting)
	c.logger.Info("Connecting", zap.String("URL", url), zap.Int("Attempt", c.attemptCount()))

	go c.doConnect(gen, url)
}

func (c *Client) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// doConnect 执行握手，成功后启动读循环和静默检测
func (c *Client) doConnect(gen int, url string) {
	conn, err := c.dial(url, c.cfg.HandshakeTimeout)

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		c.state = StateClosed
		c.mu.Unlock()
		c.emitState(StateClosed)
		c.emitError(fmt.Sprintf("connect %s failed: %v", url, err))
		c.onFailure()
		return
	}

	c.conn = conn
	c.state = StateOpen
	c.attempt = 0 // 成功 Open：重连计数归零
	c.consecutiveErrors = 0
	c.circuitTrips = 0
	c.endpointFails = 0
	c.lastOpenAt = c.now()
	c.lastMessageAt = c.lastOpenAt
	c.mu.Unlock()

	c.emitState(StateOpen)
	c.logger.Info("Connected", zap.String("URL", url))

	if err := conn.WriteJSON(subscribeFrame(c.cfg.Subscription)); err != nil {
		c.emitError(fmt.Sprintf("subscribe failed: %v", err))
		c.failCurrentConn()
		return
	}

	go c.readLoop(gen, conn)
	c.scheduleSilenceCheck(gen, c.cfg.SilenceThreshold)
}

// Disconnect 显式断开，对该实例是终态：
// 同步取消所有定时器，之后不会再有任何回调触发。
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	c.stopTimersLocked()
	conn := c.conn
	c.conn = nil
	c.state = StateClosing
	c.mu.Unlock()

	c.emitState(StateClosing)
	if conn != nil {
		conn.Close()
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.emitState(StateClosed)
	c.logger.Info("Disconnected")
}

// stopTimersLocked 取消重连和静默定时器，调用方持锁
func (c *Client) stopTimersLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
		c.silenceTimer = nil
	}
}

// readLoop 持续读取消息；读错误触发失败处理，解析错误不致命
func (c *Client) readLoop(gen int, conn wsConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.closed || gen != c.gen
			if !stale {
				c.gen++
				c.conn = nil
				c.state = StateClosed
				c.stopTimersLocked()
			}
			c.mu.Unlock()

			if stale {
				return
			}
			c.emitState(StateClosed)
			c.emitError(fmt.Sprintf("connection lost: %v", err))
			c.onFailure()
			return
		}

		c.mu.Lock()
		if c.closed || gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.lastMessageAt = c.now()
		c.mu.Unlock()

		c.handleMessage(data)
	}
}

// handleMessage 分发一条入站消息。单条坏消息只上报不断线。
func (c *Client) handleMessage(data []byte) {
	var ev wsEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.emitError(fmt.Sprintf("message unmarshal: %v", err))
		return
	}

	switch ev.Event {
	case "kline":
		obs, err := parseKline(data)
		if err != nil {
			c.emitError(err.Error())
			return
		}
		c.mu.Lock()
		fn := c.obsFn
		c.mu.Unlock()
		if fn != nil {
			fn(obs)
		}

	case "24hrTicker":
		stats, err := parseTicker(data)
		if err != nil {
			c.emitError(err.Error())
			return
		}
		c.handleTicker(stats)

	default:
		// 订阅确认等控制消息，忽略
	}
}

// handleTicker 持有最新 24h 行情。
// 零涨跌哨兵不得覆盖已知的非零涨跌 (上游偶发发出 p=P=0 的快照)。
func (c *Client) handleTicker(stats market.TickerStats) {
	stats.UpdatedAt = c.now()

	c.mu.Lock()
	if !stats.HasChange() && c.lastStats.HasChange() {
		stats.PriceChange = c.lastStats.PriceChange
		stats.PriceChangePercent = c.lastStats.PriceChangePercent
	}
	c.lastStats = stats
	fn := c.tickerFn
	c.mu.Unlock()

	if fn != nil {
		fn(stats)
	}
}

// scheduleSilenceCheck 安排下一次静默检测
func (c *Client) scheduleSilenceCheck(gen int, d time.Duration) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.silenceTimer = c.after(d, func() { c.checkSilence(gen) })
	c.mu.Unlock()
}

// checkSilence 在 Open 状态下检测数据静默；超过阈值视为连接已死，
// 主动关闭并走失败路径 (远端没发 close 不代表连接还活着)。
func (c *Client) checkSilence(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}

	idle := c.now().Sub(c.lastMessageAt)
	if idle < c.cfg.SilenceThreshold {
		c.silenceTimer = c.after(c.cfg.SilenceThreshold-idle, func() { c.checkSilence(gen) })
		c.mu.Unlock()
		return
	}

	c.gen++
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.stopTimersLocked()
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.emitState(StateClosed)
	c.emitError(fmt.Sprintf("data silence for %s, treating connection as dead", idle))
	c.onFailure()
}

// failCurrentConn 主动废弃当前连接并走失败路径 (订阅失败等)
func (c *Client) failCurrentConn() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.stopTimersLocked()
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.emitState(StateClosed)
	c.onFailure()
}

// onFailure 统计连续错误，决定端点轮转、熔断还是退避重连
func (c *Client) onFailure() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.consecutiveErrors++
	c.endpointFails++

	// 端点轮转：当前端点连续失败过多，换下一个候选，
	// 避免把重连预算全部耗在一个系统性故障的端点上
	if c.endpointFails >= c.cfg.EndpointFailLimit && len(c.cfg.Endpoints) > 1 {
		c.endpointIdx = (c.endpointIdx + 1) % len(c.cfg.Endpoints)
		c.endpointFails = 0
		c.logger.Warn("Advancing to next endpoint",
			zap.String("Endpoint", c.cfg.Endpoints[c.endpointIdx]))
	}

	trip := c.consecutiveErrors >= c.cfg.CircuitThreshold
	c.mu.Unlock()

	if trip {
		c.tripCircuit()
		return
	}
	c.scheduleReconnect()
}

// tripCircuit 进入熔断：冷却期内 Connect 是 no-op，
// 冷却随触发次数翻倍增长，封顶 CircuitMaxCooldown；
// 冷却结束后定时器自动恢复尝试。
func (c *Client) tripCircuit() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	cooldown := c.cfg.CircuitCooldown
	for i := 0; i < c.circuitTrips; i++ {
		cooldown *= 2
		if cooldown >= c.cfg.CircuitMaxCooldown {
			cooldown = c.cfg.CircuitMaxCooldown
			break
		}
	}
	c.circuitTrips++
	c.cooldown = cooldown
	c.circuitOpenedAt = c.now()
	c.state = StateCircuitOpen
	c.stopTimersLocked()
	gen := c.gen
	c.reconnectTimer = c.after(cooldown, func() { c.resume(gen) })
	c.mu.Unlock()

	c.emitState(StateCircuitOpen)
	c.emitError(fmt.Sprintf("circuit breaker open for %s after %d consecutive errors",
		cooldown, c.cfg.CircuitThreshold))
	c.logger.Warn("Circuit breaker tripped",
		zap.Duration("Cooldown", cooldown),
		zap.Int("Trips", c.circuitTrips))
}

// resume 在熔断冷却结束后自动重试
func (c *Client) resume(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.connect(true)
}

// scheduleReconnect 按退避策略安排下一次重连
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if c.attempt >= c.cfg.Policy.MaxAttempts {
		c.mu.Unlock()
		c.emitError("reconnect attempts exhausted, manual Connect required")
		c.logger.Error("Reconnect attempts exhausted",
			zap.Int("MaxAttempts", c.cfg.Policy.MaxAttempts))
		return
	}

	c.attempt++
	delay := c.cfg.Policy.Delay(c.attempt)
	gen := c.gen
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = c.after(delay, func() { c.resume(gen) })
	attempt := c.attempt
	c.mu.Unlock()

	c.logger.Info("Reconnect scheduled",
		zap.Int("Attempt", attempt),
		zap.Duration("Delay", delay))
}

// emitState 通知状态监听器 (不持锁调用，监听器可以安全回调客户端)
func (c *Client) emitState(s ConnectionState) {
	c.mu.Lock()
	fn := c.stateFn
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// emitError 通知错误监听器
func (c *Client) emitError(msg string) {
	c.mu.Lock()
	fn := c.errFn
	c.mu.Unlock()
	c.logger.Warn("Stream error", zap.String("Message", msg))
	if fn != nil {
		fn(msg)
	}
}
