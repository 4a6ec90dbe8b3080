package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-market-deck/internal/market"
)

// ---- fakes ----

type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{cur: time.Unix(1_700_000_000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.cur = f.cur.Add(d)
	f.mu.Unlock()
}

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped atomic.Bool
	fired   atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

// fire 无视 Stop 执行回调，模拟真实 AfterFunc 的并发触发；
// 客户端内部的 closed/gen 守卫必须兜住这种情况
func (t *fakeTimer) fire() {
	if t.fired.Swap(true) {
		return
	}
	t.fn()
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) After(d time.Duration, fn func()) stopper {
	t := &fakeTimer{d: d, fn: fn}
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
	return t
}

func (s *fakeScheduler) snapshot() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeTimer(nil), s.timers...)
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// waitTimer 等待第 n 个 (0-based) 定时器出现
func (s *fakeScheduler) waitTimer(t *testing.T, n int) *fakeTimer {
	t.Helper()
	require.Eventually(t, func() bool { return s.count() > n }, time.Second, time.Millisecond)
	return s.snapshot()[n]
}

type readResult struct {
	data []byte
	err  error
}

type fakeConn struct {
	msgs      chan readResult
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []interface{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs: make(chan readResult, 16),
		done: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-f.msgs:
		return 1, r.data, r.err
	case <-f.done:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	f.writes = append(f.writes, v)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) deliver(data []byte) { f.msgs <- readResult{data: data} }

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	conns []*fakeConn
	fail  bool // true 时所有拨号失败
}

func (d *fakeDialer) dial(url string, _ time.Duration) (wsConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.urls[len(d.urls)-1]
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

// ---- harness ----

func testConfig() Config {
	cfg := DefaultConfig(market.Subscription{Symbol: "BTCUSDT", Interval: "1m"})
	cfg.Endpoints = []string{"wss://primary/ws", "wss://backup/ws"}
	cfg.SilenceThreshold = 30 * time.Second
	cfg.Policy = ReconnectPolicy{
		MaxAttempts: 6,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		JitterRange: 500 * time.Millisecond,
	}
	return cfg
}

func newTestClient(t *testing.T, cfg Config) (*Client, *fakeDialer, *fakeScheduler, *fakeClock) {
	t.Helper()
	c, err := NewClient(cfg, nil)
	require.NoError(t, err)

	clock := newFakeClock()
	dialer := &fakeDialer{}
	sched := &fakeScheduler{}
	c.now = clock.Now
	c.dial = dialer.dial
	c.after = sched.After
	return c, dialer, sched, clock
}

func waitState(t *testing.T, c *Client, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		time.Second, time.Millisecond, "expected state %s, got %s", want, c.State())
}

// ---- tests ----

func TestNewClientRequiresEndpoints(t *testing.T) {
	cfg := testConfig()
	cfg.Endpoints = nil
	_, err := NewClient(cfg, nil)
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestConnectSubscribesOnOpen(t *testing.T) {
	c, dialer, _, _ := newTestClient(t, testConfig())

	c.Connect()
	waitState(t, c, StateOpen)

	conn := dialer.lastConn()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.writes, 1)
	frame := conn.writes[0].(map[string]interface{})
	assert.Equal(t, "SUBSCRIBE", frame["method"])
	assert.Contains(t, frame["params"], "btcusdt@kline_1m")
	assert.Contains(t, frame["params"], "btcusdt@ticker")
}

func TestObservationDelivery(t *testing.T) {
	c, dialer, _, _ := newTestClient(t, testConfig())

	obsCh := make(chan market.Observation, 1)
	c.OnObservation(func(o market.Observation) { obsCh <- o })

	c.Connect()
	waitState(t, c, StateOpen)

	dialer.lastConn().deliver([]byte(`{"e":"kline","s":"BTCUSDT",
		"k":{"t":1700000000000,"o":"100.5","c":"101.2","h":"102.0","l":"99.9","v":"12.5","x":false}}`))

	select {
	case obs := <-obsCh:
		assert.Equal(t, int64(1700000000000), obs.Time)
		assert.Equal(t, 101.2, obs.Close)
		assert.Equal(t, 12.5, obs.Volume)
	case <-time.After(time.Second):
		t.Fatal("observation not delivered")
	}
}

func TestParseErrorIsNonFatal(t *testing.T) {
	c, dialer, _, _ := newTestClient(t, testConfig())

	var errCount atomic.Int32
	c.OnError(func(string) { errCount.Add(1) })
	obsCh := make(chan market.Observation, 1)
	c.OnObservation(func(o market.Observation) { obsCh <- o })

	c.Connect()
	waitState(t, c, StateOpen)
	conn := dialer.lastConn()

	conn.deliver([]byte(`{not json`))
	conn.deliver([]byte(`{"e":"kline","k":{"t":1,"o":"bad","c":"1","h":"1","l":"1","v":"1"}}`))

	require.Eventually(t, func() bool { return errCount.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, StateOpen, c.State())

	// 坏消息之后连接仍然可用
	conn.deliver([]byte(`{"e":"kline","k":{"t":2,"o":"1","c":"2","h":"3","l":"0.5","v":"1"}}`))
	select {
	case obs := <-obsCh:
		assert.Equal(t, int64(2), obs.Time)
	case <-time.After(time.Second):
		t.Fatal("valid message after bad one not delivered")
	}
}

func TestTickerZeroChangeDoesNotClobber(t *testing.T) {
	c, dialer, _, _ := newTestClient(t, testConfig())

	statsCh := make(chan market.TickerStats, 2)
	c.OnTicker(func(s market.TickerStats) { statsCh <- s })

	c.Connect()
	waitState(t, c, StateOpen)
	conn := dialer.lastConn()

	conn.deliver([]byte(`{"e":"24hrTicker","s":"BTCUSDT","p":"150.25","P":"1.42","c":"10700.00"}`))
	first := <-statsCh
	assert.Equal(t, 150.25, first.PriceChange)

	// 零涨跌哨兵：保留已知的非零涨跌，只更新最新价
	conn.deliver([]byte(`{"e":"24hrTicker","s":"BTCUSDT","p":"0.00","P":"0.00","c":"10710.00"}`))
	second := <-statsCh
	assert.Equal(t, 150.25, second.PriceChange)
	assert.Equal(t, 1.42, second.PriceChangePercent)
	assert.Equal(t, 10710.00, second.LastPrice)

	held := c.LastStats()
	assert.Equal(t, 150.25, held.PriceChange)
	assert.Equal(t, 1.42, held.PriceChangePercent)
}

func TestSilenceTriggersReconnect(t *testing.T) {
	c, _, sched, clock := newTestClient(t, testConfig())

	var states []ConnectionState
	var mu sync.Mutex
	c.OnStateChange(func(s ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	c.Connect()
	waitState(t, c, StateOpen)

	// Open 后第一个定时器是静默检测 (30s)
	silence := sched.waitTimer(t, 0)
	require.Equal(t, 30*time.Second, silence.d)

	// 40s 无消息，阈值 30s
	clock.Advance(40 * time.Second)
	silence.fire()

	waitState(t, c, StateClosed)

	// 重连已排期: attempt=1, 延迟在 [base, base*2+jitter] 内
	reconnect := sched.waitTimer(t, 1)
	assert.GreaterOrEqual(t, reconnect.d, time.Second)
	assert.LessOrEqual(t, reconnect.d, 2*time.Second+500*time.Millisecond)

	c.mu.Lock()
	attempt := c.attempt
	c.mu.Unlock()
	assert.Equal(t, 1, attempt)
}

func TestSilenceCheckReschedulesWhenDataFlowing(t *testing.T) {
	c, dialer, sched, clock := newTestClient(t, testConfig())

	c.Connect()
	waitState(t, c, StateOpen)

	silence := sched.waitTimer(t, 0)

	// 20s 后有数据到达
	clock.Advance(20 * time.Second)
	dialer.lastConn().deliver([]byte(`{"e":"kline","k":{"t":1,"o":"1","c":"1","h":"1","l":"1","v":"1"}}`))
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.lastMessageAt.Equal(clock.Now())
	}, time.Second, time.Millisecond)

	clock.Advance(15 * time.Second) // 距连接 35s，距最后消息 15s
	silence.fire()

	// 未达阈值：保持 Open，重新排期剩余时间
	assert.Equal(t, StateOpen, c.State())
	next := sched.waitTimer(t, 1)
	assert.Equal(t, 15*time.Second, next.d)
}

func TestCircuitBreaker(t *testing.T) {
	cfg := testConfig()
	c, dialer, sched, clock := newTestClient(t, cfg)
	dialer.fail = true

	c.Connect()

	// 失败 1 → 重连定时器；触发它得到失败 2；再触发得到失败 3 → 熔断
	first := sched.waitTimer(t, 0)
	first.fire()
	second := sched.waitTimer(t, 1)
	second.fire()

	waitState(t, c, StateCircuitOpen)
	assert.Equal(t, 3, dialer.dialCount())

	// 冷却期内 Connect 是 no-op
	clock.Advance(5 * time.Second)
	c.Connect()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateCircuitOpen, c.State())
	assert.Equal(t, 3, dialer.dialCount())

	// 冷却结束后 Connect 重新发起连接
	clock.Advance(cfg.CircuitCooldown)
	dialer.mu.Lock()
	dialer.fail = false
	dialer.mu.Unlock()
	c.Connect()
	waitState(t, c, StateOpen)
	assert.Equal(t, 4, dialer.dialCount())
}

func TestCircuitCooldownTimerResumes(t *testing.T) {
	cfg := testConfig()
	c, dialer, sched, clock := newTestClient(t, cfg)
	dialer.fail = true

	c.Connect()
	sched.waitTimer(t, 0).fire()
	sched.waitTimer(t, 1).fire()
	waitState(t, c, StateCircuitOpen)

	// 熔断时安排了冷却结束的自动恢复
	resume := sched.waitTimer(t, 2)
	assert.Equal(t, cfg.CircuitCooldown, resume.d)

	clock.Advance(cfg.CircuitCooldown)
	dialer.mu.Lock()
	dialer.fail = false
	dialer.mu.Unlock()
	resume.fire()

	waitState(t, c, StateOpen)
}

func TestConnectRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitThreshold = 10 // 本测试不关心熔断
	c, dialer, _, clock := newTestClient(t, cfg)
	dialer.fail = true

	c.Connect()
	require.Eventually(t, func() bool { return dialer.dialCount() == 1 }, time.Second, time.Millisecond)
	waitState(t, c, StateClosed)

	// 间隔内的重复调用被忽略
	c.Connect()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())

	clock.Advance(3 * time.Second)
	c.Connect()
	require.Eventually(t, func() bool { return dialer.dialCount() == 2 }, time.Second, time.Millisecond)
}

func TestEndpointFallback(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitThreshold = 10
	c, dialer, sched, _ := newTestClient(t, cfg)
	dialer.fail = true

	c.Connect()
	sched.waitTimer(t, 0).fire()
	require.Eventually(t, func() bool { return dialer.dialCount() == 2 }, time.Second, time.Millisecond)

	// 主端点连续失败 2 次后轮转到备用端点
	sched.waitTimer(t, 1).fire()
	require.Eventually(t, func() bool { return dialer.dialCount() == 3 }, time.Second, time.Millisecond)

	dialer.mu.Lock()
	urls := append([]string(nil), dialer.urls...)
	dialer.mu.Unlock()
	assert.Equal(t, []string{"wss://primary/ws", "wss://primary/ws", "wss://backup/ws"}, urls)
}

func TestDisconnectCancelsEverything(t *testing.T) {
	cfg := testConfig()
	c, dialer, sched, clock := newTestClient(t, cfg)
	dialer.fail = true

	var callbacks atomic.Int32
	c.OnStateChange(func(ConnectionState) { callbacks.Add(1) })
	c.OnError(func(string) { callbacks.Add(1) })
	c.OnObservation(func(market.Observation) { callbacks.Add(1) })

	c.Connect()
	sched.waitTimer(t, 0) // 重连已排期
	waitState(t, c, StateClosed)

	c.Disconnect()
	assert.Equal(t, StateClosed, c.State())
	before := callbacks.Load()

	// 推进所有定时器并强制触发：销毁后的实例不得再产生任何回调
	clock.Advance(10 * time.Minute)
	for _, timer := range sched.snapshot() {
		timer.fire()
	}
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, before, callbacks.Load())
	assert.Equal(t, 1, dialer.dialCount())

	// Disconnect 后 Connect 也是 no-op
	c.Connect()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestRemoteCloseTriggersReconnect(t *testing.T) {
	c, dialer, sched, _ := newTestClient(t, testConfig())

	c.Connect()
	waitState(t, c, StateOpen)

	// 远端关闭连接
	dialer.lastConn().Close()
	waitState(t, c, StateClosed)

	// 静默定时器之后出现重连定时器
	reconnect := sched.waitTimer(t, 1)
	assert.GreaterOrEqual(t, reconnect.d, time.Second)
}

func TestOpenResetsAttemptCounter(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitThreshold = 10
	c, dialer, sched, _ := newTestClient(t, cfg)
	dialer.fail = true

	c.Connect()
	sched.waitTimer(t, 0).fire()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.attempt == 2
	}, time.Second, time.Millisecond)

	dialer.mu.Lock()
	dialer.fail = false
	dialer.mu.Unlock()
	sched.waitTimer(t, 1).fire()
	waitState(t, c, StateOpen)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, 0, c.attempt)
	assert.Equal(t, 0, c.consecutiveErrors)
}

func TestReconnectPolicyDelayBounds(t *testing.T) {
	p := ReconnectPolicy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		JitterRange: 500 * time.Millisecond,
	}

	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt)
		base := time.Second << (attempt - 1)
		if base > p.MaxDelay {
			base = p.MaxDelay
		}
		assert.GreaterOrEqual(t, d, base, "attempt %d", attempt)
		assert.Less(t, d, base+p.JitterRange, "attempt %d", attempt)
	}
}
