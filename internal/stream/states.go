package stream

import (
	"errors"
	"math/rand"
	"time"

	"crypto-market-deck/internal/market"
)

var (
	ErrNoEndpoints = errors.New("stream: no endpoints configured")
)

// ConnectionState 是流式客户端的连接状态
// 用单一枚举代替散落的布尔标志，让非法状态 (例如 "connecting 且 circuit-open") 无法表示
type ConnectionState string

const (
	StateIdle        ConnectionState = "IDLE"
	StateConnecting  ConnectionState = "CONNECTING"
	StateOpen        ConnectionState = "OPEN"
	StateClosing     ConnectionState = "CLOSING"
	StateClosed      ConnectionState = "CLOSED"
	StateCircuitOpen ConnectionState = "CIRCUIT_OPEN"
)

func (s ConnectionState) String() string {
	return string(s)
}

// ReconnectPolicy 定义了指数退避参数
// attempt 计数由客户端独占维护，成功 Open 时归零
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterRange time.Duration
}

// Delay 计算第 attempt 次重连的延迟: min(base*2^(attempt-1), max) + 均匀抖动
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.JitterRange > 0 {
		d += time.Duration(rand.Int63n(int64(p.JitterRange)))
	}
	return d
}

// Config 是流式客户端的全部可调参数
// 这些阈值是代表性默认值，不是硬性定律，按部署可调
type Config struct {
	Subscription market.Subscription
	Endpoints    []string // 候选端点，按优先级排序，失败过多时轮转

	HandshakeTimeout  time.Duration // 握手超时，必须强制进入 Closed，不允许无限挂起
	SilenceThreshold  time.Duration // 静默阈值：超过则视为连接已死，主动断开
	ConnectSpacing    time.Duration // 外部 Connect 调用的最小间隔，防止紧密重连循环
	EndpointFailLimit int           // 当前端点连续失败多少次后切换下一个

	CircuitThreshold   int           // 连续错误多少次触发熔断
	CircuitCooldown    time.Duration // 熔断初始冷却
	CircuitMaxCooldown time.Duration // 冷却上限 (随触发次数翻倍增长，到此封顶)

	Policy ReconnectPolicy
}

// DefaultConfig 返回一套生产可用的默认值
func DefaultConfig(sub market.Subscription) Config {
	return Config{
		Subscription: sub,
		Endpoints: []string{
			"wss://stream.binance.com:9443/ws",
			"wss://stream.binance.com:443/ws",
			"wss://data-stream.binance.vision/ws",
		},
		HandshakeTimeout:   10 * time.Second,
		SilenceThreshold:   45 * time.Second,
		ConnectSpacing:     2500 * time.Millisecond,
		EndpointFailLimit:  2,
		CircuitThreshold:   3,
		CircuitCooldown:    15 * time.Second,
		CircuitMaxCooldown: 120 * time.Second,
		Policy: ReconnectPolicy{
			MaxAttempts: 6,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			JitterRange: 500 * time.Millisecond,
		},
	}
}
