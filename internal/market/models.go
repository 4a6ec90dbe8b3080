package market

import "time"

// Subscription 标识一路订阅：交易对 + K 线周期
// 构造后不可变；切换订阅必须销毁旧的流式客户端再重建
type Subscription struct {
	Symbol   string // 例如 "BTCUSDT"
	Interval string // 例如 "1m", "5m", "1h"
}

// Key 返回缓存键形式，例如 "BTCUSDT:1m"
func (s Subscription) Key() string {
	return s.Symbol + ":" + s.Interval
}

func (s Subscription) String() string {
	return s.Key()
}

// Observation 代表一条带时间戳的价格/成交量样本 (一根 K 线)
type Observation struct {
	Time   int64 // K 线起始时间，毫秒时间戳
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// IsZero 报告该样本是否为未初始化的占位值
func (o Observation) IsZero() bool {
	return o.Time == 0 && o.Close == 0
}

// TickerStats 代表 24h 行情统计
// 涨跌幅只有 ticker 通道是权威来源，K 线通道不得合成这两个字段
type TickerStats struct {
	LastPrice          float64
	PriceChange        float64 // 24h 绝对涨跌
	PriceChangePercent float64 // 24h 涨跌百分比
	UpdatedAt          time.Time
}

// HasChange 报告是否持有非零的涨跌数据
func (t TickerStats) HasChange() bool {
	return t.PriceChange != 0 || t.PriceChangePercent != 0
}
