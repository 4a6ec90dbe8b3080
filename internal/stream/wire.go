package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"crypto-market-deck/internal/market"
	"crypto-market-deck/internal/service"
)

// wsEvent 是 Binance 推送的通用信封，只看事件类型字段
type wsEvent struct {
	Event string `json:"e"`
}

// klineEvent 适配 kline 频道数据结构
type klineEvent struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	K      struct {
		StartTime int64  `json:"t"` // K 线起始时间 (毫秒)
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Final     bool   `json:"x"` // 该根 K 线是否已收盘
	} `json:"k"`
}

// tickerEvent 适配 24hrTicker 频道数据结构
// 涨跌幅 (p/P) 只有这个通道是权威来源
type tickerEvent struct {
	Event         string `json:"e"`
	Symbol        string `json:"s"`
	Change        string `json:"p"` // 24h 绝对涨跌
	ChangePercent string `json:"P"` // 24h 涨跌百分比
	LastPrice     string `json:"c"`
}

// subscribeFrame 构造订阅指令: kline + ticker 两个频道
func subscribeFrame(sub market.Subscription) map[string]interface{} {
	lower := strings.ToLower(sub.Symbol)
	return map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": []string{
			fmt.Sprintf("%s@kline_%s", lower, sub.Interval),
			fmt.Sprintf("%s@ticker", lower),
		},
		"id": 1,
	}
}

// parseKline 将 kline 事件转换为内部 Observation
func parseKline(data []byte) (market.Observation, error) {
	var ev klineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return market.Observation{}, fmt.Errorf("kline unmarshal: %w", err)
	}

	open, err := service.StringToFloat(ev.K.Open)
	if err != nil {
		return market.Observation{}, fmt.Errorf("kline open: %w", err)
	}
	high, err := service.StringToFloat(ev.K.High)
	if err != nil {
		return market.Observation{}, fmt.Errorf("kline high: %w", err)
	}
	low, err := service.StringToFloat(ev.K.Low)
	if err != nil {
		return market.Observation{}, fmt.Errorf("kline low: %w", err)
	}
	closePx, err := service.StringToFloat(ev.K.Close)
	if err != nil {
		return market.Observation{}, fmt.Errorf("kline close: %w", err)
	}
	volume, err := service.StringToFloat(ev.K.Volume)
	if err != nil {
		return market.Observation{}, fmt.Errorf("kline volume: %w", err)
	}

	return market.Observation{
		Time:   ev.K.StartTime,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  closePx,
		Volume: volume,
	}, nil
}

// parseTicker 将 24hrTicker 事件转换为内部 TickerStats (UpdatedAt 由调用方填)
func parseTicker(data []byte) (market.TickerStats, error) {
	var ev tickerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return market.TickerStats{}, fmt.Errorf("ticker unmarshal: %w", err)
	}

	last, err := service.StringToFloat(ev.LastPrice)
	if err != nil {
		return market.TickerStats{}, fmt.Errorf("ticker last price: %w", err)
	}
	change, err := service.StringToFloat(ev.Change)
	if err != nil {
		return market.TickerStats{}, fmt.Errorf("ticker change: %w", err)
	}
	pct, err := service.StringToFloat(ev.ChangePercent)
	if err != nil {
		return market.TickerStats{}, fmt.Errorf("ticker change percent: %w", err)
	}

	return market.TickerStats{
		LastPrice:          last,
		PriceChange:        change,
		PriceChangePercent: pct,
	}, nil
}
