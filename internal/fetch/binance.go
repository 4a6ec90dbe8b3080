package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"

	"crypto-market-deck/internal/market"
	"crypto-market-deck/internal/service"
)

// requestTimeout 是每次对外请求的硬上限，不允许无界的网络调用
const requestTimeout = 10 * time.Second

// Binance 是快照拉取路径的实现：REST 拉 K 线序列和 24h 统计
type Binance struct {
	client  *binance.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewBinance 构造快照源。公共行情接口不需要 API Key。
func NewBinance(logger *zap.Logger) *Binance {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := binance.NewClient("", "")
	client.HTTPClient = &http.Client{Timeout: requestTimeout}
	return &Binance{
		client:  client,
		timeout: requestTimeout,
		logger:  logger,
	}
}

// FetchSeries 拉取一段 K 线序列。
// 上游声称升序无重复，但这里防御性地排序去重后再交给上层。
func (b *Binance) FetchSeries(ctx context.Context, sub market.Subscription, limit int) ([]market.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	klines, err := b.client.NewKlinesService().
		Symbol(sub.Symbol).
		Interval(sub.Interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s: %w", sub, err)
	}

	out := make([]market.Observation, 0, len(klines))
	for _, k := range klines {
		obs, err := convertKline(k)
		if err != nil {
			// 单条坏数据丢弃，不拖垮整个快照
			b.logger.Warn("Dropping malformed kline",
				zap.String("Symbol", sub.Symbol),
				zap.Int64("OpenTime", k.OpenTime),
				zap.Error(err))
			continue
		}
		out = append(out, obs)
	}

	return market.NormalizeSeries(out), nil
}

// FetchStats 拉取 24h 行情统计
func (b *Binance) FetchStats(ctx context.Context, symbol string) (market.TickerStats, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	stats, err := b.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return market.TickerStats{}, fmt.Errorf("fetch price change stats %s: %w", symbol, err)
	}
	if len(stats) == 0 {
		return market.TickerStats{}, fmt.Errorf("empty price change stats for %s", symbol)
	}

	return convertStats(stats[0])
}

func convertKline(k *binance.Kline) (market.Observation, error) {
	open, err := service.StringToFloat(k.Open)
	if err != nil {
		return market.Observation{}, fmt.Errorf("open: %w", err)
	}
	high, err := service.StringToFloat(k.High)
	if err != nil {
		return market.Observation{}, fmt.Errorf("high: %w", err)
	}
	low, err := service.StringToFloat(k.Low)
	if err != nil {
		return market.Observation{}, fmt.Errorf("low: %w", err)
	}
	closePx, err := service.StringToFloat(k.Close)
	if err != nil {
		return market.Observation{}, fmt.Errorf("close: %w", err)
	}
	volume, err := service.StringToFloat(k.Volume)
	if err != nil {
		return market.Observation{}, fmt.Errorf("volume: %w", err)
	}

	return market.Observation{
		Time:   k.OpenTime,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  closePx,
		Volume: volume,
	}, nil
}

func convertStats(s *binance.PriceChangeStats) (market.TickerStats, error) {
	last, err := service.StringToFloat(s.LastPrice)
	if err != nil {
		return market.TickerStats{}, fmt.Errorf("last price: %w", err)
	}
	change, err := service.StringToFloat(s.PriceChange)
	if err != nil {
		return market.TickerStats{}, fmt.Errorf("price change: %w", err)
	}
	pct, err := service.StringToFloat(s.PriceChangePercent)
	if err != nil {
		return market.TickerStats{}, fmt.Errorf("price change percent: %w", err)
	}

	return market.TickerStats{
		LastPrice:          last,
		PriceChange:        change,
		PriceChangePercent: pct,
		UpdatedAt:          time.Now(),
	}, nil
}
