package ta

import (
	"fmt"
	"sync"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"crypto-market-deck/internal/market"
)

// Data 存储计算指标所需的历史数据和最新指标值
type Data struct {
	Symbol string
	Close  []float64 // 收盘价序列
	High   []float64 // 最高价序列
	Low    []float64 // 最低价序列
	Volume []float64 // 成交量序列

	// 最新计算出的指标值，方便外部查询
	MA       float64 // SMA 20
	RSI      float64 // RSI 14
	BBandsUp float64
	BBandsDn float64
	ATR      float64
	MACD     float64 // MACD 线最新值
	MACDHist float64 // MACD 柱最新值
}

// LatestClose 返回最新收盘价，序列为空时返回 0
func (d *Data) LatestClose() float64 {
	if len(d.Close) == 0 {
		return 0
	}
	return d.Close[len(d.Close)-1]
}

// Calculator 负责维护一路订阅的滚动历史并计算指标
type Calculator struct {
	mu            sync.RWMutex
	data          *Data
	lastTime      int64 // 最后一条样本的时间戳，用于区分新 K 线和盘中更新
	MinHistoryLen int   // 计算指标所需的最小历史长度
	MaxHistoryLen int   // 滚动窗口长度
	logger        *zap.Logger
}

// NewCalculator 初始化技术指标计算器
func NewCalculator(symbol string, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{
		data: &Data{
			Symbol: symbol,
			Close:  make([]float64, 0, 100),
			High:   make([]float64, 0, 100),
			Low:    make([]float64, 0, 100),
			Volume: make([]float64, 0, 100),
		},
		MinHistoryLen: 30,  // MA20 等指标的安全长度
		MaxHistoryLen: 100, // 保留最近 100 根
		logger:        logger,
	}
}

// Update 用一条样本更新历史并重算指标。
// 同一时间戳的样本视为盘中更新，覆盖最后一根而不是追加。
func (c *Calculator) Update(obs market.Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.data
	if c.lastTime == obs.Time && len(d.Close) > 0 {
		// 盘中更新：覆盖最后一根
		n := len(d.Close) - 1
		d.Close[n] = obs.Close
		d.High[n] = obs.High
		d.Low[n] = obs.Low
		d.Volume[n] = obs.Volume
	} else {
		d.Close = append(d.Close, obs.Close)
		d.High = append(d.High, obs.High)
		d.Low = append(d.Low, obs.Low)
		d.Volume = append(d.Volume, obs.Volume)
		c.lastTime = obs.Time
	}

	// 滚动窗口：保持历史长度
	if len(d.Close) > c.MaxHistoryLen {
		d.Close = d.Close[len(d.Close)-c.MaxHistoryLen:]
		d.High = d.High[len(d.High)-c.MaxHistoryLen:]
		d.Low = d.Low[len(d.Low)-c.MaxHistoryLen:]
		d.Volume = d.Volume[len(d.Volume)-c.MaxHistoryLen:]
	}

	if len(d.Close) < c.MinHistoryLen {
		return
	}

	c.calculate(d)
}

// UpdateSeries 用整段历史重建指标 (初始快照拉取后调用)
func (c *Calculator) UpdateSeries(series []market.Observation) {
	for _, obs := range series {
		c.Update(obs)
	}
}

// calculate 集中计算所有需要的指标
func (c *Calculator) calculate(d *Data) {
	closePrices := d.Close

	// --- 均线 (MA 20) ---
	maResult := talib.Sma(closePrices, 20)
	d.MA = maResult[len(maResult)-1]

	// --- 相对强弱指数 (RSI 14) ---
	rsiResult := talib.Rsi(closePrices, 14)
	d.RSI = rsiResult[len(rsiResult)-1]

	// --- 布林带 (BBands 20, 2) ---
	bbandsUp, _, bbandsDn := talib.BBands(closePrices, 20, 2, 2, talib.SMA)
	d.BBandsUp = bbandsUp[len(bbandsUp)-1]
	d.BBandsDn = bbandsDn[len(bbandsDn)-1]

	// --- MACD (12, 26, 9) ---
	macd, _, hist := talib.Macd(closePrices, 12, 26, 9)
	d.MACD = macd[len(macd)-1]
	d.MACDHist = hist[len(hist)-1]

	// --- 平均真实波动范围 (ATR 14) ---
	atrResult := talib.Atr(d.High, d.Low, closePrices, 14)
	d.ATR = atrResult[len(atrResult)-1]
}

// Data 返回当前指标快照；历史不足时返回错误
func (c *Calculator) Data() (*Data, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.data.Close) < c.MinHistoryLen {
		return nil, fmt.Errorf("ta history too short: %d < %d", len(c.data.Close), c.MinHistoryLen)
	}

	// 返回拷贝，调用方拿不到内部切片
	cp := *c.data
	cp.Close = append([]float64(nil), c.data.Close...)
	cp.High = append([]float64(nil), c.data.High...)
	cp.Low = append([]float64(nil), c.data.Low...)
	cp.Volume = append([]float64(nil), c.data.Volume...)
	return &cp, nil
}

// Reset 清空历史，切换订阅时调用
func (c *Calculator) Reset(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = &Data{
		Symbol: symbol,
		Close:  make([]float64, 0, 100),
		High:   make([]float64, 0, 100),
		Low:    make([]float64, 0, 100),
		Volume: make([]float64, 0, 100),
	}
	c.lastTime = 0
}
