package advisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crypto-market-deck/pkg/ta"
)

// Analysis 是一次分析请求的最终产出。
// Degraded 为真表示没能用上模型，结论来自本地规则降级。
type Analysis struct {
	ID         string
	Verdict    Verdict
	Text       string
	Provider   string
	Model      string
	TokensUsed int
	Degraded   bool
	CreatedAt  time.Time
}

// Advisor 负责挑选后端并产出市场分析。
// 后端全部不可用或调用失败时降级到本地规则判定，分析永远有产出。
type Advisor struct {
	providers []Provider
	preferred string
	logger    *zap.Logger

	now func() time.Time
}

// New 构造分析器
func New(providers []Provider, preferred string, logger *zap.Logger) *Advisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advisor{
		providers: providers,
		preferred: preferred,
		logger:    logger,
		now:       time.Now,
	}
}

// Candidates 返回当前后端的画像列表，选择逻辑和展示共用
func (a *Advisor) Candidates() []Candidate {
	out := make([]Candidate, 0, len(a.providers))
	for _, p := range a.providers {
		out = append(out, Candidate{Name: p.Name(), Free: p.IsFree(), Available: p.IsAvailable()})
	}
	return out
}

// Analyze 对当前指标快照产出一份分析。
// 失败路径：选不出后端或后端调用失败时，用 RuleVerdict 降级，不返回错误。
func (a *Advisor) Analyze(ctx context.Context, d *ta.Data) Analysis {
	reqID := uuid.NewString()
	price := d.LatestClose()

	name, ok := Select(a.preferred, a.Candidates())
	if !ok {
		a.logger.Info("No analysis provider available, using rule fallback",
			zap.String("RequestID", reqID))
		return a.degraded(reqID, d, price, "")
	}

	provider := a.provider(name)
	prompt := buildPrompt(d, price)

	completion, err := provider.Analyze(ctx, prompt)
	if err != nil {
		a.logger.Warn("Provider analysis failed, using rule fallback",
			zap.String("RequestID", reqID),
			zap.String("Provider", name),
			zap.Error(err))
		return a.degraded(reqID, d, price, name)
	}

	verdict, found := parseVerdict(completion.Text)
	if !found {
		// 模型没给出明确结论，结论用本地规则，正文保留模型输出
		verdict, _ = RuleVerdict(d, price)
	}

	a.logger.Info("Analysis completed",
		zap.String("RequestID", reqID),
		zap.String("Provider", name),
		zap.String("Verdict", string(verdict)),
		zap.Int("TokensUsed", completion.TokensUsed))

	return Analysis{
		ID:         reqID,
		Verdict:    verdict,
		Text:       completion.Text,
		Provider:   name,
		Model:      completion.Model,
		TokensUsed: completion.TokensUsed,
		CreatedAt:  a.now(),
	}
}

func (a *Advisor) provider(name string) Provider {
	for _, p := range a.providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

func (a *Advisor) degraded(reqID string, d *ta.Data, price float64, provider string) Analysis {
	verdict, reason := RuleVerdict(d, price)
	return Analysis{
		ID:        reqID,
		Verdict:   verdict,
		Text:      fmt.Sprintf("%s (local indicator rules: %s)", verdict, reason),
		Provider:  provider,
		Degraded:  true,
		CreatedAt: a.now(),
	}
}

// buildPrompt 把指标快照编排成模型提示词
func buildPrompt(d *ta.Data, price float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a crypto market analyst. Analyze %s based on these technical indicators:\n", d.Symbol)
	fmt.Fprintf(&b, "Last price: %.4f\n", price)
	fmt.Fprintf(&b, "SMA(20): %.4f\n", d.MA)
	fmt.Fprintf(&b, "RSI(14): %.2f\n", d.RSI)
	fmt.Fprintf(&b, "Bollinger bands: upper %.4f, lower %.4f\n", d.BBandsUp, d.BBandsDn)
	fmt.Fprintf(&b, "MACD: %.6f, histogram: %.6f\n", d.MACD, d.MACDHist)
	fmt.Fprintf(&b, "ATR(14): %.4f\n", d.ATR)
	b.WriteString("\nGive a short assessment (3-4 sentences) and finish with exactly one word on its own line: BUY, SELL or HOLD.")
	return b.String()
}

// parseVerdict 在模型输出里找归一化结论。
// 从文本末尾往前找第一个出现的关键词，模型的结论约定放在最后。
func parseVerdict(text string) (Verdict, bool) {
	upper := strings.ToUpper(text)
	best := Verdict("")
	bestIdx := -1
	for _, v := range []Verdict{VerdictBuy, VerdictSell, VerdictHold} {
		if idx := strings.LastIndex(upper, string(v)); idx > bestIdx {
			bestIdx = idx
			best = v
		}
	}
	if bestIdx < 0 {
		return "", false
	}
	return best, true
}
