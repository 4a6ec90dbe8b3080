package advisor

import (
	"fmt"
	"strings"

	"crypto-market-deck/pkg/ta"
)

// RuleVerdict 是无模型可用时的本地降级判定。
// 纯函数：同样的指标输入永远给出同样的结论。
// 各指标独立打分后求和：
//
//	RSI <= 30 超卖 +2，RSI >= 70 超买 -2
//	价格在 MA20 上方 +1，下方 -1
//	MACD 柱为正 +1，为负 -1
//	价格跌破布林下轨 +1，突破上轨 -1
//
// 总分 >= 2 给 BUY，<= -2 给 SELL，其余 HOLD。
func RuleVerdict(d *ta.Data, price float64) (Verdict, string) {
	score := 0
	var reasons []string

	switch {
	case d.RSI <= 30:
		score += 2
		reasons = append(reasons, fmt.Sprintf("RSI %.1f oversold", d.RSI))
	case d.RSI >= 70:
		score -= 2
		reasons = append(reasons, fmt.Sprintf("RSI %.1f overbought", d.RSI))
	}

	if price > d.MA {
		score++
		reasons = append(reasons, "price above MA20")
	} else if price < d.MA {
		score--
		reasons = append(reasons, "price below MA20")
	}

	if d.MACDHist > 0 {
		score++
		reasons = append(reasons, "MACD histogram positive")
	} else if d.MACDHist < 0 {
		score--
		reasons = append(reasons, "MACD histogram negative")
	}

	if price < d.BBandsDn {
		score++
		reasons = append(reasons, "price below lower Bollinger band")
	} else if price > d.BBandsUp {
		score--
		reasons = append(reasons, "price above upper Bollinger band")
	}

	verdict := VerdictHold
	if score >= 2 {
		verdict = VerdictBuy
	} else if score <= -2 {
		verdict = VerdictSell
	}

	return verdict, strings.Join(reasons, "; ")
}
