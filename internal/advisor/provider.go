package advisor

import "context"

// Verdict 是分析结论的归一化表示
type Verdict string

const (
	VerdictBuy  Verdict = "BUY"
	VerdictSell Verdict = "SELL"
	VerdictHold Verdict = "HOLD"
)

// Completion 是一次模型调用的结果
type Completion struct {
	Text       string
	Model      string
	TokensUsed int
}

// Provider 是一个可调用的分析后端
type Provider interface {
	// Name 返回稳定的标识符 (配置和选择用)
	Name() string
	// DisplayName 返回展示名称
	DisplayName() string
	// IsFree 报告该后端是否免费档
	IsFree() bool
	// IsAvailable 报告该后端当前是否可用 (通常取决于凭据是否配置)
	IsAvailable() bool
	// Analyze 发送提示词并返回补全结果
	Analyze(ctx context.Context, prompt string) (Completion, error)
}

// Candidate 是选择函数的输入：一个后端的静态画像
type Candidate struct {
	Name      string
	Free      bool
	Available bool
}

// Select 从候选列表中挑选后端，返回其名字。
// 纯函数，结果只取决于入参：
//  1. 首选后端可用则用首选
//  2. 否则用第一个可用的免费后端
//  3. 否则用第一个可用的后端
//  4. 全部不可用时返回 ok=false
func Select(preferred string, candidates []Candidate) (string, bool) {
	for _, c := range candidates {
		if c.Name == preferred && c.Available {
			return c.Name, true
		}
	}
	for _, c := range candidates {
		if c.Free && c.Available {
			return c.Name, true
		}
	}
	for _, c := range candidates {
		if c.Available {
			return c.Name, true
		}
	}
	return "", false
}
