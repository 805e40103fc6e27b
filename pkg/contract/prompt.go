package contract

import "context"

// Prompt: 不透明载荷，由具体 PromptBuilder/LLMClient 配对解释。
type Prompt any

// Message: 最小会话消息形状（可用于 ChatPrompt）。
type Message struct {
	Role    string
	Content string
}

// TextPrompt: 文本型提示词载荷（单条 user 消息）。
type TextPrompt string

// ChatPrompt: 会话型提示词载荷（最小集合）。
type ChatPrompt []Message

// PromptBuilder: 基于 TextChunk 构造确定性的 Prompt。
// 约束：
//   - 纯计算，不做 I/O；
//   - 相同块 + 相同位置必然得到相同 Prompt；
//   - 块内容原样嵌入在末尾。
type PromptBuilder interface {
	Build(ctx context.Context, c TextChunk) (Prompt, error)
	// EstimateOverheadTokens: 估算“与块无关的固定提示词开销”的近似 token 数。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// TokenEstimator: 文本→token 的近似估算函数。
type TokenEstimator func(s string) int

// PromptText 将 Prompt 展平为纯文本（用于估算与日志）。未知类型返回空串。
func PromptText(p Prompt) string {
	switch v := p.(type) {
	case TextPrompt:
		return string(v)
	case ChatPrompt:
		n := 0
		for _, m := range v {
			n += len(m.Content) + 1
		}
		b := make([]byte, 0, n)
		for i, m := range v {
			if i > 0 {
				b = append(b, '\n')
			}
			b = append(b, m.Content...)
		}
		return string(b)
	default:
		return ""
	}
}
