package prompt

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"bookpara/pkg/contract"
)

// 估算器种类。
const (
	EstimatorBytes    = "bytes"
	EstimatorTiktoken = "tiktoken"
)

// DefaultEncoding 是 tiktoken 估算器在未指定模型/编码时使用的编码。
const DefaultEncoding = "o200k_base"

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// TiktokenEstimator 返回基于 BPE 编码的精确计数器。
// 优先按模型解析编码，其次按 encoding 名；首次使用某编码时可能需要下载词表。
func TiktokenEstimator(model, encoding string) (contract.TokenEstimator, error) {
	var (
		tke *tiktoken.Tiktoken
		err error
	)
	if m := strings.TrimSpace(model); m != "" {
		tke, err = tiktoken.EncodingForModel(m)
	}
	if tke == nil {
		enc := strings.TrimSpace(encoding)
		if enc == "" {
			enc = DefaultEncoding
		}
		tke, err = tiktoken.GetEncoding(enc)
	}
	if err != nil {
		return nil, fmt.Errorf("tiktoken: %w", err)
	}
	return func(s string) int {
		if s == "" {
			return 0
		}
		return len(tke.Encode(s, nil, nil))
	}, nil
}

// NewEstimator 按种类构造估算器；tiktoken 不可用时回退为字节比例估算。
// 返回实际生效的种类与回退原因（未回退时为 nil）。
func NewEstimator(kind, model, encoding string, bytesPerToken int) (contract.TokenEstimator, string, error) {
	if strings.EqualFold(strings.TrimSpace(kind), EstimatorTiktoken) {
		est, err := TiktokenEstimator(model, encoding)
		if err == nil {
			return est, EstimatorTiktoken, nil
		}
		return MakeEstimator(bytesPerToken), EstimatorBytes, err
	}
	return MakeEstimator(bytesPerToken), EstimatorBytes, nil
}

// EffectiveInputBudget 计算预扣“固定提示开销”后的有效输入预算。
// 返回 (effective, overheadTokens)。若 maxTokens<=0（未设预算），返回 (0,0)。
func EffectiveInputBudget(pb contract.PromptBuilder, est contract.TokenEstimator, maxTokens int) (int, int) {
	if maxTokens <= 0 || pb == nil {
		return 0, 0
	}
	if est == nil {
		est = MakeEstimator(0)
	}
	overhead := pb.EstimateOverheadTokens(est)
	return maxTokens - overhead, overhead
}
