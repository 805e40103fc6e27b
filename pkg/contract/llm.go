package contract

import (
	"context"
	"time"
)

// 单次调用的默认生成预算。
const (
	DefaultMaxOutputTokens = 16000
	DefaultCallTimeout     = 180 * time.Second
)

// GenerateOptions: 单次调用的生成预算与墙钟超时。
type GenerateOptions struct {
	MaxOutputTokens int
	Timeout         time.Duration
}

// WithDefaults 以默认值补全未设置的字段。
func (o GenerateOptions) WithDefaults() GenerateOptions {
	if o.MaxOutputTokens <= 0 {
		o.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultCallTimeout
	}
	return o
}

// LLMClient: 以 Prompt 为单位与大模型交互，返回原始 Completion。
// 单次调用、同步返回；应尊重 ctx 取消并按 opts.Timeout 限定墙钟时间。
// 调用本身失败（网络/鉴权/配额/请求非法/超时）时返回包裹 ErrBackend 的错误；
// 空文本不在此层判错，交由 Recoverer 处理。
type LLMClient interface {
	Generate(ctx context.Context, p Prompt, opts GenerateOptions) (Completion, error)
}

// Preflighter: 可选扩展。编排层在处理前调用，用于防御性地再次确认凭据等前置条件。
type Preflighter interface {
	Preflight() error
}
