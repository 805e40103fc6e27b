package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"bookpara/pkg/contract"
)

// DefaultModel 在既未配置 model 也未设置 OPENAI_MODEL 时使用。
const DefaultModel = "gpt-4o"

// Options: 最小必需配置。
type Options struct {
	BaseURL     string   `json:"base_url"`    // 可选；OpenAI 兼容服务的根地址，例如 http://localhost:8000/v1
	Model       string   `json:"model"`       // 为空则读取 ModelEnv，再退回默认
	ModelEnv    string   `json:"model_env"`   // 默认 OPENAI_MODEL
	APIKeyEnv   string   `json:"api_key_env"` // 默认 OPENAI_API_KEY
	APIKey      string   `json:"api_key"`     // 明文传入（不推荐，按需用于测试）
	Temperature *float64 `json:"temperature,omitempty"`
}

func (o *Options) defaults() {
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.ModelEnv == "" {
		o.ModelEnv = "OPENAI_MODEL"
	}
	if o.Model == "" {
		o.Model = strings.TrimSpace(os.Getenv(o.ModelEnv))
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
}

// Client 基于 langchaingo 的 OpenAI Chat Completions 适配器。
type Client struct {
	llm     llms.Model
	model   string
	temp    *float64
	keyEnv  string
	fromEnv bool
}

// New 从原样 JSON 选项构造客户端。缺少凭据时在任何网络活动之前返回 ErrConfiguration。
func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w: %v", contract.ErrConfiguration, err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	fromEnv := false
	if key == "" {
		key = strings.TrimSpace(os.Getenv(opts.APIKeyEnv))
		fromEnv = true
	}
	if key == "" {
		return nil, fmt.Errorf("openai: %w: %s is not set", contract.ErrConfiguration, opts.APIKeyEnv)
	}
	lopts := []lcopenai.Option{
		lcopenai.WithModel(opts.Model),
		lcopenai.WithToken(key),
	}
	if opts.BaseURL != "" {
		lopts = append(lopts, lcopenai.WithBaseURL(strings.TrimRight(opts.BaseURL, "/")))
	}
	m, err := lcopenai.New(lopts...)
	if err != nil {
		return nil, fmt.Errorf("openai: %w: %v", contract.ErrConfiguration, err)
	}
	return &Client{llm: m, model: opts.Model, temp: opts.Temperature, keyEnv: opts.APIKeyEnv, fromEnv: fromEnv}, nil
}

// Model 返回生效的模型名。
func (c *Client) Model() string { return c.model }

// Preflight 在处理前再次确认凭据仍然可用。
func (c *Client) Preflight() error {
	if c.fromEnv && strings.TrimSpace(os.Getenv(c.keyEnv)) == "" {
		return fmt.Errorf("openai: %w: %s is not set", contract.ErrConfiguration, c.keyEnv)
	}
	return nil
}

// upstreamError 携带 HTTP 上游状态码与简短消息，供编排层记录结构化字段。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Is(target error) bool    { return target == contract.ErrBackend }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

var statusRe = regexp.MustCompile(`status code:?\s*(\d{3})`)

// wrapBackend: 将 langchaingo 错误映射为 ErrBackend；能识别状态码时返回 upstreamError。
func wrapBackend(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("openai: %w: call timed out: %v", contract.ErrBackend, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	msg := err.Error()
	if m := statusRe.FindStringSubmatch(strings.ToLower(msg)); m != nil {
		if st, convErr := strconv.Atoi(m[1]); convErr == nil {
			return upstreamError{status: st, msg: msg}
		}
	}
	return fmt.Errorf("openai: %w: %s", contract.ErrBackend, msg)
}

func toMessages(p contract.Prompt) ([]llms.MessageContent, error) {
	switch v := p.(type) {
	case contract.TextPrompt:
		return []llms.MessageContent{llms.TextParts(schema.ChatMessageTypeHuman, string(v))}, nil
	case contract.ChatPrompt:
		out := make([]llms.MessageContent, 0, len(v))
		for _, m := range v {
			role := schema.ChatMessageTypeHuman
			switch strings.ToLower(strings.TrimSpace(m.Role)) {
			case "system":
				role = schema.ChatMessageTypeSystem
			case "assistant":
				role = schema.ChatMessageTypeAI
			}
			out = append(out, llms.TextParts(role, m.Content))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("openai: %w: unsupported prompt type %T", contract.ErrInvalidInput, p)
	}
}

// Generate: 单次调用，同步返回；墙钟时间受 opts.Timeout 约束。
func (c *Client) Generate(ctx context.Context, p contract.Prompt, opts contract.GenerateOptions) (contract.Completion, error) {
	opts = opts.WithDefaults()
	msgs, err := toMessages(p)
	if err != nil {
		return contract.Completion{}, err
	}
	callOpts := []llms.CallOption{llms.WithMaxTokens(opts.MaxOutputTokens)}
	if c.temp != nil {
		callOpts = append(callOpts, llms.WithTemperature(*c.temp))
	}

	cctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	resp, err := c.llm.GenerateContent(cctx, msgs, callOpts...)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return contract.Completion{}, ctx.Err()
		}
		return contract.Completion{}, wrapBackend(cctx, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return contract.Completion{}, nil
	}
	ch := resp.Choices[0]
	return contract.Completion{Text: ch.Content, Finish: mapFinish(ch.StopReason), Reason: ch.StopReason}, nil
}

func mapFinish(reason string) contract.FinishState {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "length", "max_tokens":
		return contract.FinishLength
	default:
		return contract.FinishComplete
	}
}

// 静态接口断言
var (
	_ contract.LLMClient   = (*Client)(nil)
	_ contract.Preflighter = (*Client)(nil)
)
