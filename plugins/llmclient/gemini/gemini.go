package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/go-resty/resty/v2"

	"bookpara/pkg/contract"
)

// Options: Google Generative Language API (Gemini) 最小必需。
type Options struct {
	BaseURL   string `json:"base_url"`    // https://generativelanguage.googleapis.com
	Model     string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// 第三方兼容（最小）
	EndpointPath  string            `json:"endpoint_path"`    // 可覆盖默认 /v1beta/models/{model}:generateContent；支持 {model} 占位
	APIKeyInQuery *bool             `json:"api_key_in_query"` // 默认 true；为 false 时使用 x-goog-api-key 头
	ExtraHeaders  map[string]string `json:"extra_headers"`
	Temperature   *float64          `json:"temperature,omitempty"`
	// JSON 输出 MIME（可选）：为空则不启用 JSON 模式
	ResponseMIMEType string `json:"response_mime_type,omitempty"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1beta/models/{model}:generateContent"
	}
	// 默认把 key 放在 query（与官方 API 对齐）
	if o.APIKeyInQuery == nil {
		t := true
		o.APIKeyInQuery = &t
	}
}

type Client struct {
	rc       *resty.Client
	path     string
	apiKey   string
	keyEnv   string
	fromEnv  bool
	inQuery  bool
	temp     *float64
	respMIME string
}

// New 从原样 JSON 选项构造客户端。缺少凭据时返回 ErrConfiguration。
func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w: %v", contract.ErrConfiguration, err)
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
		return nil, fmt.Errorf("gemini: %w: %s is not set", contract.ErrConfiguration, opts.APIKeyEnv)
	}
	path := strings.ReplaceAll(opts.EndpointPath, "{model}", url.PathEscape(opts.Model))
	if !(strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")) {
		path = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	rc := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	for k, v := range opts.ExtraHeaders {
		if k != "" {
			rc.SetHeader(k, v)
		}
	}
	if !*opts.APIKeyInQuery {
		rc.SetHeader("x-goog-api-key", key)
	}
	return &Client{
		rc:       rc,
		path:     path,
		apiKey:   key,
		keyEnv:   opts.APIKeyEnv,
		fromEnv:  fromEnv,
		inQuery:  *opts.APIKeyInQuery,
		temp:     opts.Temperature,
		respMIME: opts.ResponseMIMEType,
	}, nil
}

// Preflight 在处理前再次确认凭据仍然可用。
func (c *Client) Preflight() error {
	if c.fromEnv && strings.TrimSpace(os.Getenv(c.keyEnv)) == "" {
		return fmt.Errorf("gemini: %w: %s is not set", contract.ErrConfiguration, c.keyEnv)
	}
	return nil
}

// 请求/响应（最小字段）。
type gmPart struct {
	Text string `json:"text"`
}
type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}
type gmGenerationConfig struct {
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	ResponseMIMEType string   `json:"responseMimeType,omitempty"`
}
type gmReq struct {
	Contents          []gmContent         `json:"contents"`
	SystemInstruction *gmContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *gmGenerationConfig `json:"generationConfig,omitempty"`
}
type gmResp struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}
type gmError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// upstreamError 携带 HTTP 上游状态码与简短消息。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Is(target error) bool    { return target == contract.ErrBackend }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

func encodePrompt(p contract.Prompt) (gmReq, error) {
	var req gmReq
	switch v := p.(type) {
	case contract.TextPrompt:
		req.Contents = []gmContent{{Role: "user", Parts: []gmPart{{Text: string(v)}}}}
	case contract.ChatPrompt:
		req.Contents = make([]gmContent, 0, len(v))
		for _, m := range v {
			if strings.EqualFold(strings.TrimSpace(m.Role), "system") {
				req.SystemInstruction = &gmContent{Parts: []gmPart{{Text: m.Content}}}
				continue
			}
			req.Contents = append(req.Contents, gmContent{Role: normalizeGeminiRole(m.Role), Parts: []gmPart{{Text: m.Content}}})
		}
	default:
		return gmReq{}, fmt.Errorf("gemini: %w: unsupported prompt type %T", contract.ErrInvalidInput, p)
	}
	return req, nil
}

// normalizeGeminiRole 将通用 Chat 角色映射为 Gemini 支持的集合：user|model。
func normalizeGeminiRole(r string) string {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "model", "assistant":
		return "model"
	default:
		return "user"
	}
}

// Generate: 单次调用，同步返回；墙钟时间受 opts.Timeout 约束。
func (c *Client) Generate(ctx context.Context, p contract.Prompt, opts contract.GenerateOptions) (contract.Completion, error) {
	opts = opts.WithDefaults()
	body, err := encodePrompt(p)
	if err != nil {
		return contract.Completion{}, err
	}
	body.GenerationConfig = &gmGenerationConfig{
		MaxOutputTokens:  opts.MaxOutputTokens,
		Temperature:      c.temp,
		ResponseMIMEType: c.respMIME,
	}

	cctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	var gr gmResp
	var ge gmError
	req := c.rc.R().SetContext(cctx).SetBody(&body).SetResult(&gr).SetError(&ge)
	if c.inQuery {
		req.SetQueryParam("key", c.apiKey)
	}
	resp, err := req.Post(c.path)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return contract.Completion{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return contract.Completion{}, fmt.Errorf("gemini: %w: call timed out: %v", contract.ErrBackend, err)
		}
		return contract.Completion{}, fmt.Errorf("gemini: %w: %v", contract.ErrBackend, err)
	}
	if resp.IsError() {
		msg := strings.TrimSpace(ge.Error.Message)
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		if len(msg) > 4<<10 {
			msg = msg[:4<<10]
		}
		return contract.Completion{}, upstreamError{status: resp.StatusCode(), msg: msg}
	}
	if len(gr.Candidates) == 0 {
		return contract.Completion{}, nil
	}
	cand := gr.Candidates[0]
	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		sb.WriteString(part.Text)
	}
	fin := contract.FinishComplete
	if cand.FinishReason == "MAX_TOKENS" {
		fin = contract.FinishLength
	}
	return contract.Completion{Text: sb.String(), Finish: fin, Reason: cand.FinishReason}, nil
}

// 静态接口断言
var (
	_ contract.LLMClient   = (*Client)(nil)
	_ contract.Preflighter = (*Client)(nil)
)
