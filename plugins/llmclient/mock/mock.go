package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"bookpara/pkg/contract"
)

// 响应模式。
const (
	ModeParagraphs = "paragraphs" // 严格 JSON：{"paragraphs":[...]}
	ModeFenced     = "fenced"     // 同上，但包裹在 ```json 代码块与说明文字中
	ModeEcho       = "echo"       // 原样回显 Prompt 文本
)

// Options: 离线调试配置（可选）。
type Options struct {
	// ResponseMode: 留空或未知值时使用 "paragraphs"。
	ResponseMode string `json:"response_mode,omitempty"`
	// Prefix: 非空时加在每个段落前，便于在输出中辨认来源。
	Prefix string `json:"prefix,omitempty"`
}

// Client 是确定性的离线后端：按空行切分块文本并以段落 JSON 作答。
type Client struct {
	prefix string
	mode   string
}

func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w: %v", contract.ErrConfiguration, err)
		}
	}
	mode := strings.TrimSpace(o.ResponseMode)
	switch mode {
	case ModeParagraphs, ModeFenced, ModeEcho:
	default:
		mode = ModeParagraphs
	}
	return &Client{prefix: o.Prefix, mode: mode}, nil
}

func (c *Client) Generate(ctx context.Context, p contract.Prompt, _ contract.GenerateOptions) (contract.Completion, error) {
	select {
	case <-ctx.Done():
		return contract.Completion{}, ctx.Err()
	default:
	}
	text := contract.PromptText(p)
	if c.mode == ModeEcho {
		return contract.Completion{Text: text, Finish: contract.FinishComplete, Reason: "stop"}, nil
	}
	paras := Paragraphs(ChunkText(text))
	if c.prefix != "" {
		for i := range paras {
			paras[i] = c.prefix + ": " + paras[i]
		}
	}
	body := EncodeParagraphs(paras)
	if c.mode == ModeFenced {
		body = "Here are the extracted paragraphs:\n\n```json\n" + body + "\n```\n"
	}
	return contract.Completion{Text: body, Finish: contract.FinishComplete, Reason: "stop"}, nil
}

var chunkHeader = regexp.MustCompile(`Book text \(Chunk \d+/\d+\):\n`)

// ChunkText 取出 Prompt 中位置头之后的块内容；无位置头时返回整段文本。
func ChunkText(prompt string) string {
	locs := chunkHeader.FindAllStringIndex(prompt, -1)
	if len(locs) == 0 {
		return prompt
	}
	return prompt[locs[len(locs)-1][1]:]
}

var blankLines = regexp.MustCompile(`\n[ \t]*\n+`)

// Paragraphs 按空行切分文本，去除首尾空白并丢弃空段。
func Paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	parts := blankLines.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// EncodeParagraphs 生成 {"paragraphs": [...]}，不转义 HTML 字符。
func EncodeParagraphs(paras []string) string {
	if paras == nil {
		paras = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(struct {
		Paragraphs []string `json:"paragraphs"`
	}{paras})
	return strings.TrimSuffix(buf.String(), "\n")
}

var _ contract.LLMClient = (*Client)(nil)
