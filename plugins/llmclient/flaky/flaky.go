package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"bookpara/pkg/contract"
	"bookpara/plugins/llmclient/mock"
)

// 可注入的响应形态。
const (
	ShapeOK        = "ok"        // 严格 JSON
	ShapeFenced    = "fenced"    // ```json 代码块 + 前后说明文字
	ShapeTruncated = "truncated" // 最后一个段落字符串中途截断，finish=length
	ShapeProse     = "prose"     // 无 JSON 的说明文字
	ShapeEmpty     = "empty"     // 零长度文本
	ShapeError     = "error"     // 后端调用失败
)

// DefaultSequence 只包含可恢复的形态，整次提交仍能成功。
var DefaultSequence = []string{ShapeFenced, ShapeTruncated, ShapeProse, ShapeOK}

// Options 定义可选项。
type Options struct {
	// Sequence: 按调用序号循环使用的响应形态；为空使用 DefaultSequence。
	Sequence []string `json:"sequence,omitempty"`
	// FailOnCall: >0 时第 N 次调用（自 1 起）返回 ErrBackend。
	FailOnCall int `json:"fail_on_call,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用的形态（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的故障注入后端，按调用序号循环产出畸形响应。
type Client struct {
	seq     []string
	failOn  int
	logPath string
	count   atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("flaky options: %w: %v", contract.ErrConfiguration, err)
		}
	}
	seq := o.Sequence
	if len(seq) == 0 {
		seq = DefaultSequence
	}
	for _, s := range seq {
		switch s {
		case ShapeOK, ShapeFenced, ShapeTruncated, ShapeProse, ShapeEmpty, ShapeError:
		default:
			return nil, fmt.Errorf("flaky: %w: unknown shape %q", contract.ErrConfiguration, s)
		}
	}
	return &Client{seq: seq, failOn: o.FailOnCall, logPath: o.LogPath}, nil
}

// Calls 返回已发生的调用次数。
func (c *Client) Calls() int { return int(c.count.Load()) }

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Generate 实现 contract.LLMClient。
func (c *Client) Generate(ctx context.Context, p contract.Prompt, _ contract.GenerateOptions) (contract.Completion, error) {
	if err := ctx.Err(); err != nil {
		return contract.Completion{}, err
	}
	n := int(c.count.Add(1))
	shape := c.seq[(n-1)%len(c.seq)]
	if n == c.failOn {
		shape = ShapeError
	}
	c.log(fmt.Sprintf("%d %s", n, shape))

	paras := mock.Paragraphs(mock.ChunkText(contract.PromptText(p)))
	ok := contract.Completion{Finish: contract.FinishComplete, Reason: "stop"}
	switch shape {
	case ShapeError:
		return contract.Completion{}, fmt.Errorf("flaky: %w: injected failure on call %d", contract.ErrBackend, n)
	case ShapeEmpty:
		ok.Text = ""
	case ShapeProse:
		ok.Text = "This section only contains front matter, so there is nothing to extract."
	case ShapeFenced:
		ok.Text = "Sure! Here is the JSON you asked for:\n```json\n" + mock.EncodeParagraphs(paras) + "\n```\nLet me know if you need anything else."
	case ShapeTruncated:
		return contract.Completion{Text: truncate(paras), Finish: contract.FinishLength, Reason: "length"}, nil
	default:
		ok.Text = mock.EncodeParagraphs(paras)
	}
	return ok, nil
}

// truncate 产出在最后一个段落字符串中途被截断的 JSON。
func truncate(paras []string) string {
	full := mock.EncodeParagraphs(paras)
	if len(paras) == 0 {
		return full[:len(full)-2]
	}
	last := paras[len(paras)-1]
	enc := mock.EncodeParagraphs([]string{last})
	// enc = {"paragraphs":["<last>"]}；截去最后一个字符串的后半部分及其闭合符号。
	lastJSON := enc[len(`{"paragraphs":[`) : len(enc)-2]
	cut := strings.LastIndex(full, lastJSON)
	keep := 1 + (len(lastJSON)-2)/2
	return full[:cut+keep]
}

var _ contract.LLMClient = (*Client)(nil)
