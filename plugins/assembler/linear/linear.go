package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/pretty"

	"bookpara/pkg/contract"
)

// 产物格式。
const (
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
	FormatText  = "text"
)

// Options: 线性装配器配置。
type Options struct {
	// Format: json（默认，缩进美化）| jsonl（每行一个段落）| text（段落间空行）。
	Format string `json:"format"`
	// Compact: 仅对 json 生效，输出单行 JSON。
	Compact bool `json:"compact"`
}

// Assembler 按段落顺序线性渲染 AggregateResult，不改动段落内容。
type Assembler struct {
	format  string
	compact bool
}

// New 创建线性装配器；未知格式返回 ErrConfiguration。
func New(opts *Options) (*Assembler, error) {
	a := &Assembler{format: FormatJSON}
	if opts == nil {
		return a, nil
	}
	switch f := strings.ToLower(strings.TrimSpace(opts.Format)); f {
	case "":
	case FormatJSON, FormatJSONL, FormatText:
		a.format = f
	default:
		return nil, fmt.Errorf("linear: %w: unknown format %q", contract.ErrConfiguration, opts.Format)
	}
	a.compact = opts.Compact
	return a, nil
}

// Format 返回生效的格式名。
func (a *Assembler) Format() string { return a.format }

// Ext 返回产物后缀，例如 ".paragraphs.json"。
func (a *Assembler) Ext() string {
	switch a.format {
	case FormatJSONL:
		return ".paragraphs.jsonl"
	case FormatText:
		return ".paragraphs.txt"
	default:
		return ".paragraphs.json"
	}
}

// artifact: json 产物的顶层形状。
type artifact struct {
	FileID contract.FileID `json:"file_id"`
	contract.AggregateResult
}

type line struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Assemble 渲染一次提交的结果。TotalParagraphs 与段落数不一致时返回 ErrInvalidInput。
func (a *Assembler) Assemble(ctx context.Context, fileID contract.FileID, res contract.AggregateResult) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if res.TotalParagraphs != len(res.Paragraphs) {
		return nil, fmt.Errorf("linear: %w: total_paragraphs %d != %d paragraphs", contract.ErrInvalidInput, res.TotalParagraphs, len(res.Paragraphs))
	}

	switch a.format {
	case FormatText:
		if len(res.Paragraphs) == 0 {
			return strings.NewReader(""), nil
		}
		return strings.NewReader(strings.Join(res.Paragraphs, "\n\n") + "\n"), nil
	case FormatJSONL:
		var buf bytes.Buffer
		enc := newEncoder(&buf)
		for i, p := range res.Paragraphs {
			if err := enc.Encode(line{Index: i + 1, Text: p}); err != nil {
				return nil, fmt.Errorf("linear: encode paragraph %d: %w", i+1, err)
			}
		}
		return &buf, nil
	default:
		if res.Paragraphs == nil {
			res.Paragraphs = contract.ParagraphList{}
		}
		var buf bytes.Buffer
		if err := newEncoder(&buf).Encode(artifact{FileID: fileID, AggregateResult: res}); err != nil {
			return nil, fmt.Errorf("linear: encode: %w", err)
		}
		if a.compact {
			return bytes.NewReader(append(pretty.Ugly(buf.Bytes()), '\n')), nil
		}
		return bytes.NewReader(pretty.PrettyOptions(buf.Bytes(), &pretty.Options{Width: 80, Indent: "  "})), nil
	}
}

// newEncoder: 段落文本原样保留 <、>、& 等字符。
func newEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

var _ contract.Assembler = (*Assembler)(nil)
