package paragraph

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"bookpara/pkg/contract"
)

// 默认段落句数规则。
const (
	DefaultMinSentences    = 3
	DefaultMaxSentences    = 7
	DefaultTargetSentences = 4
	DefaultTargetMax       = 6
)

// Options 为“段落抽取” PromptBuilder 的配置。
// - InlineTemplate / TemplatePath: 指令模板（二选一，均为空时使用内置默认模板）。
// - 句数规则为 0 时取默认值。
type Options struct {
	InlineTemplate string `json:"inline_template"`
	TemplatePath   string `json:"template_path"`

	MinSentences int `json:"min_sentences"`
	MaxSentences int `json:"max_sentences"`
	TargetMin    int `json:"target_min"`
	TargetMax    int `json:"target_max"`
}

// Rules: 模板可见的句数约束。
type Rules struct {
	MinSentences int
	MaxSentences int
	TargetMin    int
	TargetMax    int
}

// view: 模板渲染数据。
type view struct {
	Index int
	Total int
	Rules Rules
}

// Builder: 以 TextChunk 构造 TextPrompt。
// 运行期不做 I/O；模板在构造期解析。
type Builder struct {
	tpl   *template.Template
	rules Rules
}

// New 创建段落抽取 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	r := Rules{
		MinSentences: orDefault(o.MinSentences, DefaultMinSentences),
		MaxSentences: orDefault(o.MaxSentences, DefaultMaxSentences),
		TargetMin:    orDefault(o.TargetMin, DefaultTargetSentences),
		TargetMax:    orDefault(o.TargetMax, DefaultTargetMax),
	}
	if r.MinSentences < 1 || r.MinSentences > r.TargetMin || r.TargetMin > r.TargetMax || r.TargetMax > r.MaxSentences {
		return nil, fmt.Errorf("prompt: %w: sentence rules must satisfy 1 <= min(%d) <= target_min(%d) <= target_max(%d) <= max(%d)",
			contract.ErrConfiguration, r.MinSentences, r.TargetMin, r.TargetMax, r.MaxSentences)
	}

	src := defaultTemplate
	if o.InlineTemplate != "" {
		src = o.InlineTemplate
	} else if o.TemplatePath != "" {
		b, err := os.ReadFile(o.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("prompt template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("paragraph").Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("prompt template parse: %w: %v", contract.ErrConfiguration, err)
	}
	// 构造期试渲染，尽早暴露模板字段错误。
	if _, err := render(tpl, view{Index: 1, Total: 1, Rules: r}); err != nil {
		return nil, fmt.Errorf("prompt template render: %w: %v", contract.ErrConfiguration, err)
	}
	return &Builder{tpl: tpl, rules: r}, nil
}

// Rules 返回生效的句数规则。
func (b *Builder) Rules() Rules { return b.rules }

// Build: 渲染指令与位置头，块内容原样追加在末尾。
func (b *Builder) Build(ctx context.Context, c contract.TextChunk) (contract.Prompt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if c.Index < 1 || c.Total < c.Index {
		return nil, fmt.Errorf("prompt: %w: chunk position %d/%d", contract.ErrInvalidInput, c.Index, c.Total)
	}
	head, err := render(b.tpl, view{Index: c.Index, Total: c.Total, Rules: b.rules})
	if err != nil {
		return nil, fmt.Errorf("prompt render: %w: %v", contract.ErrInvalidInput, err)
	}
	var sb strings.Builder
	sb.Grow(len(head) + len(c.Content))
	sb.WriteString(head)
	sb.WriteString(c.Content)
	return contract.TextPrompt(sb.String()), nil
}

// EstimateOverheadTokens: 估算与块内容无关的固定部分（指令 + 位置头）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	head, err := render(b.tpl, view{Index: 1, Total: 1, Rules: b.rules})
	if err != nil {
		return 0
	}
	return estimate(head)
}

func render(tpl *template.Template, v view) (string, error) {
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func orDefault(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

// 静态接口断言
var _ contract.PromptBuilder = (*Builder)(nil)

// 默认模板；渲染结果以位置头和换行结尾，块内容由 Build 追加。
const defaultTemplate = `You are a text processing assistant. Analyze the following book text and extract all paragraphs.

CRITICAL REQUIREMENTS - FOLLOW EXACTLY:
1. Each paragraph MUST be between {{ .Rules.MinSentences }}-{{ .Rules.MaxSentences }} sentences (NO MORE, NO LESS)
2. NEVER create single-word or single-sentence paragraphs
3. NEVER create paragraphs longer than {{ .Rules.MaxSentences }} sentences
4. Count sentences carefully - a sentence ends with . ! or ?
5. If dialogue is short, combine multiple exchanges into one paragraph (up to {{ .Rules.MaxSentences }} sentences)
6. Preserve the original text exactly (no summarization or modification)
7. Skip empty lines, page numbers, headers, footers, chapter titles
8. Do NOT include table of contents, index, or chapter listings
9. Skip prefaces and forewords if not part of main narrative
10. Split very long paragraphs into multiple smaller ones ({{ .Rules.MinSentences }}-{{ .Rules.MaxSentences }} sentences each)

PARAGRAPH SIZE RULES:
- Minimum: {{ .Rules.MinSentences }} sentences
- Maximum: {{ .Rules.MaxSentences }} sentences
- Target: {{ .Rules.TargetMin }}-{{ .Rules.TargetMax }} sentences per paragraph
{{- $each := sub .Rules.TargetMax 1 | max .Rules.TargetMin }}
- If original paragraph is {{ mul $each 3 }} sentences, split it into 3 paragraphs of {{ $each }} sentences each

Return ONLY a valid JSON object in this exact format with no additional text:
{
  "paragraphs": [
    "First paragraph text here...",
    "Second paragraph text here..."
  ]
}

Book text (Chunk {{ .Index }}/{{ .Total }}):
`
