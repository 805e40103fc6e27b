// Package layered 将 LLM 的原始文本逐级恢复为段落列表。
//
// 各阶段是纯函数，按固定顺序尝试：
//
//	direct → fence → pattern → repair → salvage
//
// 任一阶段成功解析即返回；全部失败时降级为空列表。
package layered

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"bookpara/pkg/contract"
)

// 恢复阶段名（用于日志与指标）。
const (
	StageDirect        = "direct"
	StageFence         = "fence"
	StagePattern       = "pattern"
	StageRepair        = "repair"
	StageSalvage       = "salvage"
	StageNonNarrative  = contract.StageNonNarrative
	StageUnrecoverable = "unrecoverable"
)

// Stages 按尝试顺序列出全部阶段名。
var Stages = []string{StageDirect, StageFence, StagePattern, StageRepair, StageSalvage, StageNonNarrative, StageUnrecoverable}

// Options 预留；当前无可调项。
type Options struct{}

// Recoverer 实现 contract.Recoverer。无状态，可并发使用。
type Recoverer struct{}

func New(_ *Options) (*Recoverer, error) { return &Recoverer{}, nil }

// Recover 按阶段顺序恢复 c.Text。
func (r *Recoverer) Recover(ctx context.Context, c contract.Completion) (contract.Recovery, error) {
	if err := ctx.Err(); err != nil {
		return contract.Recovery{}, err
	}
	return Recover(c.Text)
}

// Recover 是 Recoverer.Recover 的纯函数形式。
func Recover(s string) (contract.Recovery, error) {
	if len(s) == 0 {
		return contract.Recovery{}, fmt.Errorf("recover: %w", contract.ErrEmptyResponse)
	}
	if !strings.Contains(s, "{") && !strings.Contains(s, "paragraphs") {
		return empty(StageNonNarrative, false), nil
	}

	work := s
	if out, ok, err := parse(work); ok || err != nil {
		return done(out, StageDirect, err)
	}
	if inner, found := extractFence(work); found {
		work = inner
		if out, ok, err := parse(work); ok || err != nil {
			return done(out, StageFence, err)
		}
	}

	cand, found := extractCandidate(work)
	if !found {
		return empty(StageNonNarrative, false), nil
	}
	if out, ok, err := parse(cand); ok || err != nil {
		return done(out, StagePattern, err)
	}
	if out, ok, err := parse(repairBrackets(cand)); ok || err != nil {
		return done(out, StageRepair, err)
	}
	if tail, ok := salvage(cand); ok {
		if out, ok, err := parse(tail); ok || err != nil {
			return done(out, StageSalvage, err)
		}
	}
	return empty(StageUnrecoverable, true), nil
}

func done(p contract.ParagraphList, stage string, err error) (contract.Recovery, error) {
	if err != nil {
		return contract.Recovery{}, fmt.Errorf("recover %s: %w", stage, err)
	}
	return contract.Recovery{Paragraphs: p, Stage: stage}, nil
}

func empty(stage string, degraded bool) contract.Recovery {
	return contract.Recovery{Paragraphs: contract.ParagraphList{}, Stage: stage, Degraded: degraded}
}

// parse 尝试把 s 作为整体 JSON 解析。
// 返回 ok=false 表示 s 不是合法 JSON（交给下一阶段）；
// 合法 JSON 但缺少字符串数组 paragraphs 时返回 ErrInvalidFormat。
func parse(s string) (contract.ParagraphList, bool, error) {
	if !gjson.Valid(s) {
		return nil, false, nil
	}
	root := gjson.Parse(s)
	if !root.IsObject() {
		return nil, true, fmt.Errorf("%w: top-level value is %s, want object", contract.ErrInvalidFormat, root.Type)
	}
	pv := root.Get("paragraphs")
	if !pv.Exists() {
		return nil, true, fmt.Errorf("%w: missing paragraphs", contract.ErrInvalidFormat)
	}
	if !pv.IsArray() {
		return nil, true, fmt.Errorf("%w: paragraphs is %s, want array", contract.ErrInvalidFormat, pv.Type)
	}
	items := pv.Array()
	out := make(contract.ParagraphList, 0, len(items))
	for i, it := range items {
		if it.Type != gjson.String {
			return nil, true, fmt.Errorf("%w: paragraphs[%d] is %s, want string", contract.ErrInvalidFormat, i, it.Type)
		}
		out = append(out, it.String())
	}
	return out, true, nil
}

var md = goldmark.New()

var (
	jsonFenceRe = regexp.MustCompile("```json\\s*([\\s\\S]*?)\\s*```")
	anyFenceRe  = regexp.MustCompile("```\\s*([\\s\\S]*?)\\s*```")
)

// extractFence 返回首个标注 json 的代码块内容，否则返回首个代码块。
// 行首围栏交给 goldmark（允许未闭合）；行内围栏退回正则匹配。
func extractFence(s string) (string, bool) {
	src := []byte(s)
	var first, firstJSON *string
	doc := md.Parser().Parse(text.NewReader(src))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fb, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		var buf bytes.Buffer
		lines := fb.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(src))
		}
		body := strings.TrimSpace(buf.String())
		if first == nil {
			first = &body
		}
		if firstJSON == nil && strings.EqualFold(string(fb.Language(src)), "json") {
			firstJSON = &body
			return ast.WalkStop, nil
		}
		return ast.WalkSkipChildren, nil
	})
	if firstJSON != nil {
		return *firstJSON, true
	}
	if first != nil {
		return *first, true
	}
	if m := jsonFenceRe.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	if m := anyFenceRe.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	return "", false
}

var (
	paragraphsObjRe = regexp.MustCompile(`\{\s*"paragraphs"\s*:\s*\[[\s\S]*?\]\s*\}`)
	broadObjRe      = regexp.MustCompile(`\{[\s\S]*\}`)
)

// extractCandidate 依次尝试：最小的 paragraphs 对象、最宽的 {...} 区间、
// 从首个 '{' 到文本末尾（对象从未闭合，即输出被截断）。
func extractCandidate(s string) (string, bool) {
	if m := paragraphsObjRe.FindString(s); m != "" {
		return m, true
	}
	if m := broadObjRe.FindString(s); m != "" {
		return m, true
	}
	if i := strings.IndexByte(s, '{'); i >= 0 {
		return s[i:], true
	}
	return "", false
}

// repairBrackets 按朴素计数补齐缺失的 ']' 与 '}'（先数组后对象）。
func repairBrackets(s string) string {
	sq := strings.Count(s, "[") - strings.Count(s, "]")
	cu := strings.Count(s, "{") - strings.Count(s, "}")
	if sq <= 0 && cu <= 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + max(sq, 0) + max(cu, 0))
	b.WriteString(s)
	for i := 0; i < sq; i++ {
		b.WriteByte(']')
	}
	for i := 0; i < cu; i++ {
		b.WriteByte('}')
	}
	return b.String()
}

// salvage 识别字符串与转义，在最后一个完整的数组元素之后截断，
// 并按当时的嵌套栈补齐闭合符号。没有可截断的位置时返回 false。
func salvage(s string) (string, bool) {
	var (
		stack    []byte
		inString bool
		escaped  bool
		cut      = -1
		cutStack []byte
	)
	mark := func(i int) {
		cut = i + 1
		cutStack = append(cutStack[:0], stack...)
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
				if top(stack) == '[' {
					mark(i)
				}
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, ch)
			if ch == '[' {
				mark(i)
			}
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if top(stack) == '[' {
				mark(i)
			}
		}
	}
	if cut < 0 {
		return "", false
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(s[:cut], " \t\r\n,"))
	for i := len(cutStack) - 1; i >= 0; i-- {
		if cutStack[i] == '[' {
			b.WriteByte(']')
		} else {
			b.WriteByte('}')
		}
	}
	return b.String(), true
}

func top(stack []byte) byte {
	if len(stack) == 0 {
		return 0
	}
	return stack[len(stack)-1]
}

// 静态接口断言
var _ contract.Recoverer = (*Recoverer)(nil)
