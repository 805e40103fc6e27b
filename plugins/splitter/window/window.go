package window

import (
	"context"
	"fmt"
	"strings"

	"bookpara/pkg/contract"
)

// DefaultSize: 默认块大小（字符）。约 25k token，叠加提示词开销后仍低于后端 128k 输入上限。
const DefaultSize = 100000

// Unit: 块大小的计量单位。
type Unit string

const (
	// UnitRune: 按 Unicode 码点计数（默认，与前端展示层的字符切片一致）。
	UnitRune Unit = "rune"
	// UnitByte: 按 UTF-8 字节计数；块边界可能落在多字节字符中间。
	UnitByte Unit = "byte"
)

// Options 为滑动窗口 Chunker 的可选配置。
type Options struct {
	// Size: 块大小；<=0 采用 DefaultSize。
	Size int `json:"size"`
	// Unit: "rune"（默认）或 "byte"。
	Unit string `json:"unit"`
}

// Chunker 以固定窗口、零重叠切分原文。
type Chunker struct {
	size int
	unit Unit
}

// New 创建 Chunker。
func New(opts *Options) (*Chunker, error) {
	c := &Chunker{size: DefaultSize, unit: UnitRune}
	if opts == nil {
		return c, nil
	}
	if opts.Size > 0 {
		c.size = opts.Size
	}
	switch Unit(strings.ToLower(strings.TrimSpace(opts.Unit))) {
	case "", UnitRune:
		c.unit = UnitRune
	case UnitByte:
		c.unit = UnitByte
	default:
		return nil, fmt.Errorf("window: %w: unknown unit %q", contract.ErrConfiguration, opts.Unit)
	}
	return c, nil
}

// Size 返回生效的块大小。
func (c *Chunker) Size() int { return c.size }

// Chunk 切分 text 并附带 1 起的位置元信息。
func (c *Chunker) Chunk(ctx context.Context, text string) ([]contract.TextChunk, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	parts := Split(text, c.size, c.unit)
	out := make([]contract.TextChunk, len(parts))
	for i, p := range parts {
		out[i] = contract.TextChunk{Index: i + 1, Total: len(parts), Content: p}
	}
	return out, nil
}

var _ contract.Chunker = (*Chunker)(nil)

// Split 自偏移 0 起以 size 为步长切分，直到窗口起点到达末尾。
// 空串返回 nil；size<=0 采用 DefaultSize。
// 该算法须与其他生产者（展示层）的切分逐字节一致，块序号才能跨系统引用。
func Split(text string, size int, unit Unit) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultSize
	}
	if unit == UnitByte {
		out := make([]string, 0, (len(text)+size-1)/size)
		for start := 0; start < len(text); start += size {
			end := start + size
			if end > len(text) {
				end = len(text)
			}
			out = append(out, text[start:end])
		}
		return out
	}
	var out []string
	start, n := 0, 0
	// range 按码点推进；非法字节按单个字符计数
	for i := range text {
		if n == size {
			out = append(out, text[start:i])
			start, n = i, 0
		}
		n++
	}
	return append(out, text[start:])
}
