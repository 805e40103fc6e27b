package contract

import (
	"context"
	"io"
)

// Assembler: 将一次提交的 AggregateResult 渲染为可持久化的字节流。
// 不改变段落内容与顺序；格式（json/jsonl/text）由实现配置决定。
type Assembler interface {
	Assemble(ctx context.Context, fileID FileID, res AggregateResult) (io.Reader, error)
	// Ext 返回产物文件的扩展名后缀（如 ".paragraphs.json"）。
	Ext() string
}
