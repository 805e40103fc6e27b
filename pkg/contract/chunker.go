package contract

import "context"

// Chunker: 将整段原文切分为有序、连续、不重叠的 TextChunk 序列。
// 约束：
// 1) 拼接全部 Content 精确还原输入；
// 2) 滑动窗口自偏移 0 起、步长等于块大小，不重叠；
// 3) 空输入返回空序列（非错误）；
// 4) 纯计算，无内部并发、幂等。
type Chunker interface {
	Chunk(ctx context.Context, text string) ([]TextChunk, error)
}
