package contract

// FileID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// TextChunk: 原文的一个连续切片（不可变，仅被 PromptBuilder 消费一次）。
// 约束：
// - Index 自 1 起，Total 为同一次提交内的块数；
// - 同一提交的全部 Content 按 Index 拼接可精确还原原文；
// - 除最后一块外，Content 长度等于配置的块大小。
type TextChunk struct {
	Index   int
	Total   int
	Content string
}

// FinishState: 后端声明的生成结束方式。
type FinishState string

const (
	// FinishComplete: 自然结束（stop）。
	FinishComplete FinishState = "stop"
	// FinishLength: 因输出长度上限被截断（length）。
	FinishLength FinishState = "length"
)

// Completion: 单次 LLM 调用的原始结果（瞬态，立即交给 Recoverer）。
// Text 原样返回，不做清洗/截断；Reason 保留上游的原始结束信号，仅用于诊断。
type Completion struct {
	Text   string
	Finish FinishState
	Reason string
}

// Truncated 报告本次输出是否被长度上限截断。
func (c Completion) Truncated() bool { return c.Finish == FinishLength }

// ParagraphList: 有序段落序列（插入顺序即叙事顺序）；空列表是合法结果。
type ParagraphList []string

// Status: 汇总结果状态。失败不产生结果，只返回错误。
type Status string

const StatusSuccess Status = "success"

// ChunkReport: 单个子块的处理摘要（可观测性用，不影响段落内容）。
type ChunkReport struct {
	SubIndex   int    `json:"sub_index"`
	SubTotal   int    `json:"sub_total"`
	Paragraphs int    `json:"paragraphs"`
	Stage      string `json:"stage"`
	Truncated  bool   `json:"truncated,omitempty"`
	Degraded   bool   `json:"degraded,omitempty"`
}

// AggregateResult: 一次提交的完整结果，返回后由调用方独占。
// TotalParagraphs 恒等于 len(Paragraphs)；段落顺序 = 子块顺序 + 块内顺序。
// Warnings 统计被静默降级为空列表的子块数（非叙事内容或无法修复的 JSON）。
type AggregateResult struct {
	Status          Status        `json:"status"`
	Paragraphs      []string      `json:"paragraphs"`
	TotalParagraphs int           `json:"total_paragraphs"`
	ChunkIndex      int           `json:"chunk_index"`
	TotalChunks     int           `json:"total_chunks"`
	Warnings        int           `json:"warnings"`
	Chunks          []ChunkReport `json:"chunks,omitempty"`
}
