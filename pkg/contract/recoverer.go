package contract

import "context"

// Recovery: Recoverer 的输出。
// Stage 记录产出结果的恢复阶段；Degraded 表示内容无法解析而被降级为空列表。
type Recovery struct {
	Paragraphs ParagraphList
	Stage      string
	Degraded   bool
}

// Recoverer: 将（理应为 {"paragraphs":[...]} 的）任意文本恢复为段落列表。
// 约束：
//  1. 空文本返回 ErrEmptyResponse；
//  2. 可解析但缺少合法 paragraphs 数组返回 ErrInvalidFormat；
//  3. 其余畸形内容一律降级为空列表，不返回错误；
//  4. 纯计算，无 I/O。
type Recoverer interface {
	Recover(ctx context.Context, c Completion) (Recovery, error)
}

// StageNonNarrative: 响应中没有任何 JSON 候选，按非叙事内容（目录、献词等）处理。
const StageNonNarrative = "non_narrative"

// Skipped 报告该子块是否被静默跳过：非叙事内容或无法修复而降级为空列表。
func (r Recovery) Skipped() bool { return r.Degraded || r.Stage == StageNonNarrative }
