package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bookpara/internal/diag"
	"bookpara/internal/prompt"
	"bookpara/pkg/contract"
)

// - 单次提交内严格顺序：子块按 1..N 依次 构建→生成→恢复→追加，无内部并发。
// - 首错即停：任一子块出现致命错误，剩余子块不再调用，错误以 ChunkError 携带位置返回。
// - 软失败：非叙事内容与无法修复的 JSON 降级为空列表，只计入 Warnings。

// Components 聚合运行所需的原子组件。
type Components struct {
	Reader        contract.Reader
	Chunker       contract.Chunker
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Recoverer     contract.Recoverer
	Assembler     contract.Assembler
	Writer        contract.Writer
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	// Inputs: Reader 的输入根（文件/目录/"-"）。
	Inputs []string
	// ChunkIndex/TotalChunks: 外部批次位置，原样写入结果；<=0 视为 1。
	ChunkIndex  int
	TotalChunks int
	// 单次 LLM 调用的生成预算与墙钟超时；<=0 采用默认值。
	MaxOutputTokens int
	CallTimeout     time.Duration
	// MaxInputTokens: 可选输入预算，仅用于告警；<=0 关闭。
	MaxInputTokens int
	// Estimator: token 估算器；为空时使用字节比例估算。
	Estimator contract.TokenEstimator
}

// Processor 负责单次提交：切块并逐块调用 LLM，聚合段落。
type Processor struct {
	chunker contract.Chunker
	pb      contract.PromptBuilder
	llm     contract.LLMClient
	rec     contract.Recoverer
	gen     contract.GenerateOptions
	est     contract.TokenEstimator
	budget  int
	logger  *diag.Logger
}

// NewProcessor 校验组件并预先计算输入预算。
func NewProcessor(comp Components, set Settings, logger *diag.Logger) (*Processor, error) {
	if comp.Chunker == nil || comp.PromptBuilder == nil || comp.LLM == nil || comp.Recoverer == nil {
		return nil, fmt.Errorf("processor: %w: missing component", contract.ErrConfiguration)
	}
	est := set.Estimator
	if est == nil {
		est = prompt.MakeEstimator(0)
	}
	budget, overhead := prompt.EffectiveInputBudget(comp.PromptBuilder, est, set.MaxInputTokens)
	if set.MaxInputTokens > 0 && budget <= 0 {
		return nil, fmt.Errorf("processor: %w: input budget %d <= prompt overhead %d", contract.ErrConfiguration, set.MaxInputTokens, overhead)
	}
	return &Processor{
		chunker: comp.Chunker,
		pb:      comp.PromptBuilder,
		llm:     comp.LLM,
		rec:     comp.Recoverer,
		gen:     contract.GenerateOptions{MaxOutputTokens: set.MaxOutputTokens, Timeout: set.CallTimeout}.WithDefaults(),
		est:     est,
		budget:  budget,
		logger:  logger,
	}, nil
}

// Process 抽取 text 的全部段落。chunkIndex/totalChunks 为调用方的外部位置，仅透传到结果。
func (p *Processor) Process(ctx context.Context, text string, chunkIndex, totalChunks int) (contract.AggregateResult, error) {
	return p.process(ctx, "", text, chunkIndex, totalChunks)
}

func (p *Processor) process(ctx context.Context, fileID contract.FileID, text string, chunkIndex, totalChunks int) (contract.AggregateResult, error) {
	fid := string(fileID)
	if chunkIndex < 1 || totalChunks < chunkIndex {
		err := fmt.Errorf("process: %w: chunk position %d/%d", contract.ErrInvalidInput, chunkIndex, totalChunks)
		p.fail("pipeline", "validate failed", err, nil, fid, "")
		return contract.AggregateResult{}, err
	}
	if pf, ok := p.llm.(contract.Preflighter); ok {
		if err := pf.Preflight(); err != nil {
			p.fail("llm_client", "preflight failed", err, nil, fid, "")
			return contract.AggregateResult{}, err
		}
	}

	ctimer := p.logger.StartWith("chunker", "chunk", fid, "")
	chunks, err := p.chunker.Chunk(ctx, text)
	if err != nil {
		p.fail("chunker", "chunk failed", err, ctimer, fid, "")
		return contract.AggregateResult{}, fmt.Errorf("chunker: %w", err)
	}
	ctimer.Finish("chunk", int64(len(chunks)))
	diag.IncOp("chunker", "finish", "success")
	if t := diag.GetTerminal(); t != nil {
		t.FileStart(fid, len(chunks))
	}

	res := contract.AggregateResult{
		Status:      contract.StatusSuccess,
		Paragraphs:  contract.ParagraphList{},
		ChunkIndex:  chunkIndex,
		TotalChunks: totalChunks,
		Chunks:      make([]contract.ChunkReport, 0, len(chunks)),
	}
	for _, c := range chunks {
		rep, paras, err := p.chunk(ctx, fid, c)
		if err != nil {
			return contract.AggregateResult{}, &contract.ChunkError{SubIndex: c.Index, SubTotal: c.Total, Err: err}
		}
		res.Paragraphs = append(res.Paragraphs, paras...)
		res.Chunks = append(res.Chunks, rep)
		if rep.Paragraphs == 0 && (rep.Degraded || rep.Stage == contract.StageNonNarrative) {
			res.Warnings++
		}
		if t := diag.GetTerminal(); t != nil {
			t.ChunkProgress(c.Index, c.Total, res.Warnings)
		}
	}
	res.TotalParagraphs = len(res.Paragraphs)
	return res, nil
}

// chunk 处理单个子块：构建 → 生成 → 恢复。
func (p *Processor) chunk(ctx context.Context, fid string, c contract.TextChunk) (contract.ChunkReport, contract.ParagraphList, error) {
	label := strconv.Itoa(c.Index) + "/" + strconv.Itoa(c.Total)
	rep := contract.ChunkReport{SubIndex: c.Index, SubTotal: c.Total}

	pbtimer := p.logger.StartWith("prompt_builder", "build", fid, label)
	pr, err := p.pb.Build(ctx, c)
	if err != nil {
		p.fail("prompt_builder", "build failed", err, pbtimer, fid, label)
		return rep, nil, fmt.Errorf("prompt: %w", err)
	}
	tokens := p.est(contract.PromptText(pr))
	pbtimer.Finish("build", int64(tokens))
	diag.IncOp("prompt_builder", "finish", "success")
	if p.budget > 0 && tokens > p.budget {
		p.logger.Warn("prompt_builder", "budget", "prompt exceeds input budget", fid, label, map[string]string{
			"tokens": strconv.Itoa(tokens),
			"budget": strconv.Itoa(p.budget),
		})
	}

	ltimer := p.logger.StartWithKV("llm_client", "generate", fid, label, map[string]string{
		"tokens":            strconv.Itoa(tokens),
		"max_output_tokens": strconv.Itoa(p.gen.MaxOutputTokens),
	})
	out, err := p.llm.Generate(ctx, pr, p.gen)
	if err != nil {
		p.fail("llm_client", "generate failed", err, ltimer, fid, label)
		return rep, nil, err
	}
	ltimer.FinishKV("generate", int64(len(out.Text)), map[string]string{"finish": string(out.Finish)})
	diag.IncOp("llm_client", "finish", "success")
	diag.ObserveDuration("llm_client", "generate", ltimer.Elapsed().Milliseconds())
	if out.Truncated() {
		rep.Truncated = true
		p.logger.Warn("llm_client", "truncated", "response hit the output token limit; keeping partial results", fid, label, map[string]string{
			"reason": out.Reason,
		})
	}

	rtimer := p.logger.StartWith("recoverer", "recover", fid, label)
	rc, err := p.rec.Recover(ctx, out)
	if err != nil {
		p.fail("recoverer", "recover failed", err, rtimer, fid, label)
		if p.logger.Enabled(diag.Debug) {
			p.logger.DebugStart("recoverer", "response_preview", fid, label, map[string]string{"text": preview(out.Text, 500)})
		}
		return rep, nil, err
	}
	rtimer.FinishKV("recover", int64(len(rc.Paragraphs)), map[string]string{"stage": rc.Stage})
	diag.IncOp("recoverer", "finish", "success")
	diag.IncRecovery(rc.Stage)
	if rc.Skipped() {
		p.logger.Warn("recoverer", rc.Stage, "no extractable paragraphs; chunk skipped", fid, label, map[string]string{
			"degraded": strconv.FormatBool(rc.Degraded),
		})
	}
	rep.Paragraphs = len(rc.Paragraphs)
	rep.Stage = rc.Stage
	rep.Degraded = rc.Degraded
	return rep, rc.Paragraphs, nil
}

// fail 记录组件错误事件与指标；上游 HTTP 错误附带状态码与消息片段。
func (p *Processor) fail(comp, msg string, err error, t *diag.Timer, fid, label string) {
	logFailure(p.logger, comp, msg, err, t, fid, label)
}

func logFailure(l *diag.Logger, comp, msg string, err error, t *diag.Timer, fid, label string) {
	code := diag.Classify(err)
	kv := map[string]string{"err": err.Error()}
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv["http_status"] = strconv.Itoa(ue.UpstreamStatus())
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			kv["upstream_msg"] = preview(m, 200)
		}
	}
	l.ErrorWithKV(comp, string(code), msg, t.Started(), fid, label, kv)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
