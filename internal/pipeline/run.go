package pipeline

import (
	"context"
	"fmt"
	"time"

	"bookpara/internal/diag"
	"bookpara/pkg/contract"
)

// Summary 汇总一次 Run 的产出。
type Summary struct {
	Files      int
	Paragraphs int
	Warnings   int
}

// Run 执行完整流程：Reader → Process（Chunker → Prompt → LLM → Recoverer）→ Assembler → Writer。
// 文件按 Reader 的稳定顺序逐个处理；首个错误即停止并返回。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (Summary, error) {
	var sum Summary
	if err := sanity(comp); err != nil {
		return sum, fmt.Errorf("sanity: %w", err)
	}
	proc, err := NewProcessor(comp, set, logger)
	if err != nil {
		return sum, err
	}
	idx, total := set.ChunkIndex, set.TotalChunks
	if idx <= 0 {
		idx = 1
	}
	if total <= 0 {
		total = idx
	}

	rtimer := logger.Start("reader", "iterate")
	err = comp.Reader.Iterate(ctx, set.Inputs, func(fileID contract.FileID, text string) error {
		fid := string(fileID)
		fileStart := time.Now()
		ok := false
		paras := 0
		defer func() {
			if t := diag.GetTerminal(); t != nil {
				t.FileFinish(ok, paras, time.Since(fileStart))
			}
		}()

		ptimer := logger.StartWithKV("pipeline", "process", fid, "", map[string]string{"bytes": fmt.Sprint(len(text))})
		res, err := proc.process(ctx, fileID, text, idx, total)
		if err != nil {
			return fmt.Errorf("process %s: %w", fid, err)
		}
		paras = res.TotalParagraphs
		ptimer.FinishKV("process", int64(res.TotalParagraphs), map[string]string{
			"chunks":   fmt.Sprint(len(res.Chunks)),
			"warnings": fmt.Sprint(res.Warnings),
		})
		diag.IncOp("pipeline", "finish", "success")
		diag.ObserveDuration("pipeline", "process", ptimer.Elapsed().Milliseconds())

		atimer := logger.StartWith("assembler", "assemble", fid, "")
		r, err := comp.Assembler.Assemble(ctx, fileID, res)
		if err != nil {
			logFailure(logger, "assembler", "assemble failed", err, atimer, fid, "")
			return fmt.Errorf("assembler assemble: %w", err)
		}
		atimer.Finish("assemble", int64(res.TotalParagraphs))
		diag.IncOp("assembler", "finish", "success")

		wtimer := logger.StartWith("writer", "write", fid, "")
		if err := comp.Writer.Write(ctx, contract.ArtifactID(fid+comp.Assembler.Ext()), r); err != nil {
			logFailure(logger, "writer", "write failed", err, wtimer, fid, "")
			return fmt.Errorf("writer write: %w", err)
		}
		wtimer.Finish("write", 1)
		diag.IncOp("writer", "finish", "success")

		sum.Files++
		sum.Paragraphs += res.TotalParagraphs
		sum.Warnings += res.Warnings
		ok = true
		return nil
	})
	if err != nil {
		return sum, err
	}
	rtimer.Finish("iterate", int64(sum.Files))
	return sum, nil
}

// sanity 校验必需组件齐全。
func sanity(c Components) error {
	if c.Reader == nil || c.Chunker == nil || c.PromptBuilder == nil || c.LLM == nil ||
		c.Recoverer == nil || c.Assembler == nil || c.Writer == nil {
		return fmt.Errorf("%w: missing component", contract.ErrConfiguration)
	}
	return nil
}
