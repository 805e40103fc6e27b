package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "bookpara/internal/config"
	"bookpara/internal/diag"
	"bookpara/internal/pipeline"
	"bookpara/pkg/contract"
	"bookpara/plugins/llmclient/flaky"
	"bookpara/plugins/llmclient/mock"
)

type artifact struct {
	FileID          string                 `json:"file_id"`
	Status          string                 `json:"status"`
	Paragraphs      []string               `json:"paragraphs"`
	TotalParagraphs int                    `json:"total_paragraphs"`
	ChunkIndex      int                    `json:"chunk_index"`
	TotalChunks     int                    `json:"total_chunks"`
	Warnings        int                    `json:"warnings"`
	Chunks          []contract.ChunkReport `json:"chunks"`
}

// baseConfig 构造离线可运行的配置：mock 后端，产物写入 outDir。
func baseConfig(outDir string, inputs ...string) cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = inputs
	cfg.Logging.Level = "error"
	cfg.Options.Writer = json.RawMessage(fmt.Sprintf(`{"output_dir":%q,"atomic":true,"flat":true}`, outDir))
	return cfg
}

func runConfig(t *testing.T, cfg cfgpkg.Config) (pipeline.Components, pipeline.Summary, error) {
	t.Helper()
	logger := diag.NewLogger("e2e", "error", diag.WithDiscard())
	comp, set, err := cfgpkg.Assemble(cfg, logger)
	require.NoError(t, err)
	sum, err := pipeline.Run(context.Background(), comp, set, logger)
	return comp, sum, err
}

func readArtifact(t *testing.T, path string) artifact {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var a artifact
	require.NoError(t, json.Unmarshal(b, &a))
	return a
}

// windowText 生成每段恰好占满一个窗口的文本：段落 + "\n\n" = size 个字符。
func windowText(n, size int) (string, []string) {
	var b strings.Builder
	var paras []string
	for i := 1; i <= n; i++ {
		p := fmt.Sprintf("Para %02d ", i)
		p += strings.Repeat("x", size-2-len(p))
		paras = append(paras, p)
		b.WriteString(p + "\n\n")
	}
	return b.String(), paras
}

func TestEndToEndFixture(t *testing.T) {
	out := t.TempDir()
	in := filepath.Join("testdata", "loomings.txt")
	cfg := baseConfig(out, in)

	_, sum, err := runConfig(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Summary{Files: 1, Paragraphs: 3}, sum)

	src, err := os.ReadFile(in)
	require.NoError(t, err)
	a := readArtifact(t, filepath.Join(out, "loomings.txt.paragraphs.json"))
	assert.Equal(t, "testdata/loomings.txt", a.FileID)
	assert.Equal(t, "success", a.Status)
	assert.Equal(t, mock.Paragraphs(string(src)), a.Paragraphs)
	assert.Equal(t, 3, a.TotalParagraphs)
	assert.Equal(t, 1, a.ChunkIndex)
	assert.Equal(t, 1, a.TotalChunks)
	require.Len(t, a.Chunks, 1)
	assert.Equal(t, "direct", a.Chunks[0].Stage)
}

func TestEndToEndOrderAcrossChunks(t *testing.T) {
	dir, out := t.TempDir(), t.TempDir()
	text, paras := windowText(3, 24)
	in := filepath.Join(dir, "book.txt")
	require.NoError(t, os.WriteFile(in, []byte(text), 0o644))

	cfg := baseConfig(out, in)
	cfg.ChunkIndex, cfg.TotalChunks = 2, 5
	cfg.Options.Chunker = json.RawMessage(`{"size":24,"unit":"rune"}`)
	_, sum, err := runConfig(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Paragraphs)

	a := readArtifact(t, filepath.Join(out, "book.txt.paragraphs.json"))
	assert.Equal(t, paras, a.Paragraphs)
	assert.Equal(t, 2, a.ChunkIndex)
	assert.Equal(t, 5, a.TotalChunks)
	require.Len(t, a.Chunks, 3)
	for i, c := range a.Chunks {
		assert.Equal(t, i+1, c.SubIndex)
		assert.Equal(t, 3, c.SubTotal)
		assert.Equal(t, 1, c.Paragraphs)
	}
}

func TestEndToEndFlakyRecovers(t *testing.T) {
	dir, out := t.TempDir(), t.TempDir()
	text, paras := windowText(3, 40)
	in := filepath.Join(dir, "book.txt")
	require.NoError(t, os.WriteFile(in, []byte(text), 0o644))

	cfg := baseConfig(out, in)
	cfg.LLM = "flaky"
	cfg.Options.Chunker = json.RawMessage(`{"size":40}`)
	comp, sum, err := runConfig(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, comp.LLM.(*flaky.Client).Calls())

	a := readArtifact(t, filepath.Join(out, "book.txt.paragraphs.json"))
	require.Len(t, a.Chunks, 3)
	// 子块 1：代码块包裹，完整恢复
	require.NotEmpty(t, a.Paragraphs)
	assert.Equal(t, paras[0], a.Paragraphs[0])
	assert.Equal(t, "fence", a.Chunks[0].Stage)
	// 子块 2：输出被截断
	assert.True(t, a.Chunks[1].Truncated)
	// 子块 3：说明文字，降级为空并计入告警
	assert.Equal(t, 0, a.Chunks[2].Paragraphs)
	assert.GreaterOrEqual(t, a.Warnings, 1)
	assert.Equal(t, a.Warnings, sum.Warnings)
	assert.Equal(t, len(a.Paragraphs), a.TotalParagraphs)
}

func TestEndToEndFailFast(t *testing.T) {
	dir, out := t.TempDir(), t.TempDir()
	text, _ := windowText(3, 24)
	in := filepath.Join(dir, "book.txt")
	require.NoError(t, os.WriteFile(in, []byte(text), 0o644))

	cfg := baseConfig(out, in)
	cfg.LLM = "flaky"
	cfg.Provider["flaky"] = cfgpkg.Provider{Client: "flaky", Options: json.RawMessage(`{"sequence":["ok"],"fail_on_call":2}`)}
	cfg.Options.Chunker = json.RawMessage(`{"size":24}`)
	comp, sum, err := runConfig(t, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, contract.ErrBackend))

	var ce *contract.ChunkError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 2, ce.SubIndex)
	assert.Equal(t, 3, ce.SubTotal)
	// 子块 3 从未调用
	assert.Equal(t, 2, comp.LLM.(*flaky.Client).Calls())
	assert.Equal(t, 0, sum.Files)
	assert.NoFileExists(t, filepath.Join(out, "book.txt.paragraphs.json"))
}

func TestEndToEndDirectoryText(t *testing.T) {
	dir, out := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("Second book.\n\nIts end."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("First book."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.json"), []byte(`{"skip":true}`), 0o644))

	cfg := baseConfig(out, dir)
	cfg.Options.Assembler = json.RawMessage(`{"format":"text"}`)
	_, sum, err := runConfig(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Summary{Files: 2, Paragraphs: 3}, sum)

	a, err := os.ReadFile(filepath.Join(out, "a.txt.paragraphs.txt"))
	require.NoError(t, err)
	assert.Equal(t, "First book.\n", string(a))
	b, err := os.ReadFile(filepath.Join(out, "b.md.paragraphs.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Second book.\n\nIts end.\n", string(b))
	assert.NoFileExists(t, filepath.Join(out, "notes.json.paragraphs.txt"))
}
