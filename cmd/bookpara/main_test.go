package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "bookpara/internal/config"
	"bookpara/internal/diag"
	"bookpara/internal/pipeline"
	"bookpara/pkg/contract"
)

// writeTemplateConfig 在当前目录写入 mock 配置（./config.json 会被自动读取）。
func writeTemplateConfig(t *testing.T, dir string, mutate func(*cfgpkg.Config)) string {
	t.Helper()
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Options.Writer = json.RawMessage(fmt.Sprintf(`{"output_dir":%q}`, filepath.Join(dir, "out")))
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func stubPipeline(t *testing.T, fn func(context.Context, pipeline.Components, pipeline.Settings, *diag.Logger) (pipeline.Summary, error)) {
	t.Helper()
	orig := pipelineRun
	pipelineRun = fn
	t.Cleanup(func() { pipelineRun = orig })
}

func runCLI(args ...string) (int, string, string) {
	var out, errb bytes.Buffer
	code := execute(append([]string{"--status=false"}, args...), &out, &errb)
	return code, out.String(), errb.String()
}

func TestInitConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tmpl")
	code, out, _ := runCLI("--init-config", dir)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, filepath.Join(dir, "config.json"))
	assert.Contains(t, out, filepath.Join(dir, ".env"))

	// 再次生成：跳过已有文件
	code, out, _ = runCLI("--init-config", dir)
	require.Equal(t, exitOK, code)
	assert.Empty(t, out)

	_, err := cfgpkg.LoadJSON(filepath.Join(dir, "config.json"), nil)
	require.NoError(t, err)
}

func TestInitConfigDefaultDir(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	code, _, _ := runCLI("--init-config")
	require.Equal(t, exitOK, code)
	assert.FileExists(t, filepath.Join(dir, "config.json"))
	assert.FileExists(t, filepath.Join(dir, ".env"))
}

func TestRunSuccess(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeTemplateConfig(t, dir, nil)

	var got pipeline.Settings
	called := false
	stubPipeline(t, func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) (pipeline.Summary, error) {
		called = true
		got = set
		require.NotNil(t, comp.LLM)
		require.NotNil(t, comp.Writer)
		return pipeline.Summary{Files: 1, Paragraphs: 3}, nil
	})

	code, _, _ := runCLI("--chunk-index", "2", "--total-chunks", "3", "book.txt")
	require.Equal(t, exitOK, code)
	require.True(t, called)
	assert.Equal(t, []string{"book.txt"}, got.Inputs)
	assert.Equal(t, 2, got.ChunkIndex)
	assert.Equal(t, 3, got.TotalChunks)
}

func TestRunWithConfigFlag(t *testing.T) {
	dir := t.TempDir()
	chdir(t, t.TempDir())
	path := writeTemplateConfig(t, dir, nil)

	called := false
	stubPipeline(t, func(context.Context, pipeline.Components, pipeline.Settings, *diag.Logger) (pipeline.Summary, error) {
		called = true
		return pipeline.Summary{}, nil
	})
	code, _, _ := runCLI("--config", path)
	require.Equal(t, exitOK, code)
	assert.True(t, called)
}

func TestRunConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*cfgpkg.Config)
		args   []string
	}{
		{"配置文件不存在", nil, []string{"--config", "missing.json"}},
		{"未知 provider", nil, []string{"--llm", "nope"}},
		{"STDIN 混用", nil, []string{"-", "a.txt"}},
		{"批次位置越界", nil, []string{"--chunk-index", "4", "--total-chunks", "3"}},
		{"未知输出格式", nil, []string{"--format", "yaml"}},
		{"组件未知字段", func(c *cfgpkg.Config) { c.Options.Reader = json.RawMessage(`{"unknown":1}`) }, nil},
		{"旗标类型错误", nil, []string{"--chunk-size", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			chdir(t, dir)
			writeTemplateConfig(t, dir, tt.mutate)
			stubPipeline(t, func(context.Context, pipeline.Components, pipeline.Settings, *diag.Logger) (pipeline.Summary, error) {
				t.Fatalf("pipeline must not run")
				return pipeline.Summary{}, nil
			})
			code, _, _ := runCLI(tt.args...)
			assert.Equal(t, exitConfig, code)
		})
	}
}

func TestRunPipelineError(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeTemplateConfig(t, dir, nil)

	stubPipeline(t, func(context.Context, pipeline.Components, pipeline.Settings, *diag.Logger) (pipeline.Summary, error) {
		return pipeline.Summary{}, &contract.ChunkError{SubIndex: 2, SubTotal: 3, Err: fmt.Errorf("mock: %w", contract.ErrBackend)}
	})
	code, _, stderr := runCLI()
	assert.Equal(t, exitRuntime, code)
	assert.Contains(t, stderr, "运行失败")
	assert.Contains(t, stderr, "chunk 2/3")
}

func TestRunPipelineConfigError(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeTemplateConfig(t, dir, nil)

	stubPipeline(t, func(context.Context, pipeline.Components, pipeline.Settings, *diag.Logger) (pipeline.Summary, error) {
		return pipeline.Summary{}, fmt.Errorf("preflight: %w", contract.ErrConfiguration)
	})
	code, _, _ := runCLI()
	assert.Equal(t, exitConfig, code)
}

func TestRunMetricsFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeTemplateConfig(t, dir, nil)
	stubPipeline(t, func(context.Context, pipeline.Components, pipeline.Settings, *diag.Logger) (pipeline.Summary, error) {
		return pipeline.Summary{Files: 1}, nil
	})

	path := filepath.Join(dir, "bookpara.prom")
	code, _, _ := runCLI("--metrics-file", path)
	require.Equal(t, exitOK, code)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "bookpara_")
}

func TestLoadConfigLayering(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeTemplateConfig(t, dir, nil)
	t.Setenv("BOOKPARA_FORMAT", "text")
	t.Setenv("BOOKPARA_CHUNK_SIZE", "500")
	t.Setenv("BOOKPARA_LLM", "openai")

	cfg, err := loadConfig(cliFlags{format: "jsonl", llm: "mock", outputDir: "elsewhere"}, []string{"a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.LLM)
	assert.Equal(t, []string{"a.txt"}, cfg.Inputs)

	var asm struct {
		Format string `json:"format"`
	}
	require.NoError(t, json.Unmarshal(cfg.Options.Assembler, &asm))
	assert.Equal(t, "jsonl", asm.Format)

	var ch struct {
		Size int    `json:"size"`
		Unit string `json:"unit"`
	}
	require.NoError(t, json.Unmarshal(cfg.Options.Chunker, &ch))
	assert.Equal(t, 500, ch.Size)
	assert.Equal(t, "rune", ch.Unit)

	var w struct {
		OutputDir string `json:"output_dir"`
		Flat      bool   `json:"flat"`
	}
	require.NoError(t, json.Unmarshal(cfg.Options.Writer, &w))
	assert.Equal(t, "elsewhere", w.OutputDir)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("BOOKPARA_TEST_KEEP", "shell")
	t.Cleanup(func() { os.Unsetenv("BOOKPARA_TEST_FRESH") })
	require.NoError(t, os.WriteFile(".env", []byte("BOOKPARA_TEST_KEEP=file\nBOOKPARA_TEST_FRESH=file\n"), 0o644))

	require.NoError(t, loadDotEnv(".env"))
	assert.Equal(t, "shell", os.Getenv("BOOKPARA_TEST_KEEP"))
	assert.Equal(t, "file", os.Getenv("BOOKPARA_TEST_FRESH"))

	assert.NoError(t, loadDotEnv("missing.env"))
}

func TestLLMLabel(t *testing.T) {
	cfg := cfgpkg.DefaultTemplateConfig()
	assert.Equal(t, "mock", llmLabel(cfg))
	cfg.Provider["fast"] = cfgpkg.Provider{Client: "openai"}
	cfg.LLM = "fast"
	assert.Equal(t, "fast(openai)", llmLabel(cfg))
}

// chdir 切换工作目录并在测试结束时恢复（等价于 Go 1.24 的 t.Chdir）。
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
