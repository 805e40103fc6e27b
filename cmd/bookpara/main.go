package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	cfgpkg "bookpara/internal/config"
	"bookpara/internal/diag"
	"bookpara/internal/pipeline"
	"bookpara/pkg/contract"
)

var pipelineRun = pipeline.Run

// 退出码：0 成功；1 运行期失败；3 配置/装配失败。
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 3
)

type cliFlags struct {
	config      string
	llm         string
	chunkSize   int
	chunkIndex  int
	totalChunks int
	outputDir   string
	format      string
	logLevel    string
	logJSON     bool
	status      bool
	metricsFile string
	initDir     string
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	code := exitOK
	cmd := newRootCmd(stdout, stderr, &code)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		// 旗标解析失败
		fmt.Fprintf(stderr, "参数错误: %v\n", err)
		return exitConfig
	}
	return code
}

func newRootCmd(stdout, stderr io.Writer, code *int) *cobra.Command {
	var f cliFlags
	cmd := &cobra.Command{
		Use:   "bookpara [files...]",
		Short: "用 LLM 把整本书的文本切分为有序段落",
		Long: `bookpara 把书籍文本（txt/md/epub/pdf 或 STDIN）按窗口切块，逐块请求 LLM 划分段落，
修复/降级不规范的输出后按原顺序汇总，写入输出目录。
位置参数为文件或目录；"-" 表示 STDIN，不能与其他输入混用。`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			*code = run(ctx, f, args, stdout, stderr)
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	fl := cmd.Flags()
	fl.StringVar(&f.config, "config", "", "配置文件路径（JSON）；缺省读取 BOOKPARA_CONFIG_FILE 或 ./config.json（若存在）")
	fl.StringVar(&f.llm, "llm", "", "provider 名称（覆盖配置）")
	fl.IntVar(&f.chunkSize, "chunk-size", 0, "切块窗口大小（覆盖 chunker 的 size）")
	fl.IntVar(&f.chunkIndex, "chunk-index", 0, "外部批次序号（1 起）")
	fl.IntVar(&f.totalChunks, "total-chunks", 0, "外部批次总数")
	fl.StringVar(&f.outputDir, "output-dir", "", "输出目录（覆盖 writer 的 output_dir）")
	fl.StringVar(&f.format, "format", "", "输出格式：json | jsonl | text")
	fl.StringVar(&f.logLevel, "log-level", "", "日志级别：debug | info | warn | error")
	fl.BoolVar(&f.logJSON, "log-json", false, "以 JSON 行输出日志")
	fl.BoolVar(&f.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	fl.StringVar(&f.metricsFile, "metrics-file", "", "结束时把 Prometheus 指标写入该文件（textfile 格式）")
	fl.StringVar(&f.initDir, "init-config", "", "在指定目录生成 config.json 与 .env 模板（已存在则跳过）；不带值时为当前目录")
	fl.Lookup("init-config").NoOptDefVal = "."
	return cmd
}

func run(ctx context.Context, f cliFlags, args []string, stdout, stderr io.Writer) int {
	start := time.Now()
	corrID := uuid.NewString()
	// 任何 ENV 读取之前加载 .env（不覆盖已有 ENV）
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "提示：.env 读取失败（已跳过）：%v\n", err)
	}
	// 先以默认级别占位，合并配置后再重建
	logger := diag.NewLogger(corrID, "info", diag.WithOutput(stderr))

	if dir := strings.TrimSpace(f.initDir); dir != "" {
		written, err := cfgpkg.WriteTemplates(dir)
		if err != nil {
			fmt.Fprintf(stderr, "生成默认配置失败: %v\n", err)
			logger.Error("cli", string(diag.Classify(err)), "init config", &start)
			return exitConfig
		}
		for _, p := range written {
			fmt.Fprintln(stdout, p)
		}
		return exitOK
	}

	cfg, err := loadConfig(f, args)
	if err != nil {
		fmt.Fprintf(stderr, "配置解析失败: %v\n", err)
		logger.Error("cli", string(diag.Classify(err)), "first error", &start)
		return exitConfig
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		fmt.Fprintf(stderr, "配置校验失败: %v\n", err)
		dumpConfig(stderr, cfg)
		logger.Error("cli", string(diag.Classify(err)), "first error", &start)
		return exitConfig
	}

	logger = newLogger(corrID, cfg, stderr)
	defer logger.Close()

	if err := cfgpkg.CheckOutputDir(cfg); err != nil {
		fmt.Fprintf(stderr, "输出目录不可写或无法创建: %v\n", err)
		logger.Error("cli", string(diag.Classify(err)), "first error", &start)
		return exitConfig
	}
	comp, set, err := cfgpkg.Assemble(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "装配失败: %v\n", err)
		logger.Error("cli", string(diag.Classify(err)), "first error", &start)
		return exitConfig
	}

	term := diag.NewTerminal(stderr, f.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.RunStart(llmLabel(cfg), len(cfg.Inputs))

	logger.DebugStart("config", "effective", "", "", effectiveKV(cfg))

	t := logger.Start("cli", "run")
	sum, err := pipelineRun(ctx, comp, set, logger)
	defer flushMetrics(f.metricsFile, logger)
	if err != nil {
		code := diag.Classify(err)
		logger.Error("cli", string(code), "first error", &start)
		diag.IncOp("cli", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("cli", string(code))
		}
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(stderr, "运行失败: %v\n", err)
		}
		term.RunFinish(false, time.Since(start))
		if errors.Is(err, contract.ErrConfiguration) {
			return exitConfig
		}
		return exitRuntime
	}
	t.FinishKV("run", int64(sum.Paragraphs), map[string]string{
		"files":    fmt.Sprint(sum.Files),
		"warnings": fmt.Sprint(sum.Warnings),
	})
	diag.IncOp("cli", "finish", "success")
	diag.ObserveDuration("cli", "finish", time.Since(start).Milliseconds())
	term.RunFinish(true, time.Since(start))
	return exitOK
}

// loadConfig 按优先级合并：默认值 < 配置文件 < 环境变量 < 命令行。
func loadConfig(f cliFlags, args []string) (cfgpkg.Config, error) {
	env, err := cfgpkg.LoadEnv(nil)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	path := f.config
	if path == "" {
		path = env.ConfigFile
	}
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}

	cfg := cfgpkg.Defaults()
	if path != "" {
		file, err := cfgpkg.LoadJSON(path, nil)
		if err != nil {
			return cfg, err
		}
		cfg = cfgpkg.Merge(cfg, file)
	}

	over, err := env.Overlay(cfg)
	if err != nil {
		return cfg, err
	}
	cfg = cfgpkg.Merge(cfg, over)

	cli, err := cliOverlay(f, args, cfg)
	if err != nil {
		return cfg, err
	}
	return cfgpkg.Merge(cfg, cli), nil
}

func cliOverlay(f cliFlags, args []string, base cfgpkg.Config) (cfgpkg.Config, error) {
	var over cfgpkg.Config
	if len(args) > 0 {
		over.Inputs = args
	}
	over.LLM = strings.TrimSpace(f.llm)
	over.ChunkIndex = f.chunkIndex
	over.TotalChunks = f.totalChunks
	over.Logging.Level = strings.TrimSpace(f.logLevel)
	over.Logging.JSON = f.logJSON
	var err error
	if f.chunkSize > 0 {
		if over.Options.Chunker, err = cfgpkg.SetOption(base.Options.Chunker, "size", f.chunkSize); err != nil {
			return over, err
		}
	}
	if d := strings.TrimSpace(f.outputDir); d != "" {
		if over.Options.Writer, err = cfgpkg.SetOption(base.Options.Writer, "output_dir", d); err != nil {
			return over, err
		}
	}
	if v := strings.TrimSpace(f.format); v != "" {
		if over.Options.Assembler, err = cfgpkg.SetOption(base.Options.Assembler, "format", v); err != nil {
			return over, err
		}
	}
	return over, nil
}

func newLogger(corrID string, cfg cfgpkg.Config, stderr io.Writer) *diag.Logger {
	level := strings.TrimSpace(cfg.Logging.Level)
	if level == "" {
		level = "info"
	}
	opts := []diag.Option{diag.WithOutput(stderr), diag.WithJSON(cfg.Logging.JSON)}
	if d := strings.TrimSpace(cfg.Logging.Dir); d != "" {
		opts = append(opts, diag.WithLogDir(d, cfg.Logging.MaxMB))
	}
	return diag.NewLogger(corrID, level, opts...)
}

func llmLabel(cfg cfgpkg.Config) string {
	if c := cfgpkg.ProviderClient(cfg); c != "" && c != cfg.LLM {
		return cfg.LLM + "(" + c + ")"
	}
	return cfg.LLM
}

// effectiveKV 汇总生效配置（不含密钥）。
func effectiveKV(cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"inputs_count":      fmt.Sprint(len(cfg.Inputs)),
		"chunk_index":       fmt.Sprint(cfg.ChunkIndex),
		"total_chunks":      fmt.Sprint(cfg.TotalChunks),
		"max_output_tokens": fmt.Sprint(cfg.MaxOutputTokens),
		"llm":               cfg.LLM,
		"provider_client":   cfgpkg.ProviderClient(cfg),
		"estimator":         cfg.Estimator.Kind,
		"reader":            cfg.Components.Reader,
		"chunker":           cfg.Components.Chunker,
		"prompt_builder":    cfg.Components.PromptBuilder,
		"recoverer":         cfg.Components.Recoverer,
		"assembler":         cfg.Components.Assembler,
		"writer":            cfg.Components.Writer,
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		var s struct {
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
	}
	return kv
}

func dumpConfig(w io.Writer, c cfgpkg.Config) {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintf(w, "有效配置:\n%s\n", b)
}

func flushMetrics(path string, logger *diag.Logger) {
	if strings.TrimSpace(path) == "" {
		return
	}
	if err := diag.WriteMetrics(path); err != nil {
		logger.Warn("cli", string(diag.Classify(err)), "write metrics", "", "", map[string]string{"path": path, "err": err.Error()})
	}
}

// loadDotEnv 加载 .env；文件不存在时忽略。已存在的环境变量保持优先。
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}
