package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/caarlos0/env/v10"

	"bookpara/pkg/contract"
)

// Defaults 返回带有安全默认值的 Config 雏形。
// 默认读取 STDIN，使用 openai 后端（凭据来自 OPENAI_API_KEY），产物写入 ./out。
func Defaults() Config {
	return Config{
		Inputs:  []string{"-"},
		LLM:     "openai",
		Logging: Logging{Level: "info"},
		Components: Components{
			Reader:        "fs",
			Chunker:       "window",
			PromptBuilder: "paragraph",
			Recoverer:     "layered",
			Assembler:     "linear",
			Writer:        "fs",
		},
		Options: Options{
			Writer: json.RawMessage(`{"output_dir":"out"}`),
		},
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: %w: %v", contract.ErrConfiguration, err)
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。零值视为未设置。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	setInt(&out.ChunkIndex, over.ChunkIndex)
	setInt(&out.TotalChunks, over.TotalChunks)
	setInt(&out.MaxOutputTokens, over.MaxOutputTokens)
	setInt(&out.CallTimeoutSeconds, over.CallTimeoutSeconds)
	setInt(&out.MaxInputTokens, over.MaxInputTokens)

	setStr(&out.Estimator.Kind, over.Estimator.Kind)
	setInt(&out.Estimator.BytesPerToken, over.Estimator.BytesPerToken)
	setStr(&out.Estimator.Model, over.Estimator.Model)
	setStr(&out.Estimator.Encoding, over.Estimator.Encoding)

	setStr(&out.Logging.Level, over.Logging.Level)
	if over.Logging.JSON {
		out.Logging.JSON = true
	}
	setStr(&out.Logging.Dir, over.Logging.Dir)
	setInt(&out.Logging.MaxMB, over.Logging.MaxMB)

	// 组件名（空不覆盖）
	setStr(&out.Components.Reader, over.Components.Reader)
	setStr(&out.Components.Chunker, over.Components.Chunker)
	setStr(&out.Components.PromptBuilder, over.Components.PromptBuilder)
	setStr(&out.Components.Recoverer, over.Components.Recoverer)
	setStr(&out.Components.Assembler, over.Components.Assembler)
	setStr(&out.Components.Writer, over.Components.Writer)

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		merged := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			merged[k] = v
		}
		for k, v := range over.Provider {
			merged[k] = v
		}
		out.Provider = merged
	}

	// Options（完整替换对应键）
	setRaw(&out.Options.Reader, over.Options.Reader)
	setRaw(&out.Options.Chunker, over.Options.Chunker)
	setRaw(&out.Options.PromptBuilder, over.Options.PromptBuilder)
	setRaw(&out.Options.Recoverer, over.Options.Recoverer)
	setRaw(&out.Options.Assembler, over.Options.Assembler)
	setRaw(&out.Options.Writer, over.Options.Writer)

	setStr(&out.LLM, over.LLM)
	return out
}

// Env: 环境变量覆盖集合。供应商凭据（OPENAI_API_KEY 等）由各客户端自行读取。
type Env struct {
	ConfigFile string   `env:"BOOKPARA_CONFIG_FILE"`
	Inputs     []string `env:"BOOKPARA_INPUTS" envSeparator:","`
	LLM        string   `env:"BOOKPARA_LLM"`
	ChunkSize  int      `env:"BOOKPARA_CHUNK_SIZE"`
	OutputDir  string   `env:"BOOKPARA_OUTPUT_DIR"`
	Format     string   `env:"BOOKPARA_FORMAT"`
	LogLevel   string   `env:"BOOKPARA_LOG_LEVEL"`
	// MaxOutputTokens: 单次调用输出上限覆盖。
	MaxOutputTokens int `env:"BOOKPARA_MAX_OUTPUT_TOKENS"`
}

// LoadEnv 从给定环境（nil 表示进程环境）解析覆盖项。
func LoadEnv(environ map[string]string) (Env, error) {
	var e Env
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&e, opts); err != nil {
		return e, fmt.Errorf("env: %w: %v", contract.ErrConfiguration, err)
	}
	return e, nil
}

// Overlay 把环境覆盖转换为 Config 覆盖层。base 用于在既有组件 Options 上修补单个键。
func (e Env) Overlay(base Config) (Config, error) {
	var over Config
	over.Inputs = splitList(e.Inputs)
	over.LLM = strings.TrimSpace(e.LLM)
	over.Logging.Level = strings.TrimSpace(e.LogLevel)
	over.MaxOutputTokens = e.MaxOutputTokens
	var err error
	if e.ChunkSize > 0 {
		if over.Options.Chunker, err = SetOption(base.Options.Chunker, "size", e.ChunkSize); err != nil {
			return over, err
		}
	}
	if d := strings.TrimSpace(e.OutputDir); d != "" {
		if over.Options.Writer, err = SetOption(base.Options.Writer, "output_dir", d); err != nil {
			return over, err
		}
	}
	if f := strings.TrimSpace(e.Format); f != "" {
		if over.Options.Assembler, err = SetOption(base.Options.Assembler, "format", f); err != nil {
			return over, err
		}
	}
	return over, nil
}

// SetOption 在原样 JSON 对象上设置单个键，返回新的 JSON；raw 为空时从 {} 开始。
func SetOption(raw json.RawMessage, key string, val any) (json.RawMessage, error) {
	m := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("config: %w: option %q: %v", contract.ErrConfiguration, key, err)
		}
	}
	m[key] = val
	return json.Marshal(m)
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setStr(dst *string, v string) {
	if t := strings.TrimSpace(v); t != "" {
		*dst = t
	}
}

func setRaw(dst *json.RawMessage, v json.RawMessage) {
	if len(v) > 0 {
		*dst = cloneRaw(v)
	}
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitList(in []string) []string {
	var out []string
	for _, p := range in {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
