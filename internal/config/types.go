package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	Inputs []string `json:"inputs" validate:"required,min=1,dive,required"`
	// ChunkIndex/TotalChunks: 外部批次位置（调用方把整书再分批提交时使用）；0 表示 1/1。
	ChunkIndex  int `json:"chunk_index" validate:"gte=0"`
	TotalChunks int `json:"total_chunks" validate:"gte=0"`
	// MaxOutputTokens/CallTimeoutSeconds: 单次 LLM 调用预算；0 采用 16000 / 180s。
	MaxOutputTokens    int `json:"max_output_tokens" validate:"gte=0"`
	CallTimeoutSeconds int `json:"call_timeout_seconds" validate:"gte=0"`
	// MaxInputTokens: 可选输入预算，仅告警；0 关闭。
	MaxInputTokens int       `json:"max_input_tokens" validate:"gte=0"`
	Estimator      Estimator `json:"estimator"`
	Logging        Logging   `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。LLM 也可直接写注册表中的客户端名（如 "mock"）。
	LLM      string              `json:"llm" validate:"required"`
	Provider map[string]Provider `json:"provider" validate:"dive"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Estimator: token 估算方式。
type Estimator struct {
	// Kind: "bytes"（默认）| "tiktoken"。
	Kind          string `json:"kind" validate:"omitempty,oneof=bytes tiktoken"`
	BytesPerToken int    `json:"bytes_per_token" validate:"gte=0"`
	// Model/Encoding: 仅 tiktoken 使用；Model 优先。
	Model    string `json:"model"`
	Encoding string `json:"encoding"`
}

// Logging: 日志级别、格式与可选的滚动文件目录。
type Logging struct {
	Level string `json:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `json:"json"`
	// Dir: 非空时写入该目录下的滚动文件，而非 stderr。
	Dir   string `json:"dir"`
	MaxMB int    `json:"max_mb" validate:"gte=0"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader"`
	Chunker       string `json:"chunker"`
	PromptBuilder string `json:"prompt_builder"`
	Recoverer     string `json:"recoverer"`
	Assembler     string `json:"assembler"`
	Writer        string `json:"writer"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader,omitempty"`
	Chunker       json.RawMessage `json:"chunker,omitempty"`
	PromptBuilder json.RawMessage `json:"prompt_builder,omitempty"`
	Recoverer     json.RawMessage `json:"recoverer,omitempty"`
	Assembler     json.RawMessage `json:"assembler,omitempty"`
	Writer        json.RawMessage `json:"writer,omitempty"`
}

// Provider: 命名 provider 定义（client 实现 + options）。
type Provider struct {
	Client  string          `json:"client" validate:"required"`
	Options json.RawMessage `json:"options,omitempty"`
}
