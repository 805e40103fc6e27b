package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"bookpara/internal/diag"
	"bookpara/internal/pipeline"
	"bookpara/internal/prompt"
	"bookpara/pkg/contract"
	"bookpara/pkg/registry"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate 做结构标签校验与跨字段校验；错误统一包裹 ErrConfiguration。
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: %w: %s", contract.ErrConfiguration, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: %w: %v", contract.ErrConfiguration, err)
	}
	// "-" 不能与其他根混用
	for _, r := range cfg.Inputs {
		if strings.TrimSpace(r) == "-" && len(cfg.Inputs) > 1 {
			return fmt.Errorf("config: %w: '-' cannot be mixed with other roots", contract.ErrConfiguration)
		}
	}
	if cfg.ChunkIndex > 0 && cfg.TotalChunks > 0 && cfg.TotalChunks < cfg.ChunkIndex {
		return fmt.Errorf("config: %w: chunk_index %d exceeds total_chunks %d", contract.ErrConfiguration, cfg.ChunkIndex, cfg.TotalChunks)
	}
	prov, err := resolveProvider(cfg)
	if err != nil {
		return err
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: %w: llm client %q not registered (have %v)", contract.ErrConfiguration, prov.Client, registry.Names(registry.LLMClient))
	}
	d := Defaults().Components
	checks := []struct {
		kind, name string
		ok         bool
	}{
		{"reader", effName(cfg.Components.Reader, d.Reader), registry.Reader[effName(cfg.Components.Reader, d.Reader)] != nil},
		{"chunker", effName(cfg.Components.Chunker, d.Chunker), registry.Chunker[effName(cfg.Components.Chunker, d.Chunker)] != nil},
		{"prompt_builder", effName(cfg.Components.PromptBuilder, d.PromptBuilder), registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)] != nil},
		{"recoverer", effName(cfg.Components.Recoverer, d.Recoverer), registry.Recoverer[effName(cfg.Components.Recoverer, d.Recoverer)] != nil},
		{"assembler", effName(cfg.Components.Assembler, d.Assembler), registry.Assembler[effName(cfg.Components.Assembler, d.Assembler)] != nil},
		{"writer", effName(cfg.Components.Writer, d.Writer), registry.Writer[effName(cfg.Components.Writer, d.Writer)] != nil},
	}
	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("config: %w: %s %q not registered", contract.ErrConfiguration, c.kind, c.name)
		}
	}
	return nil
}

// resolveProvider 查找 cfg.LLM 对应的 provider；未定义但同名客户端已注册时按默认选项使用。
func resolveProvider(cfg Config) (Provider, error) {
	name := strings.TrimSpace(cfg.LLM)
	if p, ok := cfg.Provider[name]; ok {
		return p, nil
	}
	if registry.LLMClient[name] != nil {
		return Provider{Client: name}, nil
	}
	return Provider{}, fmt.Errorf("config: %w: provider %q not found", contract.ErrConfiguration, name)
}

// Assemble 构造 Components 与 Settings。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
// tiktoken 估算器不可用时回退为字节估算，并通过 logger 告警。
func Assemble(cfg Config, logger *diag.Logger) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}

	d := Defaults().Components
	var (
		comp pipeline.Components
		err  error
	)
	if comp.Reader, err = registry.Reader[effName(cfg.Components.Reader, d.Reader)](cfg.Options.Reader); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("reader: %w", err)
	}
	if comp.Chunker, err = registry.Chunker[effName(cfg.Components.Chunker, d.Chunker)](cfg.Options.Chunker); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("chunker: %w", err)
	}
	if comp.PromptBuilder, err = registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)](cfg.Options.PromptBuilder); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("prompt_builder: %w", err)
	}
	if comp.Recoverer, err = registry.Recoverer[effName(cfg.Components.Recoverer, d.Recoverer)](cfg.Options.Recoverer); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("recoverer: %w", err)
	}
	if comp.Assembler, err = registry.Assembler[effName(cfg.Components.Assembler, d.Assembler)](cfg.Options.Assembler); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("assembler: %w", err)
	}
	if comp.Writer, err = registry.Writer[effName(cfg.Components.Writer, d.Writer)](cfg.Options.Writer); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("writer: %w", err)
	}

	prov, _ := resolveProvider(cfg)
	if comp.LLM, err = registry.LLMClient[prov.Client](prov.Options); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("llm %s: %w", cfg.LLM, err)
	}

	est, kind, eerr := prompt.NewEstimator(cfg.Estimator.Kind, cfg.Estimator.Model, cfg.Estimator.Encoding, cfg.Estimator.BytesPerToken)
	if eerr != nil {
		logger.Warn("config", "estimator", "tiktoken unavailable; falling back to byte estimate", "", "", map[string]string{
			"err":       eerr.Error(),
			"estimator": kind,
		})
	}

	set := pipeline.Settings{
		Inputs:          cloneStrings(cfg.Inputs),
		ChunkIndex:      cfg.ChunkIndex,
		TotalChunks:     cfg.TotalChunks,
		MaxOutputTokens: cfg.MaxOutputTokens,
		CallTimeout:     time.Duration(cfg.CallTimeoutSeconds) * time.Second,
		MaxInputTokens:  cfg.MaxInputTokens,
		Estimator:       est,
	}
	return comp, set, nil
}

// ProviderClient 返回 cfg.LLM 解析出的客户端实现名（用于终端与日志展示）。
func ProviderClient(cfg Config) string {
	p, err := resolveProvider(cfg)
	if err != nil {
		return ""
	}
	return p.Client
}

func effName(got, def string) string {
	if strings.TrimSpace(got) == "" {
		return def
	}
	return strings.TrimSpace(got)
}
