package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock LLM（本地/离线调试友好），并给出 openai/gemini 的全部选项键；
// - 默认输入为 STDIN（"-"），Writer 输出到 ./out 目录；
// - 选项给出安全中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Inputs:             []string{"-"},
		MaxOutputTokens:    16000,
		CallTimeoutSeconds: 180,
		Estimator:          Estimator{Kind: "bytes", BytesPerToken: 4},
		Logging:            Logging{Level: "info", MaxMB: 10},
		Components:         d.Components,
		LLM:                "mock",
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"prefix":"","response_mode":"paragraphs"}`),
			},
			"openai": {
				Client: "openai",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "model_env": "OPENAI_MODEL",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "temperature": null
}`),
			},
			"gemini": {
				Client: "gemini",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "endpoint_path": "",
  "api_key_in_query": true,
  "extra_headers": {},
  "temperature": null,
  "response_mime_type": "application/json"
}`),
			},
		},
	}
	cfg.Options.Reader = json.RawMessage(`{
  "exclude_dir_names": [".git", "node_modules", "out"],
  "extensions": [".txt", ".md", ".epub", ".pdf"],
  "max_bytes": 0
}`)
	cfg.Options.Chunker = json.RawMessage(`{
  "size": 100000,
  "unit": "rune"
}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_template": "",
  "template_path": "",
  "min_sentences": 3,
  "max_sentences": 7,
  "target_min": 4,
  "target_max": 6
}`)
	cfg.Options.Recoverer = json.RawMessage(`{}`)
	cfg.Options.Assembler = json.RawMessage(`{
  "format": "json",
  "compact": false
}`)
	cfg.Options.Writer = json.RawMessage(`{
  "output_dir": "out",
  "atomic": true,
  "flat": true,
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 65536
}`)
	return cfg
}

// EnvTemplate 返回 .env 模板内容（空值表示未设置）。
func EnvTemplate() string {
	var b strings.Builder
	b.WriteString("# bookpara .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > JSON\n\n")
	b.WriteString("# 配置来源\n")
	b.WriteString("BOOKPARA_CONFIG_FILE=\n\n")
	b.WriteString("# 运行参数覆盖\n")
	b.WriteString("BOOKPARA_INPUTS=\n")
	b.WriteString("BOOKPARA_LLM=\n")
	b.WriteString("BOOKPARA_CHUNK_SIZE=\n")
	b.WriteString("BOOKPARA_MAX_OUTPUT_TOKENS=\n")
	b.WriteString("BOOKPARA_OUTPUT_DIR=\n")
	b.WriteString("BOOKPARA_FORMAT=\n")
	b.WriteString("BOOKPARA_LOG_LEVEL=\n\n")
	b.WriteString("# 供应商凭据与模型（由客户端直接读取）\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("OPENAI_MODEL=\n")
	b.WriteString("GOOGLE_API_KEY=\n")
	return b.String()
}

// WriteTemplates 在 dir 下生成 config.json 与 .env（已存在则跳过，不覆盖）。
// 返回实际写出的文件路径。
func WriteTemplates(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	b, err := json.MarshalIndent(DefaultTemplateConfig(), "", "  ")
	if err != nil {
		return nil, err
	}
	var written []string
	for _, f := range []struct {
		name string
		data []byte
	}{
		{"config.json", append(b, '\n')},
		{".env", []byte(EnvTemplate())},
	} {
		p := filepath.Join(dir, f.name)
		ok, err := writeExclusive(p, f.data)
		if err != nil {
			return written, err
		}
		if ok {
			written = append(written, p)
		}
	}
	return written, nil
}

func writeExclusive(path string, data []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return false, err
	}
	return true, nil
}

// CheckOutputDir: 使用 fs writer 时，启动前检查输出目录可写性。
// 目录存在则尝试创建并删除临时文件；不存在则检查父目录。
func CheckOutputDir(cfg Config) error {
	if effName(cfg.Components.Writer, Defaults().Components.Writer) != "fs" {
		return nil
	}
	var wopts struct {
		OutputDir string `json:"output_dir"`
	}
	if len(cfg.Options.Writer) > 0 {
		_ = json.Unmarshal(cfg.Options.Writer, &wopts)
	}
	dir := strings.TrimSpace(wopts.OutputDir)
	if dir == "" {
		// 交给装配阶段按实现自行报错
		return nil
	}
	st, err := os.Stat(dir)
	switch {
	case err == nil && st.IsDir():
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	case err == nil:
		return fmt.Errorf("output dir is not a directory: %s", dir)
	case !os.IsNotExist(err):
		return err
	}
	parent := filepath.Dir(filepath.Clean(dir))
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("parent of output dir is not a directory: %s", parent)
	}
	tmpd, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	return os.RemoveAll(tmpd)
}
