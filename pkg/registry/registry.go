package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"bookpara/pkg/contract"
	linear "bookpara/plugins/assembler/linear"
	flaky "bookpara/plugins/llmclient/flaky"
	gmi "bookpara/plugins/llmclient/gemini"
	mock "bookpara/plugins/llmclient/mock"
	oai "bookpara/plugins/llmclient/openai"
	ppara "bookpara/plugins/prompt/paragraph"
	rfs "bookpara/plugins/reader/filesystem"
	rlay "bookpara/plugins/recoverer/layered"
	swin "bookpara/plugins/splitter/window"
	wfs "bookpara/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
// 解码失败统一归类为 ErrConfiguration。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", contract.ErrConfiguration, err)
	}
	return nil
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewChunker 工厂签名：接收原样 JSON Options。
type NewChunker func(raw json.RawMessage) (contract.Chunker, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名：接收原样 JSON Options。
type NewLLMClient func(raw json.RawMessage) (contract.LLMClient, error)

// NewRecoverer 工厂签名：接收原样 JSON Options。
type NewRecoverer func(raw json.RawMessage) (contract.Recoverer, error)

// NewAssembler 工厂签名：接收原样 JSON Options。
type NewAssembler func(raw json.RawMessage) (contract.Assembler, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader（txt/md/epub/pdf）
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Chunker 工厂注册表。
var Chunker = map[string]NewChunker{
	// window: 固定窗口、零重叠切分
	"window": func(raw json.RawMessage) (contract.Chunker, error) {
		var opts swin.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		c, err := swin.New(&opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// paragraph: 段落抽取提示词（模板 + 句数规则）
	"paragraph": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts ppara.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		b, err := ppara.New(&opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	},
}

// LLMClient 工厂注册表。各客户端自行解析 options（含环境变量回退）。
var LLMClient = map[string]NewLLMClient{
	"openai": func(raw json.RawMessage) (contract.LLMClient, error) { return wrapLLM(oai.New(raw)) },
	"gemini": func(raw json.RawMessage) (contract.LLMClient, error) { return wrapLLM(gmi.New(raw)) },
	"mock":   func(raw json.RawMessage) (contract.LLMClient, error) { return wrapLLM(mock.New(raw)) },
	"flaky":  func(raw json.RawMessage) (contract.LLMClient, error) { return wrapLLM(flaky.New(raw)) },
}

// wrapLLM 避免把 (*T)(nil) 装进非 nil 接口。
func wrapLLM[T contract.LLMClient](c T, err error) (contract.LLMClient, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Recoverer 工厂注册表。
var Recoverer = map[string]NewRecoverer{
	// layered: direct → fence → pattern → repair → salvage
	"layered": func(raw json.RawMessage) (contract.Recoverer, error) {
		var opts rlay.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		r, err := rlay.New(&opts)
		if err != nil {
			return nil, err
		}
		return r, nil
	},
}

// Assembler 工厂注册表。
var Assembler = map[string]NewAssembler{
	// linear: 按段落顺序渲染 json/jsonl/text
	"linear": func(raw json.RawMessage) (contract.Assembler, error) {
		var opts linear.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		a, err := linear.New(&opts)
		if err != nil {
			return nil, err
		}
		return a, nil
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		w, err := wfs.New(&opts)
		if err != nil {
			return nil, err
		}
		return w, nil
	},
}

// Names 返回注册表中已登记的实现名（字典序），用于错误提示。
func Names[F any](m map[string]F) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
