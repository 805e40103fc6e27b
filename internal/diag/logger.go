package diag

import (
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

func (l Level) charm() log.Level {
	switch l {
	case Debug:
		return log.DebugLevel
	case Warn:
		return log.WarnLevel
	case Error:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// ParseLevel 解析级别名；未知值按 info 处理。
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Event 为标准事件结构。
type Event struct {
	Level  string            `json:"level"`
	TS     string            `json:"ts"`
	CorrID string            `json:"corr_id"`
	Comp   string            `json:"comp"`
	Stage  string            `json:"stage"` // start|finish|warn|error
	Code   string            `json:"code,omitempty"`
	DurMS  int64             `json:"dur_ms,omitempty"`
	Count  int64             `json:"count,omitempty"`
	FileID string            `json:"file_id,omitempty"`
	Chunk  string            `json:"chunk,omitempty"` // 形如 2/5
	Msg    string            `json:"msg"`
	KV     map[string]string `json:"kv,omitempty"`
}

// Logger 为结构化事件日志器，后端为 charmbracelet/log。
// 事件按级别过滤后写出，并同步交给可选的 hook（测试中用于断言）。
type Logger struct {
	corrID string
	level  Level
	out    *log.Logger
	sink   io.Closer
	hook   func(Event)
	mu     sync.Mutex
}

type loggerConfig struct {
	w      io.Writer
	json   bool
	dir    string
	maxMB  int
	hook   func(Event)
	silent bool
}

// Option 配置 Logger。
type Option func(*loggerConfig)

// WithOutput 指定输出（默认 stderr）。
func WithOutput(w io.Writer) Option { return func(c *loggerConfig) { c.w = w } }

// WithJSON 选择 JSON 格式（默认 text）。
func WithJSON(on bool) Option { return func(c *loggerConfig) { c.json = on } }

// WithLogDir 将日志写入 dir 下按大小轮转的文件，覆盖 WithOutput。
func WithLogDir(dir string, maxMB int) Option {
	return func(c *loggerConfig) { c.dir, c.maxMB = dir, maxMB }
}

// WithHook 在每个通过级别过滤的事件写出后回调。
func WithHook(fn func(Event)) Option { return func(c *loggerConfig) { c.hook = fn } }

// WithDiscard 丢弃输出，仅保留 hook。
func WithDiscard() Option { return func(c *loggerConfig) { c.silent = true } }

// NewLogger 以关联 ID 与级别名构造日志器。
func NewLogger(corrID, level string, opts ...Option) *Logger {
	cfg := loggerConfig{w: os.Stderr}
	for _, o := range opts {
		o(&cfg)
	}
	var sink io.Closer
	w := cfg.w
	switch {
	case cfg.silent:
		w = io.Discard
	case cfg.dir != "":
		rf := NewRotatingFile(cfg.dir, int64(cfg.maxMB)*1024*1024)
		w, sink = rf, rf
	}
	lvl := ParseLevel(level)
	lo := log.Options{
		Level:           lvl.charm(),
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       log.TextFormatter,
	}
	if cfg.json {
		lo.Formatter = log.JSONFormatter
	}
	return &Logger{corrID: corrID, level: lvl, out: log.NewWithOptions(w, lo), sink: sink, hook: cfg.hook}
}

// CorrID 返回本次运行的关联 ID。
func (l *Logger) CorrID() string {
	if l == nil {
		return ""
	}
	return l.corrID
}

// Enabled 报告给定级别是否会被写出。
func (l *Logger) Enabled(lv Level) bool { return l != nil && lv >= l.level }

// Close 关闭文件输出（若有）。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

// log 写出事件，遵循级别过滤。
func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.CorrID = l.corrID

	kvs := make([]any, 0, 16+2*len(ev.KV))
	kvs = append(kvs, "corr_id", ev.CorrID, "comp", ev.Comp, "stage", ev.Stage)
	if ev.Code != "" {
		kvs = append(kvs, "code", ev.Code)
	}
	if ev.DurMS != 0 {
		kvs = append(kvs, "dur_ms", ev.DurMS)
	}
	if ev.Count != 0 {
		kvs = append(kvs, "count", ev.Count)
	}
	if ev.FileID != "" {
		kvs = append(kvs, "file_id", ev.FileID)
	}
	if ev.Chunk != "" {
		kvs = append(kvs, "chunk", ev.Chunk)
	}
	if len(ev.KV) > 0 {
		keys := make([]string, 0, len(ev.KV))
		for k := range ev.KV {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			kvs = append(kvs, k, ev.KV[k])
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Log(lv.charm(), ev.Msg, kvs...)
	if l.hook != nil {
		l.hook(ev)
	}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 file_id/chunk 的 start。
func (l *Logger) StartWith(comp, msg, fileID, chunk string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", FileID: fileID, Chunk: chunk, Msg: msg})
	return &Timer{l: l, comp: comp, fileID: fileID, chunk: chunk, t0: time.Now()}
}

// StartWithKV 记录带 file_id/chunk 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, fileID, chunk string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", FileID: fileID, Chunk: chunk, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, fileID: fileID, chunk: chunk, t0: time.Now()}
}

// Warn 记录 warn 事件（例如输出截断、降级为空列表）。
func (l *Logger) Warn(comp, code, msg, fileID, chunk string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Code: code, FileID: fileID, Chunk: chunk, Msg: msg, KV: kv})
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg})
}

// ErrorWith 支持 file_id/chunk。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, fileID, chunk string) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg, FileID: fileID, Chunk: chunk})
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, fileID, chunk string, kv map[string]string) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg, FileID: fileID, Chunk: chunk, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, fileID, chunk string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", FileID: fileID, Chunk: chunk, Msg: msg, KV: kv})
}

func since(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return time.Since(*t).Milliseconds()
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	fileID string
	chunk  string
	t0     time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	t.FinishKV(msg, count, nil)
}

// FinishKV 记录带键值的 finish。
func (t *Timer) FinishKV(msg string, count int64, kv map[string]string) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, FileID: t.fileID, Chunk: t.chunk, Msg: msg, KV: kv})
}

// Elapsed 返回自 start 起的耗时。
func (t *Timer) Elapsed() time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(t.t0)
}

// Started 返回起点（供 ErrorWith 计算耗时）。
func (t *Timer) Started() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}
