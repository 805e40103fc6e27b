package diag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookpara/pkg/contract"
)

// 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	_, err := w.Write([]byte("first line that is very long\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	hasCurrent, hasRotated := false, false
	for _, e := range ents {
		if e.Name() == "bookpara-current.log" {
			hasCurrent = true
		} else if strings.HasPrefix(e.Name(), "bookpara-") && strings.HasSuffix(e.Name(), ".log") {
			hasRotated = true
		}
	}
	assert.True(t, hasCurrent)
	assert.True(t, hasRotated)

	b, err := os.ReadFile(filepath.Join(dir, "bookpara-current.log"))
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(b))
}

// 单条超长记录不会触发对空文件的轮转
func TestRotatingFileOversizedRecord(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 4)
	_, err := w.Write([]byte("longer than four\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, ents, 1)
}

func TestRotatingFileDefaultsAndRotateNoOpen(t *testing.T) {
	w := NewRotatingFile(t.TempDir(), 0)
	assert.EqualValues(t, 10*1024*1024, w.maxBytes)
	require.NoError(t, w.rotate())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestMetrics(t *testing.T) {
	IncOp("llm", "finish", "success")
	IncOp("llm", "finish", "success")
	IncError("llm", string(CodeBackend))
	ObserveDuration("llm", "finish", 12)
	IncRecovery("fence")

	assert.Equal(t, 2.0, testutil.ToFloat64(opTotal.WithLabelValues("llm", "finish", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(errorTotal.WithLabelValues("llm", "backend")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recoveryTotal.WithLabelValues("fence")))

	path := filepath.Join(t.TempDir(), "bookpara.prom")
	require.NoError(t, WriteMetrics(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `bookpara_recovery_total{stage="fence"} 1`)
	assert.Contains(t, string(b), "bookpara_op_duration_ms_bucket")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{nil, CodeUnknown},
		{context.Canceled, CodeCancel},
		{context.DeadlineExceeded, CodeCancel},
		{fmt.Errorf("x: %w", contract.ErrConfiguration), CodeConfig},
		{&contract.ChunkError{SubIndex: 1, SubTotal: 2, Err: contract.ErrBackend}, CodeBackend},
		{contract.ErrEmptyResponse, CodeEmpty},
		{contract.ErrInvalidFormat, CodeFormat},
		{contract.ErrInvalidInput, CodeInvariant},
		{contract.ErrPathInvalid, CodeInvariant},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{errors.New("other"), CodeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

// 事件经 hook 捕获，级别过滤同时作用于输出与 hook
func TestLoggerHookAndFilter(t *testing.T) {
	var events []Event
	var buf bytes.Buffer
	l := NewLogger("corr-1", "info", WithOutput(&buf), WithHook(func(e Event) { events = append(events, e) }))

	l.DebugStart("llm", "hidden", "f", "1/2", nil)
	tm := l.StartWith("llm", "generate", "book.txt", "1/2")
	tm.FinishKV("generated", 3, map[string]string{"stage": "direct"})
	l.Warn("llm", "truncated", "output hit the token limit", "book.txt", "1/2", nil)
	start := time.Now().Add(-5 * time.Millisecond)
	l.ErrorWithKV("llm", "backend", "boom", &start, "book.txt", "2/2", map[string]string{"http_status": "500"})

	require.Len(t, events, 4)
	assert.Equal(t, "start", events[0].Stage)
	assert.Equal(t, "finish", events[1].Stage)
	assert.EqualValues(t, 3, events[1].Count)
	assert.Equal(t, "warn", events[2].Level)
	assert.Equal(t, "truncated", events[2].Code)
	assert.Equal(t, "error", events[3].Level)
	assert.Equal(t, "2/2", events[3].Chunk)
	assert.GreaterOrEqual(t, events[3].DurMS, int64(5))
	for _, e := range events {
		assert.Equal(t, "corr-1", e.CorrID)
	}
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "generate")
	assert.Contains(t, buf.String(), "http_status")
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("c", "debug", WithOutput(&buf), WithJSON(true))
	l.Start("pipeline", "process").Finish("processed", 2)
	l.Error("pipeline", "config", "bad", nil)

	sc := bufio.NewScanner(&buf)
	var lines []map[string]any
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		lines = append(lines, m)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "process", lines[0]["msg"])
	assert.Equal(t, "pipeline", lines[0]["comp"])
	assert.Equal(t, "c", lines[1]["corr_id"])
	assert.Equal(t, "config", lines[2]["code"])
}

func TestLoggerLogDir(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger("c", "info", WithLogDir(dir, 1))
	l.Start("reader", "iterate").Finish("ok", 1)
	require.NoError(t, l.Close())
	b, err := os.ReadFile(filepath.Join(dir, "bookpara-current.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "iterate")
}

func TestLoggerNilSafe(t *testing.T) {
	var l *Logger
	l.Start("x", "y").Finish("z", 0)
	l.Warn("x", "", "y", "", "", nil)
	assert.Equal(t, "", l.CorrID())
	assert.False(t, l.Enabled(Error))
	assert.NoError(t, l.Close())

	var tnil *Timer
	tnil.Finish("x", 0)
	assert.Nil(t, tnil.Started())
	assert.Zero(t, tnil.Elapsed())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, Debug, ParseLevel("DEBUG"))
	assert.Equal(t, Warn, ParseLevel("warning"))
	assert.Equal(t, Error, ParseLevel(" error "))
	assert.Equal(t, Info, ParseLevel("nope"))
	assert.Equal(t, "info", Level(12345).String())
}

// 终端（非 TTY）关键节点输出
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	require.False(t, term.isTTY)
	term.RunStart("openai", 1)
	term.FileStart("books/moby.txt", 12)
	term.ChunkProgress(6, 12, 0) // 非 TTY：不输出进度
	term.FileFinish(true, 48, 5100*time.Millisecond)
	term.RunFinish(true, 41300*time.Millisecond)

	out := sb.String()
	assert.NotContains(t, out, "\r")
	assert.Contains(t, out, "[run] llm=openai | 输入 1")
	assert.Contains(t, out, "[file] moby.txt | 子块 12")
	assert.Contains(t, out, "[done] moby.txt | 子块 12 | 段落 48 | 用时 5.1s")
	assert.Contains(t, out, "[ok] 全部完成 | 文件 1 | 总用时 41.3s")
}

// 终端（TTY）进度节流与清尾
func TestTerminalTTYProgressThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.RunStart("mock", 1)
	term.FileStart("/a/b/c/longfilename.txt", 3)

	term.ChunkProgress(1, 3, 0)
	first := sb.String()
	assert.Contains(t, first, "\r[")
	term.ChunkProgress(2, 3, 1)
	assert.Equal(t, first, sb.String(), "second progress should be throttled")
	term.ChunkProgress(3, 3, 1)
	assert.Greater(t, len(sb.String()), len(first), "last chunk flushes immediately")

	term.FileFinish(false, 0, 2200*time.Millisecond)
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	require.GreaterOrEqual(t, idx, 0)
	seg := final[:idx]
	cr := strings.LastIndex(seg, "\r")
	require.GreaterOrEqual(t, cr, 0)
	assert.Contains(t, seg[cr+1:], " ")
}

type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

func TestTerminalDisableOnWriteError(t *testing.T) {
	term := NewTerminal(&flakyWriter{fail: true}, true)
	term.RunStart("x", 0)
	assert.False(t, term.enabled)
	term.FileStart("a", 0)
	term.ChunkProgress(0, 0, 0)
	term.FileFinish(true, 0, 0)
	term.RunFinish(true, 0)

	term = NewTerminal(&flakyWriter{fail: true}, true)
	term.isTTY = true
	term.FileStart("f.txt", 2)
	term.ChunkProgress(1, 2, 0)
	assert.False(t, term.enabled)
}

func TestTerminalNilAndCI(t *testing.T) {
	var tn *Terminal
	tn.RunStart("x", 1)
	tn.FileStart("a", 1)
	tn.ChunkProgress(0, 0, 0)
	tn.FileFinish(true, 0, 0)
	tn.RunFinish(true, 0)

	t.Setenv("CI", "true")
	assert.False(t, NewTerminal(os.Stderr, true).isTTY)

	SetTerminal(nil)
	assert.Nil(t, GetTerminal())
	SetTerminal(NewTerminal(os.Stderr, false))
	assert.NotNil(t, GetTerminal())
	SetTerminal(nil)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "这是一个很长的文件…", shortenBase("/x/y/这是一个很长的文件名用于截断测试abcdefghijk.txt", 10))
	assert.Equal(t, "", shortenBase("x", 0))
	assert.Equal(t, "a b c", safe("a\nb\rc"))
	assert.Equal(t, "0ms", formatDur(0))
	assert.Equal(t, "1.5s", formatDur(1500*time.Millisecond))
	assert.NotEmpty(t, NowUTC())
}
