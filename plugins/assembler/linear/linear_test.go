package linear

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookpara/pkg/contract"
)

func result(paras ...string) contract.AggregateResult {
	return contract.AggregateResult{
		Status:          contract.StatusSuccess,
		Paragraphs:      paras,
		TotalParagraphs: len(paras),
		ChunkIndex:      1,
		TotalChunks:     1,
		Chunks:          []contract.ChunkReport{{SubIndex: 1, SubTotal: 1, Paragraphs: len(paras), Stage: "direct"}},
	}
}

func render(t *testing.T, a *Assembler, res contract.AggregateResult) string {
	t.Helper()
	r, err := a.Assemble(context.Background(), "books/moby.txt", res)
	require.NoError(t, err)
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

// TestAssembleJSON 默认 json：缩进输出，段落顺序与内容原样保留。
func TestAssembleJSON(t *testing.T) {
	a, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, ".paragraphs.json", a.Ext())

	out := render(t, a, result("Call me Ishmael.", `He said "<go> & stay".`))
	assert.Contains(t, out, "\n  \"file_id\": \"books/moby.txt\"")
	assert.Contains(t, out, `<go> & stay`)
	assert.True(t, strings.HasSuffix(out, "}\n"))

	var got struct {
		FileID     string   `json:"file_id"`
		Status     string   `json:"status"`
		Paragraphs []string `json:"paragraphs"`
		Total      int      `json:"total_paragraphs"`
		Chunks     []struct {
			Stage string `json:"stage"`
		} `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "books/moby.txt", got.FileID)
	assert.Equal(t, "success", got.Status)
	assert.Equal(t, []string{"Call me Ishmael.", `He said "<go> & stay".`}, got.Paragraphs)
	assert.Equal(t, 2, got.Total)
	require.Len(t, got.Chunks, 1)
	assert.Equal(t, "direct", got.Chunks[0].Stage)
}

func TestAssembleJSONEmptyAndCompact(t *testing.T) {
	a, err := New(&Options{Format: "JSON", Compact: true})
	require.NoError(t, err)
	res := result()
	res.Paragraphs = nil
	out := render(t, a, res)
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, `"paragraphs":[]`)
}

func TestAssembleJSONL(t *testing.T) {
	a, err := New(&Options{Format: FormatJSONL})
	require.NoError(t, err)
	assert.Equal(t, ".paragraphs.jsonl", a.Ext())
	out := render(t, a, result("one", "two <b>"))
	assert.Equal(t, "{\"index\":1,\"text\":\"one\"}\n{\"index\":2,\"text\":\"two <b>\"}\n", out)
	assert.Empty(t, render(t, a, result()))
}

func TestAssembleText(t *testing.T) {
	a, err := New(&Options{Format: FormatText})
	require.NoError(t, err)
	assert.Equal(t, ".paragraphs.txt", a.Ext())
	assert.Equal(t, "first\nline\n\nsecond\n", render(t, a, result("first\nline", "second")))
	assert.Empty(t, render(t, a, result()))
}

func TestNewUnknownFormat(t *testing.T) {
	_, err := New(&Options{Format: "xml"})
	assert.True(t, errors.Is(err, contract.ErrConfiguration))
}

func TestAssembleTotalMismatch(t *testing.T) {
	a, _ := New(nil)
	res := result("a")
	res.TotalParagraphs = 3
	_, err := a.Assemble(context.Background(), "f", res)
	assert.True(t, errors.Is(err, contract.ErrInvalidInput))
}

func TestAssembleCanceled(t *testing.T) {
	a, _ := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Assemble(ctx, "f", result("a"))
	assert.ErrorIs(t, err, context.Canceled)
}
