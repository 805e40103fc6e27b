package mock

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookpara/pkg/contract"
)

const prompt = "instructions mentioning Book text (Chunk 9/9) inline\n\nBook text (Chunk 1/2):\nFirst para line one.\nline two.\n\n\n  Second <para>.  \n\n"

// TestParagraphsMode 默认模式按空行切分块内容。
func TestParagraphsMode(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	out, err := c.Generate(context.Background(), contract.TextPrompt(prompt), contract.GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, contract.FinishComplete, out.Finish)

	var v struct {
		Paragraphs []string `json:"paragraphs"`
	}
	require.NoError(t, json.Unmarshal([]byte(out.Text), &v))
	assert.Equal(t, []string{"First para line one.\nline two.", "Second <para>."}, v.Paragraphs)
	assert.Contains(t, out.Text, "<para>")
}

func TestFencedModeWithPrefix(t *testing.T) {
	c, err := New(json.RawMessage(`{"response_mode":"fenced","prefix":"M"}`))
	require.NoError(t, err)
	out, err := c.Generate(context.Background(), contract.TextPrompt("Book text (Chunk 1/1):\nonly"), contract.GenerateOptions{})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "```json\n{\"paragraphs\":[\"M: only\"]}\n```")
}

func TestEchoMode(t *testing.T) {
	c, err := New(json.RawMessage(`{"response_mode":"echo"}`))
	require.NoError(t, err)
	out, err := c.Generate(context.Background(), contract.TextPrompt("hi"), contract.GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi", out.Text)
}

func TestEmptyChunk(t *testing.T) {
	assert.Equal(t, `{"paragraphs":[]}`, EncodeParagraphs(Paragraphs(" \n\n ")))
}

func TestChunkTextWithoutHeader(t *testing.T) {
	assert.Equal(t, "plain", ChunkText("plain"))
}

func TestBadOptions(t *testing.T) {
	_, err := New(json.RawMessage(`{`))
	assert.ErrorIs(t, err, contract.ErrConfiguration)
}
