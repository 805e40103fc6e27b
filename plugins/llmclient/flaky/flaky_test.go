package flaky

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookpara/pkg/contract"
)

var prompt = contract.TextPrompt("Book text (Chunk 1/1):\nAlpha one.\n\nBeta two.\n\nGamma three is longer.")

// TestDefaultSequence 默认序列依次产出 fenced / truncated / prose / ok 并循环。
func TestDefaultSequence(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	ctx := context.Background()

	out, err := c.Generate(ctx, prompt, contract.GenerateOptions{})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "```json\n{\"paragraphs\":[\"Alpha one.\",\"Beta two.\",\"Gamma three is longer.\"]}\n```")

	out, err = c.Generate(ctx, prompt, contract.GenerateOptions{})
	require.NoError(t, err)
	assert.True(t, out.Truncated())
	assert.True(t, strings.HasPrefix(out.Text, `{"paragraphs":["Alpha one.","Beta two.","Gamma`))
	assert.False(t, json.Valid([]byte(out.Text)))

	out, err = c.Generate(ctx, prompt, contract.GenerateOptions{})
	require.NoError(t, err)
	assert.NotContains(t, out.Text, "{")

	out, err = c.Generate(ctx, prompt, contract.GenerateOptions{})
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(out.Text)))

	out, err = c.Generate(ctx, prompt, contract.GenerateOptions{})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "```json")
	assert.Equal(t, 5, c.Calls())
}

func TestFailOnCall(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "flaky.log")
	c, err := New(json.RawMessage(`{"sequence":["ok"],"fail_on_call":2,"log_path":"` + filepath.ToSlash(logPath) + `"}`))
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), prompt, contract.GenerateOptions{})
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), prompt, contract.GenerateOptions{})
	assert.True(t, errors.Is(err, contract.ErrBackend))

	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "1 ok\n2 error\n", string(b))
}

func TestEmptyShape(t *testing.T) {
	c, err := New(json.RawMessage(`{"sequence":["empty"]}`))
	require.NoError(t, err)
	out, err := c.Generate(context.Background(), prompt, contract.GenerateOptions{})
	require.NoError(t, err)
	assert.Empty(t, out.Text)
}

func TestUnknownShape(t *testing.T) {
	_, err := New(json.RawMessage(`{"sequence":["weird"]}`))
	assert.True(t, errors.Is(err, contract.ErrConfiguration))
}

func TestTruncateNoParagraphs(t *testing.T) {
	assert.Equal(t, `{"paragraphs":[`, truncate(nil))
}
