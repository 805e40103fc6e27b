package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Extract 按扩展名把文件解为纯文本：.epub/.pdf 解包，其余按 UTF-8 文本原样读取。
// 结果统一为 LF 换行并去除 BOM，不做其他清洗。
func Extract(path string) (string, error) {
	var (
		text string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".epub":
		text, err = extractEPUB(path)
	case ".pdf":
		text, err = extractPDF(path)
	default:
		var b []byte
		b, err = os.ReadFile(path)
		text = string(b)
	}
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", filepath.Base(path), err)
	}
	return normalize(text), nil
}

func normalize(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
