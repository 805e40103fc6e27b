package filesystem

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/taylorskalyo/goreader/epub"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// extractEPUB 按 spine 顺序拼接各章节正文，章节之间以空行分隔。
func extractEPUB(path string) (string, error) {
	rc, err := epub.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open epub: %w", err)
	}
	defer rc.Close()

	if len(rc.Rootfiles) == 0 {
		return "", errors.New("no rootfiles found in epub")
	}
	book := rc.Rootfiles[0]

	var parts []string
	for i, ref := range book.Spine.Itemrefs {
		if ref.Item == nil {
			continue
		}
		r, err := ref.Item.Open()
		if err != nil {
			return "", fmt.Errorf("spine item %d: %w", i+1, err)
		}
		text, err := htmlText(r)
		r.Close()
		if err != nil {
			return "", fmt.Errorf("spine item %d: %w", i+1, err)
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// htmlText 抽取 (X)HTML 正文：块级元素之间插入空行、<br> 换行，跳过脚本与样式。
func htmlText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				if startsWithSpace(n.Data) && needsSpace(b.String()) {
					b.WriteByte(' ')
				}
				b.WriteString(t)
				if endsWithSpace(n.Data) {
					b.WriteByte(' ')
				}
			}
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head:
				return
			case atom.Br:
				trimTrailingSpace(&b)
				b.WriteByte('\n')
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) {
			trimTrailingSpace(&b)
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n\n") {
				if strings.HasSuffix(b.String(), "\n") {
					b.WriteByte('\n')
				} else {
					b.WriteString("\n\n")
				}
			}
		}
	}
	walk(doc)
	return strings.TrimSpace(b.String()), nil
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Li, atom.Blockquote, atom.Pre, atom.Section, atom.Article, atom.Tr, atom.Hr:
		return true
	}
	return false
}

func needsSpace(s string) bool {
	return s != "" && !strings.HasSuffix(s, " ") && !strings.HasSuffix(s, "\n")
}

func startsWithSpace(s string) bool { return s != "" && strings.TrimLeft(s, " \t\r\n") != s }
func endsWithSpace(s string) bool   { return s != "" && strings.TrimRight(s, " \t\r\n") != s }

func trimTrailingSpace(b *strings.Builder) {
	s := b.String()
	t := strings.TrimRight(s, " ")
	if len(t) != len(s) {
		b.Reset()
		b.WriteString(t)
	}
}
