package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"bookpara/pkg/contract"
)

// DefaultExtensions: 目录扫描时收录的扩展名。
var DefaultExtensions = []string{".txt", ".md", ".epub", ".pdf"}

// Options 为 FileSystem Reader 的可选配置（最小必要）。
type Options struct {
	// ExcludeDirNames: 在扫描目录时跳过这些目录名（基名完全匹配）。
	// 例如 [".git","node_modules"]。仅影响目录递归，不影响单文件 root。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// Extensions: 目录扫描时收录的扩展名（含点，大小写不敏感）；为空使用 DefaultExtensions。
	// 显式给出的单文件 root 不受此限制，未知扩展名按纯文本读取。
	Extensions []string `json:"extensions"`
	// MaxBytes: 单个源文件大小上限（字节）；<=0 不限制。
	MaxBytes int64 `json:"max_bytes"`
}

// FileSystem 实现基于文件系统与 STDIN 的 Reader。
type FileSystem struct {
	// 以小写形式保存，比较时按小写基名匹配。
	excludeDir map[string]struct{}
	exts       map[string]struct{}
	maxBytes   int64
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	if opts == nil {
		opts = &Options{}
	}
	ex := make(map[string]struct{})
	for _, name := range opts.ExcludeDirNames {
		if name == "" {
			continue
		}
		ex[strings.ToLower(name)] = struct{}{}
	}
	list := opts.Extensions
	if len(list) == 0 {
		list = DefaultExtensions
	}
	exts := make(map[string]struct{}, len(list))
	for _, e := range list {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = struct{}{}
	}
	return &FileSystem{excludeDir: ex, exts: exts, maxBytes: opts.MaxBytes}
}

// Iterate 遍历 roots，按稳定顺序对每个源文件解出文本并调用 yield。
// roots 为空或仅包含 "-" 时读取 STDIN（按纯文本处理）。
func (r *FileSystem) Iterate(ctx context.Context, roots []string, yield func(fileID contract.FileID, text string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(roots) == 0 || (len(roots) == 1 && roots[0] == "-") {
		b, err := r.readAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		return yield(contract.FileID("stdin"), normalize(string(b)))
	}
	if len(roots) > 1 {
		for _, s := range roots {
			if s == "-" {
				return errors.New("stdin '-' cannot be mixed with other roots")
			}
		}
	}

	for _, root := range roots {
		if err := r.iterateOne(ctx, root, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) iterateOne(ctx context.Context, root string, yield func(contract.FileID, string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := os.Lstat(root)
	if err != nil {
		return err
	}
	// 仅跟随到常规文件；目录符号链接忽略
	if info.Mode()&os.ModeSymlink != 0 {
		t, err := os.Stat(root)
		if err != nil {
			return err
		}
		if !t.Mode().IsRegular() {
			return nil
		}
		return r.emit(root, yield)
	}

	if info.IsDir() {
		return r.walkDir(ctx, root, yield)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return r.emit(root, yield)
}

func (r *FileSystem) walkDir(ctx context.Context, dir string, yield func(contract.FileID, string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	// 稳定顺序：字典序
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	// 先目录（不跟随目录符号链接）
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.IsDir() {
			continue
		}
		if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip {
			continue
		}
		if err := r.walkDir(ctx, filepath.Join(dir, e.Name()), yield); err != nil {
			return err
		}
	}
	// 再文件（允许指向常规文件的符号链接）
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() {
			continue
		}
		if _, ok := r.exts[strings.ToLower(filepath.Ext(e.Name()))]; !ok {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if e.Type()&os.ModeSymlink != 0 {
			t, err := os.Stat(p)
			if err != nil {
				return err
			}
			if !t.Mode().IsRegular() {
				continue
			}
		} else if !e.Type().IsRegular() {
			continue
		}
		if err := r.emit(p, yield); err != nil {
			return err
		}
	}
	return nil
}

// emit 解出单个文件的文本并回调。
func (r *FileSystem) emit(p string, yield func(contract.FileID, string) error) error {
	if r.maxBytes > 0 {
		st, err := os.Stat(p)
		if err != nil {
			return err
		}
		if st.Size() > r.maxBytes {
			return fmt.Errorf("%s: %w: size %d exceeds limit %d", p, contract.ErrInvalidInput, st.Size(), r.maxBytes)
		}
	}
	text, err := Extract(p)
	if err != nil {
		return err
	}
	return yield(contract.NormalizeFileID(p), text)
}

func (r *FileSystem) readAll(src io.Reader) ([]byte, error) {
	if r.maxBytes <= 0 {
		return io.ReadAll(src)
	}
	b, err := io.ReadAll(io.LimitReader(src, r.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > r.maxBytes {
		return nil, fmt.Errorf("%w: input exceeds limit %d", contract.ErrInvalidInput, r.maxBytes)
	}
	return b, nil
}

// 静态接口断言
var _ contract.Reader = (*FileSystem)(nil)
