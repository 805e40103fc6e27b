package contract

import (
	"errors"
	"fmt"
)

// 错误分类（哨兵）。调用方以 errors.Is 判定，不做字符串匹配。
var (
	// ErrConfiguration: 缺少凭据等配置错误；在任何网络活动之前返回。
	ErrConfiguration = errors.New("configuration error")
	// ErrBackend: 后端调用本身失败（网络/鉴权/配额/请求非法/超时）。
	ErrBackend = errors.New("backend error")
	// ErrEmptyResponse: 后端对非空输入返回了零长度文本。
	ErrEmptyResponse = errors.New("empty response")
	// ErrInvalidFormat: 返回可解析的 JSON 但缺少可用的 paragraphs 数组。
	ErrInvalidFormat = errors.New("invalid response format")
	// ErrInvalidInput: 调用参数非法（如块位置越界）。
	ErrInvalidInput = errors.New("invalid input")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
)

// ChunkError 携带失败子块的位置，便于诊断；Unwrap 保持哨兵可判定。
type ChunkError struct {
	SubIndex int
	SubTotal int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d/%d: %v", e.SubIndex, e.SubTotal, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }
