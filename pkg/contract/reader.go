package contract

import "context"

// Reader: 输入源抽象（文件/目录/STDIN），负责把书籍文件解出纯文本。
// 约束：
// 1) 按文件维度回调，顺序稳定；
// 2) FileID 稳定且去平台差异化；
// 3) 只做格式解包（txt/md/epub/pdf），不做业务清洗；
// 4) 不在内部起并发。
type Reader interface {
	Iterate(ctx context.Context, roots []string, yield func(fileID FileID, text string) error) error
}
