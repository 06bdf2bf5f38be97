package cache

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/any-hub/pypi-gateway/internal/digest"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<basePath>/<Project>/<Path>    # Project 为空时直接位于 basePath 下
//
// 每个条目仅由正文文件组成，文件的 ModTime/Size 由文件系统提供。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Stat 只返回条目信息，不打开文件。
	Stat(ctx context.Context, locator Locator) (*Entry, error)

	// Put 写入条目。实现需通过临时文件 + rename 保证写入原子性，并在失败时清理临时文件；
	// opts.Expected 非空时在 rename 之前校验摘要，不一致返回 *DigestMismatchError。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除正文文件，不存在时视为成功。
	Remove(ctx context.Context, locator Locator) error

	// ListDirs 返回 locator 指向目录下的子目录名称（未排序）；目录不存在时返回 ErrNotFound。
	ListDirs(ctx context.Context, locator Locator) ([]string, error)

	// Path 返回条目的绝对路径，供摘要计算等直接访问文件系统的场景使用。
	Path(locator Locator) (string, error)
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime  time.Time
	Expected digest.Digest
}

// Locator 唯一定位一个缓存条目（Project + 相对路径），所有路径均为 URL 路径风格。
type Locator struct {
	Project string
	Path    string
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及文件信息。
type Entry struct {
	Locator   Locator `json:"locator"`
	FilePath  string  `json:"file_path"`
	SizeBytes int64   `json:"size_bytes"`
	ModTime   time.Time
	Digest    digest.Digest `json:"-"`
}

// ReadResult 组合 Entry 与正文 Reader，便于服务层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// DigestMismatchError 表示写入内容与期望摘要不一致，文件未被提交。
type DigestMismatchError struct {
	Locator  Locator
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *DigestMismatchError) Error() string {
	return "digest mismatch for " + e.Locator.Project + "/" + e.Locator.Path +
		": expected " + e.Expected.Hex() + ", got " + e.Actual.Hex()
}
