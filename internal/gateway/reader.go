// Package gateway 实现只读的服务路径：从缓存目录读取已物化的文件与元数据，
// 按 PEP 503 / PEP 440 规则组织成 simple 页面与 JSON 文档。读路径从不写缓存。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/pypi-gateway/internal/cache"
	"github.com/any-hub/pypi-gateway/internal/config"
	"github.com/any-hub/pypi-gateway/internal/digest"
	"github.com/any-hub/pypi-gateway/internal/logging"
	"github.com/any-hub/pypi-gateway/internal/pep"
)

// ErrNotFound 表示包名、版本或文件不在网关可服务的集合内。
var ErrNotFound = errors.New("gateway: not found")

// Mode 选择 JSON 文档的形态。
type Mode int

const (
	// ModeSingle 只返回请求版本的 info 与 urls。
	ModeSingle Mode = iota
	// ModeReleases 额外附带 releases：每个已缓存版本各自的 urls。
	ModeReleases
)

// SpecLink 是 simple 页面中的一个条目。
type SpecLink struct {
	Spec   string
	Digest digest.Digest
}

// Reader 基于配置与两个缓存目录回答读请求，可被多个请求并发使用。
type Reader struct {
	cfg      *config.Config
	files    cache.Store
	metadata cache.Store
	base     string
	logger   *logrus.Logger
}

// NewReader 构建读路径；cfg.Global.FileURLBase 为空时由调用方在每次请求中提供基础地址。
func NewReader(cfg *config.Config, files, metadata cache.Store, logger *logrus.Logger) *Reader {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Reader{
		cfg:      cfg,
		files:    files,
		metadata: metadata,
		base:     strings.TrimSuffix(cfg.Global.FileURLBase, "/"),
		logger:   logger,
	}
}

// BaseURL 返回文件链接使用的基础地址，配置优先，其次 fallback。
func (r *Reader) BaseURL(fallback string) string {
	if r.base != "" {
		return r.base
	}
	return strings.TrimSuffix(fallback, "/")
}

// FileURL 拼出 `<base>/files/<spec>`。
func (r *Reader) FileURL(fallback, spec string) string {
	return r.BaseURL(fallback) + "/files/" + spec
}

// Names 返回配置中的全部包名。
func (r *Reader) Names() []string {
	return r.cfg.Names()
}

// ListSpecs 按配置顺序返回已缓存文件及其摘要；摘要每次现算。
func (r *Reader) ListSpecs(ctx context.Context, name string) ([]SpecLink, error) {
	pkg, ok := r.cfg.Lookup(name)
	if !ok {
		return nil, ErrNotFound
	}

	links := make([]SpecLink, 0, len(pkg.Specs))
	for _, spec := range pkg.Specs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path, err := r.files.Path(cache.FileLocator(spec))
		if err != nil {
			return nil, err
		}
		sum, err := digest.File(path)
		if err != nil {
			if isNotExist(err) {
				r.logger.WithFields(logging.TaskFields("list_specs", name, spec)).Warn("file_not_cached")
				continue
			}
			return nil, fmt.Errorf("digest %s: %w", spec, err)
		}
		links = append(links, SpecLink{Spec: spec, Digest: sum})
	}
	return links, nil
}

// Versions 枚举 JSONDir/<name> 下的版本目录，丢弃不合法的版本号并升序返回。
func (r *Reader) Versions(ctx context.Context, name string) ([]pep.Version, error) {
	if _, ok := r.cfg.Lookup(name); !ok {
		return nil, ErrNotFound
	}
	dirs, err := r.metadata.ListDirs(ctx, cache.ProjectLocator(name))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return pep.SortedVersions(dirs), nil
}

// OpenFile 打开一个已缓存的分发文件；只有出现在配置里的文件名才会被服务。
func (r *Reader) OpenFile(ctx context.Context, filename string) (*cache.ReadResult, error) {
	if !r.configured(filename) {
		return nil, ErrNotFound
	}
	result, err := r.files.Get(ctx, cache.FileLocator(filename))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return result, nil
}

func (r *Reader) configured(filename string) bool {
	if filename == "" || strings.ContainsAny(filename, `/\`) {
		return false
	}
	for _, pkg := range r.cfg.Packages {
		if pkg.HasSpec(filename) {
			return true
		}
	}
	return false
}

func isNotExist(err error) bool {
	return errors.Is(err, cache.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
