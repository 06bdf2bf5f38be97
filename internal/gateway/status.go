package gateway

import (
	"context"
	"errors"

	"github.com/any-hub/pypi-gateway/internal/cache"
)

// FileStatus 描述一个配置文件是否已落盘。
type FileStatus struct {
	Spec   string `json:"spec"`
	Cached bool   `json:"cached"`
	Size   int64  `json:"size_bytes,omitempty"`
}

// PackageStatus 是 /-/packages 诊断接口中的一个包。
type PackageStatus struct {
	Name     string       `json:"name"`
	Versions []string     `json:"versions"`
	Files    []FileStatus `json:"files"`
}

// Status 汇总每个配置包的缓存版本与文件情况，不计算摘要。
func (r *Reader) Status(ctx context.Context) ([]PackageStatus, error) {
	result := make([]PackageStatus, 0, len(r.cfg.Packages))
	for _, pkg := range r.cfg.Packages {
		versions, err := r.Versions(ctx, pkg.Name)
		if err != nil {
			return nil, err
		}
		status := PackageStatus{
			Name:     pkg.Name,
			Versions: make([]string, 0, len(versions)),
			Files:    make([]FileStatus, 0, len(pkg.Specs)),
		}
		for _, v := range versions {
			status.Versions = append(status.Versions, v.Raw)
		}
		for _, spec := range pkg.Specs {
			entry, err := r.files.Stat(ctx, cache.FileLocator(spec))
			switch {
			case err == nil:
				status.Files = append(status.Files, FileStatus{Spec: spec, Cached: true, Size: entry.SizeBytes})
			case errors.Is(err, cache.ErrNotFound):
				status.Files = append(status.Files, FileStatus{Spec: spec})
			default:
				return nil, err
			}
		}
		result = append(result, status)
	}
	return result, nil
}
