package mirror

import (
	"sync"

	"github.com/any-hub/pypi-gateway/internal/upstream"
)

// resolution 汇总第一阶段所有包的解析结果；多个 worker 并发写入，需加锁。
type resolution struct {
	mu       sync.Mutex
	links    upstream.Links
	versions upstream.Versions
}

func newResolution() *resolution {
	return &resolution{
		links:    upstream.Links{},
		versions: upstream.Versions{},
	}
}

func (r *resolution) merge(links upstream.Links, versions upstream.Versions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, link := range links {
		r.links[name] = link
	}
	for name, version := range versions {
		r.versions[name] = version
	}
}

// tables 在阶段屏障之后交出两张表，第二阶段只读。
func (r *resolution) tables() (upstream.Links, upstream.Versions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links, r.versions
}
