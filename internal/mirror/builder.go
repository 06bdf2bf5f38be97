// Package mirror materializes the gateway caches. A run resolves every
// configured project against the upstream index, waits for all resolutions,
// then downloads files and writes restricted per-version metadata on a
// bounded worker pool. Existing files whose digest still matches are kept,
// metadata documents are never rewritten once present.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/pypi-gateway/internal/cache"
	"github.com/any-hub/pypi-gateway/internal/config"
	"github.com/any-hub/pypi-gateway/internal/digest"
	"github.com/any-hub/pypi-gateway/internal/logging"
	"github.com/any-hub/pypi-gateway/internal/upstream"
)

// Index 是构建器依赖的上游能力，*upstream.Client 实现了它。
type Index interface {
	GetInfo(ctx context.Context, name string) (upstream.Links, upstream.Versions, error)
	FetchRelease(ctx context.Context, name, version string) (*upstream.Release, error)
	Download(ctx context.Context, fileURL string, consume func(io.Reader) error) error
}

// Options 控制并发度与进度输出。
type Options struct {
	MaxWorkers int
	// Progress 非空时在其上渲染第二阶段的进度条。
	Progress io.Writer
}

// Stats 是一次构建的计数快照。
type Stats struct {
	FilesDownloaded int64 `json:"files_downloaded"`
	FilesSkipped    int64 `json:"files_skipped"`
	FilesReplaced   int64 `json:"files_replaced"`
	DocsWritten     int64 `json:"docs_written"`
	DocsSkipped     int64 `json:"docs_skipped"`
	Warnings        int64 `json:"warnings"`
	Failures        int64 `json:"failures"`
}

type counters struct {
	filesDownloaded atomic.Int64
	filesSkipped    atomic.Int64
	filesReplaced   atomic.Int64
	docsWritten     atomic.Int64
	docsSkipped     atomic.Int64
	warnings        atomic.Int64
	failures        atomic.Int64
}

// Builder 把上游索引物化到 files / metadata 两个缓存中。
type Builder struct {
	index    Index
	files    cache.Store
	metadata cache.Store
	logger   *logrus.Logger
	opts     Options
	stats    counters
}

// NewBuilder 构建镜像器；MaxWorkers <= 0 时使用 config.DefaultMaxWorkers。
func NewBuilder(index Index, files, metadata cache.Store, logger *logrus.Logger, opts Options) *Builder {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = config.DefaultMaxWorkers()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Builder{
		index:    index,
		files:    files,
		metadata: metadata,
		logger:   logger,
		opts:     opts,
	}
}

// Stats 返回累计计数（跨多次 EnsurePackages 调用累加）。
func (b *Builder) Stats() Stats {
	return Stats{
		FilesDownloaded: b.stats.filesDownloaded.Load(),
		FilesSkipped:    b.stats.filesSkipped.Load(),
		FilesReplaced:   b.stats.filesReplaced.Load(),
		DocsWritten:     b.stats.docsWritten.Load(),
		DocsSkipped:     b.stats.docsSkipped.Load(),
		Warnings:        b.stats.warnings.Load(),
		Failures:        b.stats.failures.Load(),
	}
}

// EnsurePackages 执行两阶段构建。第一阶段任一解析失败时，在所有解析结束后返回该错误且不进入第二阶段；
// 第二阶段所有任务都会执行完毕，返回最先观察到的错误，已完成的写入不回滚。
func (b *Builder) EnsurePackages(ctx context.Context, packages []config.Package) error {
	started := time.Now()

	res, err := b.resolve(ctx, packages)
	if err != nil {
		return err
	}
	links, versions := res.tables()

	err = b.materialize(ctx, packages, links, versions)

	fields := logrus.Fields{
		"action":     "sync_complete",
		"packages":   len(packages),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	stats := b.Stats()
	fields["files_downloaded"] = stats.FilesDownloaded
	fields["files_skipped"] = stats.FilesSkipped
	fields["docs_written"] = stats.DocsWritten
	fields["warnings"] = stats.Warnings
	if err != nil {
		b.logger.WithFields(fields).WithError(err).Error("sync_failed")
		return err
	}
	b.logger.WithFields(fields).Info("sync_complete")
	return nil
}

func (b *Builder) resolve(ctx context.Context, packages []config.Package) (*resolution, error) {
	res := newResolution()

	var g errgroup.Group
	g.SetLimit(b.opts.MaxWorkers)

	seen := make(map[string]struct{}, len(packages))
	for _, pkg := range packages {
		if _, dup := seen[pkg.Name]; dup {
			continue
		}
		seen[pkg.Name] = struct{}{}

		name := pkg.Name
		g.Go(func() error {
			links, versions, err := b.index.GetInfo(ctx, name)
			if err != nil {
				b.stats.failures.Add(1)
				b.logger.WithFields(logging.TaskFields("resolve", name, "")).WithError(err).Error("resolve_failed")
				return fmt.Errorf("resolve %s: %w", name, err)
			}
			res.merge(links, versions)
			b.logger.WithFields(logging.TaskFields("resolve", name, "")).
				WithField("links", len(links)).
				Debug("resolved")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

type task struct {
	action string
	name   string
	spec   string
	run    func() error
}

func (b *Builder) materialize(ctx context.Context, packages []config.Package, links upstream.Links, versions upstream.Versions) error {
	tasks := b.plan(ctx, packages, links, versions)
	if len(tasks) == 0 {
		return nil
	}

	bar := b.newProgressBar(len(tasks))

	var g errgroup.Group
	g.SetLimit(b.opts.MaxWorkers)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			err := t.run()
			if bar != nil {
				_ = bar.Add(1)
			}
			if err != nil {
				b.stats.failures.Add(1)
				b.logger.WithFields(logging.TaskFields(t.action, t.name, t.spec)).WithError(err).Error("task_failed")
				return fmt.Errorf("%s %s: %w", t.action, t.spec, err)
			}
			return nil
		})
	}
	err := g.Wait()
	if bar != nil {
		_ = bar.Finish()
	}
	return err
}

// plan 在控制 goroutine 上完成查表，缺失的链接或版本只记录一次告警。
// 同一 (name, version) 只生成一个 ensureJSON 任务。
func (b *Builder) plan(ctx context.Context, packages []config.Package, links upstream.Links, versions upstream.Versions) []task {
	var tasks []task
	docs := map[string]struct{}{}

	for _, pkg := range packages {
		name := pkg.Name
		specs := pkg.SpecSet()
		for _, spec := range pkg.Specs {
			spec := spec
			link, ok := links[spec]
			if !ok {
				b.warn("link_missing", name, spec)
				continue
			}
			tasks = append(tasks, task{
				action: "ensure_file",
				name:   name,
				spec:   spec,
				run:    func() error { return b.ensureFile(ctx, name, spec, link) },
			})

			version, ok := versions[spec]
			if !ok {
				b.warn("version_missing", name, spec)
				continue
			}
			key := name + "\x00" + version
			if _, dup := docs[key]; dup {
				continue
			}
			docs[key] = struct{}{}
			tasks = append(tasks, task{
				action: "ensure_json",
				name:   name,
				spec:   spec,
				run:    func() error { return b.ensureJSON(ctx, name, version, specs) },
			})
		}
	}
	return tasks
}

func (b *Builder) warn(code, name, spec string) {
	b.stats.warnings.Add(1)
	b.logger.WithFields(logging.TaskFields("plan", name, spec)).Warn(code)
}

// ensureFile 摘要一致时跳过；否则删除旧文件并重新下载，写入前校验上游摘要。
func (b *Builder) ensureFile(ctx context.Context, name, spec string, link upstream.Link) error {
	locator := cache.FileLocator(spec)
	fields := logging.TaskFields("ensure_file", name, spec)

	path, err := b.files.Path(locator)
	if err != nil {
		return err
	}

	current, err := digest.File(path)
	switch {
	case err == nil && current.Equal(link.Digest):
		b.stats.filesSkipped.Add(1)
		b.logger.WithFields(fields).Debug("file_skip")
		return nil
	case err == nil:
		b.stats.filesReplaced.Add(1)
		b.logger.WithFields(fields).
			WithField("expected", link.Digest.Hex()).
			WithField("actual", current.Hex()).
			Warn("file_replace")
		if err := b.files.Remove(ctx, locator); err != nil {
			return fmt.Errorf("remove stale file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("digest cached file: %w", err)
	}

	err = b.index.Download(ctx, link.URL, func(body io.Reader) error {
		_, putErr := b.files.Put(ctx, locator, body, cache.PutOptions{Expected: link.Digest})
		return putErr
	})
	if err != nil {
		return err
	}
	b.stats.filesDownloaded.Add(1)
	b.logger.WithFields(fields).WithField("url", link.URL).Info("file_downloaded")
	return nil
}

// ensureJSON 文档一旦存在即视为不可变；否则只保留 specs 中的 urls 条目后写入。
func (b *Builder) ensureJSON(ctx context.Context, name, version string, specs map[string]struct{}) error {
	fields := logging.TaskFields("ensure_json", name, "")
	fields["version"] = version
	if !safeVersionDir(version) {
		return fmt.Errorf("refusing version %q as a directory name", version)
	}
	locator := cache.MetadataLocator(name, version)

	exists, err := cache.Exists(ctx, b.metadata, locator)
	if err != nil {
		return err
	}
	if exists {
		b.stats.docsSkipped.Add(1)
		b.logger.WithFields(fields).Debug("json_skip")
		return nil
	}

	release, err := b.index.FetchRelease(ctx, name, version)
	if err != nil {
		return err
	}
	restricted := release.Restrict(specs)
	if _, err := cache.PutJSON(ctx, b.metadata, locator, restricted); err != nil {
		return err
	}
	b.stats.docsWritten.Add(1)
	b.logger.WithFields(fields).WithField("urls", len(restricted.URLs)).Info("json_generated")
	return nil
}

// safeVersionDir 拒绝会逃出 JSONDir/<name> 的版本号。
func safeVersionDir(version string) bool {
	switch version {
	case "", ".", "..":
		return false
	}
	return !strings.ContainsAny(version, `/\`)
}

func (b *Builder) newProgressBar(total int) *progressbar.ProgressBar {
	if b.opts.Progress == nil {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(b.opts.Progress),
		progressbar.OptionSetDescription("mirroring"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}
