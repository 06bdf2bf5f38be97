package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/any-hub/pypi-gateway/internal/cache"
	"github.com/any-hub/pypi-gateway/internal/pep"
	"github.com/any-hub/pypi-gateway/internal/upstream"
)

// ResolveOptions 控制 Resolve 的输出形态。
type ResolveOptions struct {
	Mode Mode
	// BaseURL 在未配置 FileURLBase 时用于拼接文件链接，通常取自请求。
	BaseURL string
}

// VersionFiles 是 releases 中某个版本的条目。
type VersionFiles struct {
	Version string
	URLs    []json.RawMessage
}

// Document 是 /pypi/<name>[/<version>]/json 的响应体。
type Document struct {
	Version  string
	Info     json.RawMessage
	URLs     []json.RawMessage
	Releases []VersionFiles
}

// MarshalJSON 保持 releases 的版本升序；encoding/json 会按字典序重排 map。
func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"info":`)
	if len(d.Info) == 0 {
		buf.WriteString("null")
	} else {
		buf.Write(d.Info)
	}
	buf.WriteString(`,"urls":`)
	writeRawArray(&buf, d.URLs)

	if d.Releases != nil {
		buf.WriteString(`,"releases":{`)
		for i, rel := range d.Releases {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(rel.Version)
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			writeRawArray(&buf, rel.URLs)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeRawArray(buf *bytes.Buffer, items []json.RawMessage) {
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(item)
	}
	buf.WriteByte(']')
}

// Resolve 选出请求的版本（为空时取最大版本），读取其元数据并把 urls[].url 改写到网关。
// 版本先按目录名精确匹配，再按 PEP 440 相等匹配。
func (r *Reader) Resolve(ctx context.Context, name, version string, opts ResolveOptions) (*Document, error) {
	versions, err := r.Versions(ctx, name)
	if err != nil {
		return nil, err
	}
	target, ok := selectVersion(versions, version)
	if !ok {
		return nil, ErrNotFound
	}

	base := r.BaseURL(opts.BaseURL)
	release, err := r.load(ctx, name, target.Raw)
	if err != nil {
		return nil, err
	}
	urls, err := rewriteURLs(release.URLs, base)
	if err != nil {
		return nil, fmt.Errorf("rewrite %s %s: %w", name, target.Raw, err)
	}
	doc := &Document{
		Version: target.Raw,
		Info:    release.Info,
		URLs:    urls,
	}

	if opts.Mode == ModeReleases {
		doc.Releases = make([]VersionFiles, 0, len(versions))
		for _, v := range versions {
			rel, err := r.load(ctx, name, v.Raw)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			files, err := rewriteURLs(rel.URLs, base)
			if err != nil {
				return nil, fmt.Errorf("rewrite %s %s: %w", name, v.Raw, err)
			}
			doc.Releases = append(doc.Releases, VersionFiles{Version: v.Raw, URLs: files})
		}
	}
	return doc, nil
}

// selectVersion 在升序列表中查找请求的版本。
func selectVersion(versions []pep.Version, requested string) (pep.Version, bool) {
	if len(versions) == 0 {
		return pep.Version{}, false
	}
	if requested == "" {
		return versions[len(versions)-1], true
	}
	for _, v := range versions {
		if v.Raw == requested {
			return v, true
		}
	}
	want, ok := pep.ParseVersion(requested)
	if !ok {
		return pep.Version{}, false
	}
	for _, v := range versions {
		if v.Equal(want) {
			return v, true
		}
	}
	return pep.Version{}, false
}

func (r *Reader) load(ctx context.Context, name, version string) (*upstream.Release, error) {
	var release upstream.Release
	err := cache.ReadJSON(ctx, r.metadata, cache.MetadataLocator(name, version), &release)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &release, nil
}

// rewriteURLs 只替换每个条目的 url 字段，其余字段原样保留。
func rewriteURLs(files []upstream.ReleaseFile, base string) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(files))
	for _, f := range files {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(f.Raw, &fields); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", f.Filename, err)
		}
		link, err := json.Marshal(base + "/files/" + f.Filename)
		if err != nil {
			return nil, err
		}
		fields["url"] = link
		encoded, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded)
	}
	return out, nil
}
