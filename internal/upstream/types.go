package upstream

import (
	"encoding/json"

	"github.com/any-hub/pypi-gateway/internal/digest"
)

// Link 是 simple 页面中一个文件的下载地址（已去除片段）与摘要。
type Link struct {
	URL    string
	Digest digest.Digest
}

// Links 以文件名为键。
type Links map[string]Link

// Versions 把文件名映射到其所属版本。
type Versions map[string]string

// Release 是 `/pypi/<name>/<version>/json` 的原样载荷：info 与 urls 条目均保留原始字节。
type Release struct {
	Info json.RawMessage `json:"info"`
	URLs []ReleaseFile   `json:"urls"`
}

// ReleaseFile 保留上游条目的原始 JSON，只额外解码出 filename。
type ReleaseFile struct {
	Filename string
	Raw      json.RawMessage
}

// UnmarshalJSON 记录原始字节并提取 filename。
func (f *ReleaseFile) UnmarshalJSON(data []byte) error {
	var probe struct {
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	f.Filename = probe.Filename
	f.Raw = append(f.Raw[:0], data...)
	return nil
}

// MarshalJSON 原样输出上游条目。
func (f ReleaseFile) MarshalJSON() ([]byte, error) {
	if len(f.Raw) == 0 {
		return []byte("null"), nil
	}
	return f.Raw, nil
}

// Restrict 返回只保留 specs 中文件的副本，顺序与上游一致。
func (r *Release) Restrict(specs map[string]struct{}) *Release {
	out := &Release{Info: r.Info, URLs: make([]ReleaseFile, 0, len(r.URLs))}
	for _, file := range r.URLs {
		if _, ok := specs[file.Filename]; ok {
			out.URLs = append(out.URLs, file)
		}
	}
	return out
}
