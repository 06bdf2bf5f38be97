// Package pep implements the naming and versioning rules the gateway shares
// with Python packaging: PEP 503 project-name normalization and PEP 440
// version parsing/ordering. Version strings that do not parse are excluded by
// callers instead of being treated as errors.
package pep

import (
	"regexp"
	"sort"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

var separatorRuns = regexp.MustCompile(`[-_.]+`)

// Normalize 返回 PEP 503 规范化名称：小写，并把连续的 - _ . 折叠为单个 -。
func Normalize(name string) string {
	return separatorRuns.ReplaceAllString(strings.ToLower(name), "-")
}

// IsNormalized 判断名称是否已是规范形式。
func IsNormalized(name string) bool {
	return name == Normalize(name)
}

// Version 同时保存目录中的原始字符串与解析结果，排序按 PEP 440 优先级。
type Version struct {
	Raw    string
	parsed pep440.Version
}

// ParseVersion 按 PEP 440 语法解析；无法解析时返回 false。
func ParseVersion(raw string) (Version, bool) {
	parsed, err := pep440.Parse(raw)
	if err != nil {
		return Version{}, false
	}
	return Version{Raw: raw, parsed: parsed}, true
}

// Compare 返回 -1/0/1。
func (v Version) Compare(other Version) int {
	return v.parsed.Compare(other.parsed)
}

// Equal 判断两个版本在 PEP 440 语义下是否相同（例如 1.0 与 1.0.0）。
func (v Version) Equal(other Version) bool {
	return v.Compare(other) == 0
}

func (v Version) String() string {
	return v.Raw
}

// SortedVersions 丢弃无法解析的字符串，并按升序返回其余版本。
func SortedVersions(raws []string) []Version {
	versions := make([]Version, 0, len(raws))
	for _, raw := range raws {
		if v, ok := ParseVersion(raw); ok {
			versions = append(versions, v)
		}
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].Compare(versions[j]) < 0
	})
	return versions
}
