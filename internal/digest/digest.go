// Package digest computes and compares content digests of cached files.
// Files are streamed in fixed-size chunks so arbitrarily large wheels never
// have to fit in memory.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Algorithm 标识摘要算法，目前只实现 sha256。
type Algorithm string

const SHA256 Algorithm = "sha256"

const chunkSize = 64 * 1024

// ErrUnsupportedAlgorithm 表示片段中出现了尚未支持的算法。
var ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")

// Digest 是带算法标签的摘要值。
type Digest struct {
	Algorithm Algorithm
	Sum       []byte
}

// Hex 返回十六进制摘要。
func (d Digest) Hex() string {
	return hex.EncodeToString(d.Sum)
}

// Fragment 返回 simple index 链接使用的 `sha256=<hex>` 片段。
func (d Digest) Fragment() string {
	return string(d.Algorithm) + "=" + d.Hex()
}

// Equal 比较算法与摘要字节。
func (d Digest) Equal(other Digest) bool {
	return d.Algorithm == other.Algorithm && bytes.Equal(d.Sum, other.Sum)
}

// IsZero 表示摘要尚未设置。
func (d Digest) IsZero() bool {
	return d.Algorithm == "" && len(d.Sum) == 0
}

func (d Digest) String() string {
	return d.Fragment()
}

// ParseHex 根据算法与十六进制字符串构造摘要，并校验长度。
func ParseHex(alg Algorithm, value string) (Digest, error) {
	h, err := newHash(alg)
	if err != nil {
		return Digest{}, err
	}
	sum, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(value)))
	if err != nil {
		return Digest{}, fmt.Errorf("decode %s digest: %w", alg, err)
	}
	if len(sum) != h.Size() {
		return Digest{}, fmt.Errorf("%s digest must be %d bytes, got %d", alg, h.Size(), len(sum))
	}
	return Digest{Algorithm: alg, Sum: sum}, nil
}

// ParseFragment 解析 URL 片段，例如 `sha256=abcd...`；片段中可能附带其他 & 分隔字段。
func ParseFragment(fragment string) (Digest, error) {
	for _, part := range strings.Split(fragment, "&") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if Algorithm(strings.ToLower(key)) == SHA256 {
			return ParseHex(SHA256, value)
		}
	}
	return Digest{}, fmt.Errorf("fragment %q: %w", fragment, ErrUnsupportedAlgorithm)
}

// File 以分块方式读取文件并返回其 sha256 摘要。
func File(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()
	return Reader(SHA256, f)
}

// Reader 对任意流计算摘要。
func Reader(alg Algorithm, r io.Reader) (Digest, error) {
	h, err := newHash(alg)
	if err != nil {
		return Digest{}, err
	}
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return Digest{}, err
	}
	return Digest{Algorithm: alg, Sum: h.Sum(nil)}, nil
}

// Bytes 对内存数据计算 sha256，主要用于测试桩。
func Bytes(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest{Algorithm: SHA256, Sum: sum[:]}
}

func newHash(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("%s: %w", alg, ErrUnsupportedAlgorithm)
	}
}

// Hasher 在写入过程中累积摘要，便于边下载边校验。
type Hasher struct {
	alg Algorithm
	h   hash.Hash
}

// NewHasher 创建指定算法的 Hasher。
func NewHasher(alg Algorithm) (*Hasher, error) {
	h, err := newHash(alg)
	if err != nil {
		return nil, err
	}
	return &Hasher{alg: alg, h: h}, nil
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Digest 返回当前累积的摘要。
func (h *Hasher) Digest() Digest {
	return Digest{Algorithm: h.alg, Sum: h.h.Sum(nil)}
}
