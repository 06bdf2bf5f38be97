package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrStoreUnavailable 表示调用方未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// PutJSON 编码 v 并以原子方式写入 locator，ASCII 安全输出以保持与上游一致。
func PutJSON(ctx context.Context, store Store, locator Locator, v interface{}) (*Entry, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode %s: %w", locator.Path, err)
	}
	return store.Put(ctx, locator, bytes.NewReader(bytes.TrimRight(buf.Bytes(), "\n")), PutOptions{})
}

// ReadJSON 读取并解码 locator 指向的 JSON 文档；条目不存在时返回 ErrNotFound。
func ReadJSON(ctx context.Context, store Store, locator Locator, v interface{}) error {
	if store == nil {
		return ErrStoreUnavailable
	}
	result, err := store.Get(ctx, locator)
	if err != nil {
		return err
	}
	defer result.Reader.Close()

	data, err := io.ReadAll(result.Reader)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", result.Entry.FilePath, err)
	}
	return nil
}

// Exists 报告条目是否存在；除 ErrNotFound 以外的错误原样返回。
func Exists(ctx context.Context, store Store, locator Locator) (bool, error) {
	if store == nil {
		return false, ErrStoreUnavailable
	}
	_, err := store.Stat(ctx, locator)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
