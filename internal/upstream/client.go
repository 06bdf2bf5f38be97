// Package upstream talks to the package index being mirrored. It resolves a
// project's simple page and JSON release listing into filename-keyed link and
// version tables, fetches per-version release metadata, and streams files.
// Index lookups never retry; only file downloads back off on transient errors.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenk/backoff"
	"github.com/sirupsen/logrus"
)

const defaultUserAgent = "pypi-gateway"

// Client 封装对上游索引的访问，调用方负责提供共享的 http.Client。
type Client struct {
	baseURL        string
	http           *http.Client
	logger         *logrus.Logger
	userAgent      string
	maxRetries     int
	initialBackoff time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithRetry 设置文件下载的重试次数与初始退避；maxRetries 为 0 时只尝试一次。
func WithRetry(maxRetries int, initial time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.initialBackoff = initial
	}
}

// NewClient 构建上游客户端，baseURL 形如 https://pypi.org。
func NewClient(httpClient *http.Client, baseURL string, logger *logrus.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		http:           httpClient,
		logger:         logger,
		userAgent:      defaultUserAgent,
		initialBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL 返回上游根地址。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetInfo 解析 simple 页面与 JSON 发布列表，返回文件名 → 链接 与 文件名 → 版本 两张表。
func (c *Client) GetInfo(ctx context.Context, name string) (Links, Versions, error) {
	links, err := c.fetchLinks(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	versions, err := c.fetchVersions(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return links, versions, nil
}

func (c *Client) fetchLinks(ctx context.Context, name string) (Links, error) {
	pageURL := c.endpoint("simple", name) + "/"
	resp, err := c.get(ctx, pageURL, "text/html")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return parseSimplePage(resp.Request.URL.String(), resp.Body)
}

func (c *Client) fetchVersions(ctx context.Context, name string) (Versions, error) {
	listURL := c.endpoint("pypi", name, "json")
	resp, err := c.get(ctx, listURL, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	versions, err := decodeReleaseListing(resp.Body)
	if err != nil {
		return nil, &ParseError{URL: listURL, Reason: "decode release listing", Err: err}
	}
	return versions, nil
}

// FetchRelease 获取 `/pypi/<name>/<version>/json` 的完整元数据。
func (c *Client) FetchRelease(ctx context.Context, name, version string) (*Release, error) {
	releaseURL := c.endpoint("pypi", name, version, "json")
	resp, err := c.get(ctx, releaseURL, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, &ParseError{URL: releaseURL, Reason: "decode release", Err: err}
	}
	return &release, nil
}

// Download 拉取 fileURL 并把响应体交给 consume；429/5xx、网络错误以及 consume 失败
// 按指数退避重试，其它 4xx 立即返回。consume 每次重试都会拿到一个新的 Reader。
func (c *Client) Download(ctx context.Context, fileURL string, consume func(io.Reader) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxElapsedTime = 0
	// WithMaxRetries(b, 0) 在 backoff 中表示不限次数，0 次重试需显式 StopBackOff。
	var b backoff.BackOff = &backoff.StopBackOff{}
	if c.maxRetries > 0 {
		b = backoff.WithMaxRetries(policy, uint64(c.maxRetries))
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := c.downloadOnce(ctx, fileURL, consume)
		if err == nil {
			return nil
		}
		if !retryable(ctx, err) {
			return backoff.Permanent(err)
		}
		if attempt <= c.maxRetries {
			c.logger.WithFields(logrus.Fields{
				"action":  "download_retry",
				"url":     fileURL,
				"attempt": attempt,
			}).WithError(err).Warn("download_retry")
		}
		return err
	}
	return backoff.Retry(operation, b)
}

func (c *Client) downloadOnce(ctx context.Context, fileURL string, consume func(io.Reader) error) error {
	resp, err := c.get(ctx, fileURL, "*/*")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return consume(resp.Body)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}
	return true
}

func (c *Client) get(ctx context.Context, target, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", accept)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: target}
	}
	return resp, nil
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
	}
	return c.baseURL + "/" + strings.Join(escaped, "/")
}

// decodeReleaseListing 按文档顺序展开 releases，同名文件后出现的版本覆盖先前的映射。
func decodeReleaseListing(r io.Reader) (Versions, error) {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	versions := Versions{}
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if key != "releases" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
			continue
		}
		if err := decodeReleases(dec, versions); err != nil {
			return nil, err
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return versions, nil
}

func decodeReleases(dec *json.Decoder, versions Versions) error {
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		version, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected release key %v", tok)
		}
		var files []struct {
			Filename string `json:"filename"`
		}
		if err := dec.Decode(&files); err != nil {
			return fmt.Errorf("release %s: %w", version, err)
		}
		for _, file := range files {
			if file.Filename != "" {
				versions[file.Filename] = version
			}
		}
	}
	return expectDelim(dec, '}')
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
