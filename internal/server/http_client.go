package server

import (
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/pypi-gateway/internal/config"
	"github.com/any-hub/pypi-gateway/internal/upstream"
	"github.com/any-hub/pypi-gateway/internal/version"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

const defaultUpstreamTimeout = 60 * time.Second

// NewUpstreamClient 返回共享 http.Client，用于所有上游请求。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := defaultUpstreamTimeout
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// NewIndexClient 按配置组装上游索引客户端：超时、重试退避与 User-Agent。
func NewIndexClient(cfg *config.Config, logger *logrus.Logger) *upstream.Client {
	return upstream.NewClient(
		NewUpstreamClient(cfg),
		cfg.Global.IndexURL,
		logger,
		upstream.WithUserAgent(version.UserAgent()),
		upstream.WithRetry(cfg.Global.MaxRetries, cfg.Global.InitialBackoff.DurationValue()),
	)
}
