package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/pypi-gateway/internal/gateway"
	"github.com/any-hub/pypi-gateway/internal/logging"
)

// AppOptions controls how the Fiber application serves the cached index.
type AppOptions struct {
	Logger *logrus.Logger
	Reader *gateway.Reader
	// LegacyReleases 为 true 时 JSON 文档总是携带 releases。
	LegacyReleases bool
	ListenPort     int
}

const contextKeyRequestID = "_pypi_gateway_request_id"

// NewApp builds a Fiber application with the gateway routes and the
// request-scoped middlewares.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Reader == nil {
		return nil, errors.New("gateway reader is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())
	app.Use(accessLogMiddleware(opts.Logger))
	app.Use(stripTrailingSlash)

	h := &handlers{
		logger:         opts.Logger,
		reader:         opts.Reader,
		legacyReleases: opts.LegacyReleases,
	}
	app.Get("/simple", h.simpleIndex)
	app.Get("/simple/:name", h.simplePage)
	app.Get("/pypi/:name/json", h.jsonLatest)
	app.Get("/pypi/:name/:version/json", h.jsonVersion)
	app.Get("/files/:filename", h.file)

	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// stripTrailingSlash 去掉路径末尾的一个 "/"，使 /simple/foo/ 与 /simple/foo 命中同一路由。
func stripTrailingSlash(c fiber.Ctx) error {
	path := c.Path()
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		c.Path(strings.TrimSuffix(path, "/"))
	}
	return c.Next()
}

// accessLogMiddleware 在请求结束后输出一条结构化访问日志；诊断接口同样记录。
func accessLogMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		method := c.Method()
		path := c.Path()

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		fields := logging.RequestFields(method, path, status, RequestID(c))
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		entry := logger.WithFields(fields)
		switch {
		case err != nil || status >= fiber.StatusInternalServerError:
			entry.WithError(err).Error("request_failed")
		default:
			entry.Info("request_served")
		}
		return err
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
