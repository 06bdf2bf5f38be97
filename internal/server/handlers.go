package server

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/pypi-gateway/internal/gateway"
	"github.com/any-hub/pypi-gateway/internal/pep"
)

const (
	contentTypeHTML   = "text/html; charset=utf-8"
	contentTypeBinary = "application/octet-stream"
)

type handlers struct {
	logger         *logrus.Logger
	reader         *gateway.Reader
	legacyReleases bool
}

func (h *handlers) simpleIndex(c fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, contentTypeHTML)
	return c.Send(h.reader.RenderIndex(c.BaseURL()))
}

func (h *handlers) simplePage(c fiber.Ctx) error {
	name := c.Params("name")
	if !pep.IsNormalized(name) {
		return h.redirectNormalized(c, "/simple/"+pep.Normalize(name))
	}
	page, err := h.reader.RenderSimple(c.Context(), name, c.BaseURL())
	if err != nil {
		return h.writeError(c, err)
	}
	c.Set(fiber.HeaderContentType, contentTypeHTML)
	return c.Send(page)
}

func (h *handlers) jsonLatest(c fiber.Ctx) error {
	name := c.Params("name")
	if !pep.IsNormalized(name) {
		return h.redirectNormalized(c, "/pypi/"+pep.Normalize(name)+"/json")
	}
	return h.renderDocument(c, name, "")
}

func (h *handlers) jsonVersion(c fiber.Ctx) error {
	name := c.Params("name")
	version := c.Params("version")
	if !pep.IsNormalized(name) {
		return h.redirectNormalized(c, "/pypi/"+pep.Normalize(name)+"/"+version+"/json")
	}
	return h.renderDocument(c, name, version)
}

func (h *handlers) renderDocument(c fiber.Ctx, name, version string) error {
	opts := gateway.ResolveOptions{Mode: gateway.ModeSingle, BaseURL: c.BaseURL()}
	if h.legacyReleases || wantsReleases(c.Query("releases")) {
		opts.Mode = gateway.ModeReleases
	}
	doc, err := h.reader.Resolve(c.Context(), name, version, opts)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(doc)
}

func (h *handlers) file(c fiber.Ctx) error {
	filename := c.Params("filename")
	result, err := h.reader.OpenFile(c.Context(), filename)
	if err != nil {
		return h.writeError(c, err)
	}
	defer result.Reader.Close()

	c.Set(fiber.HeaderContentType, contentTypeBinary)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	if size := result.Entry.SizeBytes; size > 0 {
		c.Response().Header.SetContentLength(int(size))
	}
	c.Status(fiber.StatusOK)

	if _, err := io.Copy(c.Response().BodyWriter(), result.Reader); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

// redirectNormalized 以 301 指向规范化名称的同一资源，保留查询串。
func (h *handlers) redirectNormalized(c fiber.Ctx, target string) error {
	if query := string(c.Request().URI().QueryString()); query != "" {
		target += "?" + query
	}
	return c.Redirect().Status(fiber.StatusMovedPermanently).To(target)
}

func (h *handlers) writeError(c fiber.Ctx, err error) error {
	if errors.Is(err, gateway.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	}
	h.logger.WithFields(logrus.Fields{
		"action":     "serve",
		"path":       c.Path(),
		"request_id": RequestID(c),
	}).WithError(err).Error("read_failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
}

func wantsReleases(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
