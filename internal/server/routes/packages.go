package routes

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/pypi-gateway/internal/gateway"
	"github.com/any-hub/pypi-gateway/internal/pep"
)

// RegisterPackageRoutes 暴露 /-/packages 诊断接口，列出每个包已缓存的版本与文件。
func RegisterPackageRoutes(app *fiber.App, reader *gateway.Reader) {
	if app == nil || reader == nil {
		return
	}

	app.Get("/-/packages", func(c fiber.Ctx) error {
		status, err := reader.Status(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_failed"})
		}
		return c.JSON(fiber.Map{
			"packages": status,
			"total":    len(status),
		})
	})

	app.Get("/-/packages/:name", func(c fiber.Ctx) error {
		name := pep.Normalize(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "package_name_required"})
		}
		status, err := reader.Status(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_failed"})
		}
		item, err := findPackage(status, name)
		if err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "package_not_found"})
		}
		return c.JSON(item)
	})
}

var errPackageMissing = errors.New("package not configured")

func findPackage(status []gateway.PackageStatus, name string) (gateway.PackageStatus, error) {
	for _, item := range status {
		if item.Name == name {
			return item, nil
		}
	}
	return gateway.PackageStatus{}, errPackageMissing
}
