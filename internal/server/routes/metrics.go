package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/asset-hub/internal/metrics"
)

// RegisterMetricsRoutes 通过 adaptor 挂载 Prometheus 导出端点 /-/metrics。
func RegisterMetricsRoutes(app *fiber.App, collectors *metrics.Collectors) {
	if app == nil || collectors == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(collectors.Handler()))
}
