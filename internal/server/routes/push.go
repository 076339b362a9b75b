package routes

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-hub/internal/notify"
	"github.com/any-hub/asset-hub/internal/server"
)

// Dispatcher 是推送入口依赖的能力，由 *notify.Dispatcher 实现。
type Dispatcher interface {
	Dispatch(ctx context.Context, raw []byte) (notify.DisplayResult, error)
}

// PushRoutes 汇总推送、刷新与 SSE 订阅所需依赖。
type PushRoutes struct {
	Dispatcher  Dispatcher
	Broadcaster *notify.Broadcaster
	Logger      *logrus.Logger
	Heartbeat   time.Duration
}

// RegisterPushRoutes 暴露 /-/push、/-/refresh 与 /-/events。
func RegisterPushRoutes(app *fiber.App, deps PushRoutes) {
	if app == nil {
		return
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}

	if deps.Dispatcher != nil {
		app.Post("/-/push", func(c fiber.Ctx) error {
			raw := append([]byte(nil), c.Body()...)
			result, err := deps.Dispatcher.Dispatch(c.Context(), raw)
			if err != nil {
				deps.Logger.WithFields(logrus.Fields{
					"action":     "push",
					"request_id": server.RequestID(c),
					"error":      err.Error(),
				}).Warn("push_display_failed")
				return writeError(c, fiber.StatusBadGateway, "display_failed", nil)
			}
			return c.JSON(fiber.Map{"result": result})
		})
	}

	if deps.Broadcaster == nil {
		return
	}

	app.Post("/-/refresh", func(c fiber.Ctx) error {
		delivered, err := deps.Broadcaster.Refresh()
		if err != nil {
			return writeError(c, fiber.StatusServiceUnavailable, "broadcaster_closed", nil)
		}
		deps.Logger.WithFields(logrus.Fields{
			"action":     "refresh",
			"delivered":  delivered,
			"request_id": server.RequestID(c),
		}).Info("refresh_broadcast")
		return c.JSON(fiber.Map{"delivered": delivered})
	})

	app.Get("/-/events", func(c fiber.Ctx) error {
		events, cancel := deps.Broadcaster.Subscribe()
		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")

		heartbeat := deps.Heartbeat
		return c.SendStreamWriter(func(w *bufio.Writer) {
			defer cancel()
			ticker := time.NewTicker(heartbeat)
			defer ticker.Stop()

			if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil || w.Flush() != nil {
				return
			}
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data); err != nil {
						return
					}
				case <-ticker.C:
					if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
						return
					}
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		})
	})
}
