package routes

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-hub/internal/cache"
	"github.com/any-hub/asset-hub/internal/generation"
	"github.com/any-hub/asset-hub/internal/manifest"
	"github.com/any-hub/asset-hub/internal/server"
)

// Generations 是路由依赖的代际管理能力，由 *generation.Manager 实现。
type Generations interface {
	Install(ctx context.Context, man *manifest.Manifest, id string) (string, error)
	Activate(ctx context.Context, id string) error
	List(ctx context.Context) []generation.Snapshot
	Live() string
}

// GenerationRoutes 汇总安装/激活触发器所需依赖。Manifest 与 GenerationID
// 来自配置，请求体为空时使用。
type GenerationRoutes struct {
	Manager      Generations
	Manifest     *manifest.Manifest
	GenerationID string
	Logger       *logrus.Logger
}

type installRequest struct {
	Generation string           `json:"generation"`
	Assets     []manifest.Entry `json:"assets"`
	Activate   bool             `json:"activate"`
}

type activateRequest struct {
	Generation string `json:"generation"`
}

// RegisterGenerationRoutes 暴露 /-/install、/-/activate 与 /-/generations。
func RegisterGenerationRoutes(app *fiber.App, deps GenerationRoutes) {
	if app == nil || deps.Manager == nil {
		return
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}

	app.Post("/-/install", func(c fiber.Ctx) error {
		var req installRequest
		if len(c.Body()) > 0 {
			if err := c.Bind().JSON(&req); err != nil {
				return writeError(c, fiber.StatusBadRequest, "manifest_invalid", fiber.Map{"reason": err.Error()})
			}
		}

		man := deps.Manifest
		if len(req.Assets) > 0 {
			built, err := manifest.New(req.Assets)
			if err != nil {
				return writeError(c, fiber.StatusBadRequest, "manifest_invalid", fiber.Map{"reason": err.Error()})
			}
			man = built
		}
		if man == nil {
			return writeError(c, fiber.StatusBadRequest, "manifest_invalid", fiber.Map{"reason": "no assets configured"})
		}
		id := req.Generation
		if id == "" && len(req.Assets) == 0 {
			id = deps.GenerationID
		}

		// 安装可能被并发触发合并，不随单个请求断开而取消。
		ctx := context.WithoutCancel(c.Context())
		id, err := deps.Manager.Install(ctx, man, id)
		if err != nil {
			return renderInstallError(c, deps.Logger, id, err)
		}

		status := generation.StatusReady
		if req.Activate {
			if err := deps.Manager.Activate(ctx, id); err != nil {
				return renderActivateError(c, deps.Logger, id, err)
			}
			status = generation.StatusLive
		}
		return c.JSON(fiber.Map{"generation": id, "status": status})
	})

	app.Post("/-/activate", func(c fiber.Ctx) error {
		var req activateRequest
		if len(c.Body()) > 0 {
			if err := c.Bind().JSON(&req); err != nil {
				return writeError(c, fiber.StatusBadRequest, "generation_required", fiber.Map{"reason": err.Error()})
			}
		}
		id := req.Generation
		if id == "" {
			id = deps.GenerationID
		}
		if id == "" {
			return writeError(c, fiber.StatusBadRequest, "generation_required", nil)
		}

		if err := deps.Manager.Activate(context.WithoutCancel(c.Context()), id); err != nil {
			return renderActivateError(c, deps.Logger, id, err)
		}
		return c.JSON(fiber.Map{"generation": id, "status": generation.StatusLive})
	})

	app.Get("/-/generations", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"live":        deps.Manager.Live(),
			"generations": deps.Manager.List(c.Context()),
		})
	})
}

func renderInstallError(c fiber.Ctx, logger *logrus.Logger, id string, err error) error {
	fields := logrus.Fields{"action": "install", "generation": id, "request_id": server.RequestID(c), "error": err.Error()}

	var installErr *generation.InstallError
	switch {
	case errors.As(err, &installErr):
		logger.WithFields(fields).Warn("install_trigger_failed")
		return writeError(c, fiber.StatusUnprocessableEntity, "install_failed", fiber.Map{
			"generation":   id,
			"failed_paths": installErr.FailedPaths,
		})
	case errors.Is(err, manifest.ErrInvalid):
		return writeError(c, fiber.StatusBadRequest, "manifest_invalid", fiber.Map{"reason": err.Error()})
	case errors.Is(err, cache.ErrInvalidGeneration):
		return writeError(c, fiber.StatusBadRequest, "generation_invalid", fiber.Map{"generation": id})
	case errors.Is(err, generation.ErrInvalidState):
		return writeError(c, fiber.StatusConflict, "invalid_state", fiber.Map{"generation": id})
	default:
		logger.WithFields(fields).Error("install_trigger_failed")
		return writeError(c, fiber.StatusInternalServerError, "install_error", nil)
	}
}

func renderActivateError(c fiber.Ctx, logger *logrus.Logger, id string, err error) error {
	var actErr *generation.ActivationError
	if errors.As(err, &actErr) {
		logger.WithFields(logrus.Fields{
			"action":     "activate",
			"generation": id,
			"reason":     string(actErr.Reason),
			"request_id": server.RequestID(c),
		}).Warn("activate_trigger_failed")
		return writeError(c, fiber.StatusConflict, "activation_failed", fiber.Map{
			"generation": id,
			"reason":     actErr.Reason,
		})
	}
	logger.WithFields(logrus.Fields{"action": "activate", "generation": id, "error": err.Error()}).Error("activate_trigger_failed")
	return writeError(c, fiber.StatusInternalServerError, "activate_error", nil)
}
