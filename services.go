package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-hub/internal/cache"
	"github.com/any-hub/asset-hub/internal/config"
	"github.com/any-hub/asset-hub/internal/generation"
	"github.com/any-hub/asset-hub/internal/interceptor"
	"github.com/any-hub/asset-hub/internal/logging"
	"github.com/any-hub/asset-hub/internal/manifest"
	"github.com/any-hub/asset-hub/internal/metrics"
	"github.com/any-hub/asset-hub/internal/notify"
	"github.com/any-hub/asset-hub/internal/proxy"
	"github.com/any-hub/asset-hub/internal/server"
	"github.com/any-hub/asset-hub/internal/server/routes"
)

// services 持有进程级共享组件。
type services struct {
	cfg         *config.Config
	logger      *logrus.Logger
	store       cache.Store
	metrics     *metrics.Collectors
	manifest    *manifest.Manifest
	manager     *generation.Manager
	interceptor *interceptor.Interceptor
	broadcaster *notify.Broadcaster
	dispatcher  *notify.Dispatcher
}

func newServices(cfg *config.Config, logger *logrus.Logger) (*services, error) {
	man, err := cfg.Manifest()
	if err != nil {
		return nil, err
	}

	store, err := cache.Open(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	collectors := metrics.New()
	client := server.NewUpstreamClient(cfg)

	manager := generation.NewManager(generation.Options{
		Store:          store,
		Client:         client,
		Origin:         cfg.Global.Origin,
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
		FetchTimeout:   cfg.Global.FetchTimeout.DurationValue(),
		Concurrency:    cfg.Global.InstallConcurrency,
		MaxBodySize:    cfg.Global.MaxBodySize,
		Logger:         logger,
		Metrics:        collectors,
	})

	icpt, err := interceptor.New(interceptor.Options{
		Generations: manager,
		Client:      client,
		Origin:      cfg.Global.Origin,
		MaxBodySize: cfg.Global.MaxBodySize,
		Logger:      logger,
		Metrics:     collectors,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	broadcaster := notify.NewBroadcaster(32)
	dispatcher := notify.NewDispatcher(notify.Options{
		Fallback:  noticeFromConfig(cfg.Notice),
		Window:    cfg.Notice.SuppressionWindow.DurationValue(),
		Displayer: broadcaster,
		Logger:    logger,
		Metrics:   collectors,
	})

	return &services{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		metrics:     collectors,
		manifest:    man,
		manager:     manager,
		interceptor: icpt,
		broadcaster: broadcaster,
		dispatcher:  dispatcher,
	}, nil
}

// newApp 构建 Fiber 应用并注册 /-/ 下的触发器与诊断接口。
func (s *services) newApp() (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     s.logger,
		Proxy:      proxy.NewHandler(s.interceptor, s.logger),
		ListenPort: s.cfg.Global.ListenPort,
		BodyLimit:  int(s.cfg.Global.MaxBodySize),
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterGenerationRoutes(app, routes.GenerationRoutes{
		Manager:      s.manager,
		Manifest:     s.manifest,
		GenerationID: s.cfg.Global.GenerationID,
		Logger:       s.logger,
	})
	routes.RegisterPushRoutes(app, routes.PushRoutes{
		Dispatcher:  s.dispatcher,
		Broadcaster: s.broadcaster,
		Logger:      s.logger,
	})
	routes.RegisterMetricsRoutes(app, s.metrics)
	return app, nil
}

// autoInstall 安装配置中的清单并立即激活。
func (s *services) autoInstall(ctx context.Context) error {
	if s.manifest == nil {
		return errors.New("no assets configured")
	}
	id, err := s.manager.Install(ctx, s.manifest, s.cfg.Global.GenerationID)
	if err != nil {
		return err
	}
	if err := s.manager.Activate(ctx, id); err != nil {
		var actErr *generation.ActivationError
		// 同一代际已是 Live 时视为成功。
		if errors.As(err, &actErr) && actErr.Status == generation.StatusLive {
			return nil
		}
		return err
	}
	fields := logging.GenerationFields("auto_install", id)
	fields["assets"] = s.manifest.Len()
	s.logger.WithFields(fields).Info("auto_install_complete")
	return nil
}

func (s *services) Close() {
	s.broadcaster.Close()
	if err := s.store.Close(); err != nil {
		s.logger.WithFields(logrus.Fields{"action": "shutdown", "error": err.Error()}).Warn("store_close_failed")
	}
}

func noticeFromConfig(n config.NoticeConfig) notify.Notice {
	return notify.Notice{
		Title:   n.Title,
		Body:    n.Body,
		Tag:     n.Tag,
		Icon:    n.Icon,
		Badge:   n.Badge,
		Vibrate: append([]int(nil), n.Vibrate...),
	}
}
