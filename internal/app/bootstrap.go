package app

import (
	"errors"
	"net"

	"github.com/classdues/internal/config"
	"github.com/classdues/internal/provider"
	"github.com/classdues/internal/router"
	"github.com/classdues/internal/worker"
)

// BuildRunner 按模式组装 HTTP 与后台任务服务
func BuildRunner(cfg *config.Config, mode string) (*Runner, *provider.Container, error) {
	if cfg == nil {
		return nil, nil, errors.New("config is nil")
	}
	opts := normalizeOptions(Options{Config: cfg, Mode: mode})
	if _, err := ParseMode(mode); err != nil {
		return nil, nil, err
	}

	container := provider.NewContainer(cfg)
	services, err := buildServices(opts, container)
	if err != nil {
		container.Close()
		return nil, nil, err
	}
	return NewRunner(services...), container, nil
}

func buildServices(opts Options, container *provider.Container) ([]Service, error) {
	cfg := opts.Config
	var services []Service

	if opts.servesHTTP() {
		engine := router.SetupRouter(cfg, container)
		services = append(services, NewHTTPService(listenAddr(cfg), engine))
	}

	if opts.runsJobs() {
		consumer := worker.NewConsumer(container)
		if cfg.Queue.Enabled && container.QueueClient != nil {
			workerService, err := worker.NewService(&cfg.Queue, consumer)
			if err != nil {
				return nil, err
			}
			services = append(services, workerService)
		} else {
			// 队列不可用时仍需过期扫描与对账重扫
			opts.Logger.Warnw("app_queue_disabled_fallback_scheduler", "queue_enabled", cfg.Queue.Enabled)
			scheduler, err := worker.NewScheduler(consumer)
			if err != nil {
				return nil, err
			}
			services = append(services, scheduler)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("no services initialized (check mode and config)")
	}
	return services, nil
}

func listenAddr(cfg *config.Config) string {
	return net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
}

// Run 应用启动入口
func Run(opts Options) error {
	opts = normalizeOptions(opts)
	if opts.Config == nil {
		return errors.New("config is nil")
	}

	runner, container, err := BuildRunner(opts.Config, opts.Mode)
	if err != nil {
		return err
	}
	defer container.Close()

	opts.Logger.Infow("app_start", "addr", listenAddr(opts.Config), "mode", opts.Mode)
	return RunWithOptions(runner, opts)
}
