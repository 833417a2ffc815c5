package worker

import (
	"context"
	"errors"
	"time"

	"github.com/classdues/internal/cache"
	"github.com/classdues/internal/config"
	"github.com/classdues/internal/logger"
	"github.com/classdues/internal/queue"

	"github.com/hibiken/asynq"
)

const (
	defaultSweepInterval         = time.Minute
	defaultReconcileScanInterval = 5 * time.Minute
	sweepLockName                = "payment_sweep"
	reconcileScanLockName        = "payment_reconcile_scan"
	minLoopLockTTL               = 30 * time.Second
)

// Service 异步队列服务
type Service struct {
	name     string
	server   *asynq.Server
	mux      *asynq.ServeMux
	consumer *Consumer
}

// NewService 创建异步队列服务
func NewService(cfg *config.QueueConfig, consumer *Consumer) (*Service, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, errors.New("queue disabled")
	}
	if consumer == nil {
		return nil, errors.New("consumer is nil")
	}
	opt, serverCfg := queue.BuildServerConfig(cfg)
	serverCfg.Logger = asynqLogger{}
	server := asynq.NewServer(opt, serverCfg)
	mux := asynq.NewServeMux()
	consumer.Register(mux)
	return &Service{
		name:     "worker",
		server:   server,
		mux:      mux,
		consumer: consumer,
	}, nil
}

// Name 服务名称
func (s *Service) Name() string {
	if s == nil || s.name == "" {
		return "worker"
	}
	return s.name
}

// Start 启动服务
func (s *Service) Start(ctx context.Context) error {
	if s == nil || s.server == nil || s.mux == nil {
		return errors.New("worker not initialized")
	}
	startLoops(ctx, s.consumer)
	return s.server.Run(s.mux)
}

// Stop 停止服务
func (s *Service) Stop(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	_ = ctx
	s.server.Shutdown()
	return nil
}

// Scheduler 队列关闭时仅运行定时扫描
type Scheduler struct {
	consumer *Consumer
	stop     chan struct{}
}

// NewScheduler 创建定时扫描服务
func NewScheduler(consumer *Consumer) (*Scheduler, error) {
	if consumer == nil || consumer.Container == nil {
		return nil, errors.New("consumer is nil")
	}
	return &Scheduler{consumer: consumer, stop: make(chan struct{})}, nil
}

// Name 服务名称
func (s *Scheduler) Name() string {
	return "scheduler"
}

// Start 阻塞运行直到 ctx 取消或 Stop
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("scheduler not initialized")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	startLoops(loopCtx, s.consumer)
	select {
	case <-loopCtx.Done():
	case <-s.stop:
	}
	return nil
}

// Stop 停止定时扫描
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	return nil
}

func startLoops(ctx context.Context, consumer *Consumer) {
	if consumer == nil || consumer.Container == nil || consumer.Config == nil {
		return
	}
	cfg := consumer.Config
	go runLoop(ctx, sweepLockName, intervalOrDefault(cfg.Sweeper.IntervalSeconds, defaultSweepInterval), consumer.RunSweep)
	go runLoop(ctx, reconcileScanLockName, intervalOrDefault(cfg.Reconcile.ScanIntervalSeconds, defaultReconcileScanInterval), consumer.RunReconcileScan)
}

// runLoop 定时执行任务，多实例部署时通过 Redis 锁保证同一时刻只有一个实例执行
func runLoop(ctx context.Context, name string, interval time.Duration, job func(context.Context) error) {
	runOnce := func() {
		ttl := interval
		if ttl < minLoopLockTTL {
			ttl = minLoopLockTTL
		}
		lock, ok, err := cache.TryLock(ctx, name, ttl)
		if err != nil {
			logger.Warnw("worker_loop_lock_failed", "job", name, "error", err)
			return
		}
		if !ok {
			logger.Debugw("worker_loop_skip_locked", "job", name)
			return
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				logger.Warnw("worker_loop_unlock_failed", "job", name, "error", err)
			}
		}()
		if err := job(ctx); err != nil {
			logger.Warnw("worker_loop_job_failed", "job", name, "error", err)
		}
	}
	runOnce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}

func intervalOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// asynqLogger 将 asynq 内部日志接入 zap
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { logger.S().Debug(args...) }
func (asynqLogger) Info(args ...interface{}) { logger.S().Info(args...) }
func (asynqLogger) Warn(args ...interface{}) { logger.S().Warn(args...) }
func (asynqLogger) Error(args ...interface{}) { logger.S().Error(args...) }
func (asynqLogger) Fatal(args ...interface{}) { logger.S().Fatal(args...) }
