package provider

import (
	"github.com/classdues/internal/cache"
	"github.com/classdues/internal/clock"
	"github.com/classdues/internal/config"
	"github.com/classdues/internal/ledger"
	"github.com/classdues/internal/logger"
	"github.com/classdues/internal/metrics"
	"github.com/classdues/internal/models"
	"github.com/classdues/internal/queue"
	"github.com/classdues/internal/repository"
	"github.com/classdues/internal/service"

	"gorm.io/gorm"
)

// Container 依赖注入容器
type Container struct {
	Config      *config.Config
	DB          *gorm.DB
	QueueClient *queue.Client
	Clock       clock.Clock
	Metrics     *metrics.PaymentMetrics
	Ledger      ledger.Client
	Gateway     service.PaymentGateway

	// Repositories
	PaymentRepo    repository.PaymentRepository
	SettlementRepo repository.SettlementRepository
	EventRepo      repository.PaymentEventRepository

	// Services
	PaymentService *service.PaymentService
	SweeperService *service.SweeperService
	RosterService  *service.RosterService
	OpsAuthService *service.OpsAuthService
}

// NewContainer 初始化容器
func NewContainer(cfg *config.Config) *Container {
	// 初始化缓存
	if err := cache.InitRedis(&cfg.Redis); err != nil {
		logger.Warnw("provider_init_redis_failed", "error", err)
	}

	// 初始化队列客户端
	var queueClient *queue.Client
	if cfg.Queue.Enabled {
		qc, err := queue.NewClient(&cfg.Queue)
		if err != nil {
			logger.Errorw("provider_init_queue_client_failed", "error", err)
		} else {
			queueClient = qc
		}
	}

	c := &Container{
		Config:      cfg,
		QueueClient: queueClient,
		Clock:       clock.System{},
		Metrics:     metrics.Payments(),
	}

	// 1. 初始化外部依赖
	c.initClients()

	// 2. 初始化 Repositories
	c.initRepositories()

	// 3. 初始化 Services
	c.initServices()

	return c
}

func (c *Container) initClients() {
	client, err := ledger.New(ledger.Options{
		Driver: c.Config.Ledger.Driver,
		Sheets: ledger.SheetsConfig{
			SpreadsheetID: c.Config.Ledger.Sheets.SpreadsheetID,
			SheetName:     c.Config.Ledger.Sheets.SheetName,
			LogSheetName:  c.Config.Ledger.Sheets.LogSheetName,
			FirstRow:      c.Config.Ledger.Sheets.FirstRow,
			ClientEmail:   c.Config.Ledger.Sheets.ClientEmail,
			PrivateKey:    c.Config.Ledger.Sheets.PrivateKey,
			TokenURL:      c.Config.Ledger.Sheets.TokenURL,
			APIBaseURL:    c.Config.Ledger.Sheets.APIBaseURL,
		},
		CSV: ledger.CSVConfig{
			RosterPath: c.Config.Ledger.CSV.RosterPath,
			LogPath:    c.Config.Ledger.CSV.LogPath,
		},
	})
	if err != nil {
		// 账本不可用时支付照常完成，对账标记失败后由重扫补写
		logger.Errorw("provider_init_ledger_failed", "driver", c.Config.Ledger.Driver, "error", err)
	} else {
		c.Ledger = client
	}

	c.Gateway = service.NewStripeGateway(c.Config.Stripe, c.Config.Payment.GatewayTimeout())
}

func (c *Container) initRepositories() {
	c.DB = models.DB
	db := c.DB
	c.PaymentRepo = repository.NewPaymentRepository(db)
	c.SettlementRepo = repository.NewSettlementRepository(db)
	c.EventRepo = repository.NewPaymentEventRepository(db)
}

func (c *Container) initServices() {
	fees, err := service.NewFeePolicy(c.Config.Fees)
	if err != nil {
		logger.Errorw("provider_init_fee_policy_failed", "error", err)
		panic(err)
	}
	references, err := service.NewReferenceGenerator(c.Config.Snowflake.Node)
	if err != nil {
		logger.Errorw("provider_init_reference_generator_failed", "error", err)
		panic(err)
	}

	var reconcileQueue service.ReconcileQueue
	if c.QueueClient != nil {
		reconcileQueue = c.QueueClient
	}

	c.PaymentService = service.NewPaymentService(service.PaymentServiceOptions{
		DB:             c.DB,
		PaymentRepo:    c.PaymentRepo,
		SettlementRepo: c.SettlementRepo,
		EventRepo:      c.EventRepo,
		Gateway:        c.Gateway,
		Ledger:         c.Ledger,
		Queue:          reconcileQueue,
		Fees:           fees,
		References:     references,
		Clock:          c.Clock,
		Metrics:        c.Metrics,
		Payment:        c.Config.Payment,
		Bank:           c.Config.Bank,
		Reconcile:      c.Config.Reconcile,
		LedgerTimeout:  c.Config.Ledger.Timeout(),
	})
	c.SweeperService = service.NewSweeperService(c.PaymentRepo, c.Gateway, c.Clock, c.Metrics, c.Config.Sweeper, c.Config.Payment)
	c.RosterService = service.NewRosterService(c.Ledger, c.Config.Ledger.Timeout(), c.Metrics)
	c.OpsAuthService = service.NewOpsAuthService(c.Config.Ops)
	if !c.OpsAuthService.Enabled() {
		logger.Warnw("provider_ops_auth_disabled", "hint", "set ops.jwt_secret to enable /ops endpoints")
	}
}

// Close 释放容器持有的连接
func (c *Container) Close() {
	if c == nil {
		return
	}
	if c.QueueClient != nil {
		if err := c.QueueClient.Close(); err != nil {
			logger.Warnw("provider_close_queue_client_failed", "error", err)
		}
	}
	if err := cache.Close(); err != nil {
		logger.Warnw("provider_close_redis_failed", "error", err)
	}
}
