package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/classdues/internal/cache"
	"github.com/classdues/internal/config"
	adminhandlers "github.com/classdues/internal/http/handlers/admin"
	publichandlers "github.com/classdues/internal/http/handlers/public"
	"github.com/classdues/internal/logger"
	"github.com/classdues/internal/provider"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// initiateRateLimitKey 发起支付按客户端 IP 计数
var initiateRateLimitKey RateLimitKeyFunc = KeyByIP

// SetupRouter 初始化路由
func SetupRouter(cfg *config.Config, c *provider.Container) *gin.Engine {
	log := logger.L
	if log == nil {
		log = logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	}
	r := gin.New()

	publicHandler := publichandlers.New(c)
	opsHandler := adminhandlers.New(c)
	redisPrefix := strings.TrimSpace(cfg.Redis.Prefix)
	if redisPrefix == "" {
		redisPrefix = "cd"
	}
	initiateRule := RateLimitRule{
		Name:          "initiate",
		Prefix:        fmt.Sprintf("%s:rate:initiate", redisPrefix),
		WindowSeconds: cfg.RateLimit.WindowSeconds,
		MaxRequests:   cfg.RateLimit.MaxRequests,
		Message:       "too many payment attempts",
	}

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware(cfg.CORS))

	r.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics.Enabled {
		metricsPath := strings.TrimSpace(cfg.Metrics.Path)
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		r.GET(metricsPath, gin.WrapH(promhttp.Handler()))
	}

	apiV1 := r.Group("/api/v1")
	{
		payments := apiV1.Group("/payments")
		{
			payments.POST("", RateLimitMiddleware(cache.Client(), initiateRule, initiateRateLimitKey, c.Metrics), publicHandler.InitiatePayment)
			payments.POST("/webhook/stripe", publicHandler.StripeWebhook)
			payments.GET("/session/:session_id/status", publicHandler.GetPaymentStatusBySession)
			payments.GET("/:id", publicHandler.GetPayment)
			payments.GET("/:id/status", publicHandler.GetPaymentStatus)
			payments.POST("/:id/wallet/confirm", publicHandler.ConfirmWallet)
		}

		students := apiV1.Group("/students")
		{
			students.GET("", publicHandler.ListStudents)
			students.GET("/:student_id", publicHandler.GetStudent)
		}

		ops := apiV1.Group("/ops")
		ops.Use(OpsAuthMiddleware(c.OpsAuthService))
		{
			ops.GET("/payments", opsHandler.ListPayments)
			ops.GET("/payments/export", opsHandler.ExportPayments)
			ops.POST("/payments/sweep", opsHandler.SweepPayments)
			ops.POST("/payments/reconcile", opsHandler.RetryFailedReconciliations)
			ops.GET("/payments/:id", opsHandler.GetPayment)
			ops.POST("/payments/:id/verify", opsHandler.VerifyBankTransfer)
			ops.POST("/payments/:id/wallet/complete", opsHandler.CompleteWallet)
			ops.POST("/payments/:id/fail", opsHandler.FailPayment)
			ops.POST("/payments/:id/reconcile", opsHandler.RetryReconciliation)
		}
	}

	return r
}
