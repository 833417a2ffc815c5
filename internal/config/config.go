package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/classdues/internal/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Payment   PaymentConfig   `mapstructure:"payment"`
	Stripe    StripeConfig    `mapstructure:"stripe"`
	Fees      FeeConfig       `mapstructure:"fees"`
	Bank      BankConfig      `mapstructure:"bank"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Snowflake SnowflakeConfig `mapstructure:"snowflake"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Ops       OpsConfig       `mapstructure:"ops"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug / release
}

// LogConfig 日志配置
type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Filename   string `mapstructure:"filename"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ToLoggerOptions 转换为 logger 配置
func (c LogConfig) ToLoggerOptions() logger.Options {
	return logger.Options{
		Dir:        c.Dir,
		Filename:   c.Filename,
		Level:      c.Level,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// DatabasePoolConfig 数据库连接池配置
type DatabasePoolConfig struct {
	MaxOpenConns           int `mapstructure:"max_open_conns"`
	MaxIdleConns           int `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeSeconds int `mapstructure:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int `mapstructure:"conn_max_idle_time_seconds"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver string             `mapstructure:"driver"` // 数据库驱动（sqlite/postgres）
	DSN    string             `mapstructure:"dsn"`    // 数据库连接串
	Pool   DatabasePoolConfig `mapstructure:"pool"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// QueueConfig 异步队列配置
type QueueConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	Host        string         `mapstructure:"host"`
	Port        int            `mapstructure:"port"`
	Password    string         `mapstructure:"password"`
	DB          int            `mapstructure:"db"`
	Concurrency int            `mapstructure:"concurrency"`
	Queues      map[string]int `mapstructure:"queues"`
}

// CORSConfig 跨域配置
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// RateLimitConfig 发起支付限流配置
type RateLimitConfig struct {
	WindowSeconds int `mapstructure:"window_seconds"`
	MaxRequests   int `mapstructure:"max_requests"`
}

// PaymentConfig 支付通用配置
type PaymentConfig struct {
	Currency               string `mapstructure:"currency"`
	CheckoutTimeoutMinutes int    `mapstructure:"checkout_timeout_minutes"`
	GatewayTimeoutSeconds  int    `mapstructure:"gateway_timeout_seconds"`
	SuccessURL             string `mapstructure:"success_url"`
	CancelURL              string `mapstructure:"cancel_url"`
}

// CheckoutTimeout 托管收银台有效期
func (c PaymentConfig) CheckoutTimeout() time.Duration {
	if c.CheckoutTimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.CheckoutTimeoutMinutes) * time.Minute
}

// GatewayTimeout 网关调用超时
func (c PaymentConfig) GatewayTimeout() time.Duration {
	if c.GatewayTimeoutSeconds <= 0 {
		return 12 * time.Second
	}
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

// StripeConfig Stripe 配置
type StripeConfig struct {
	SecretKey               string `mapstructure:"secret_key"`
	WebhookSecret           string `mapstructure:"webhook_secret"`
	APIBaseURL              string `mapstructure:"api_base_url"`
	WebhookToleranceSeconds int    `mapstructure:"webhook_tolerance_seconds"`
}

// FeeConfig 月费配置
type FeeConfig struct {
	OnTime   string `mapstructure:"on_time"`
	Late     string `mapstructure:"late"`
	Timezone string `mapstructure:"timezone"`
}

// BankConfig 银行转账收款信息
type BankConfig struct {
	Name          string `mapstructure:"name"`
	AccountNumber string `mapstructure:"account_number"`
	AccountName   string `mapstructure:"account_name"`
}

// LedgerConfig 外部账本配置
type LedgerConfig struct {
	Driver         string             `mapstructure:"driver"` // sheets / csv
	TimeoutSeconds int                `mapstructure:"timeout_seconds"`
	Sheets         SheetsLedgerConfig `mapstructure:"sheets"`
	CSV            CSVLedgerConfig    `mapstructure:"csv"`
}

// Timeout 账本调用超时
func (c LedgerConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SheetsLedgerConfig Google Sheets 账本配置
type SheetsLedgerConfig struct {
	SpreadsheetID string `mapstructure:"spreadsheet_id"`
	SheetName     string `mapstructure:"sheet_name"`
	LogSheetName  string `mapstructure:"log_sheet_name"`
	FirstRow      int    `mapstructure:"first_row"`
	ClientEmail   string `mapstructure:"client_email"`
	PrivateKey    string `mapstructure:"private_key"`
	TokenURL      string `mapstructure:"token_url"`
	APIBaseURL    string `mapstructure:"api_base_url"`
}

// CSVLedgerConfig 本地 CSV 账本配置
type CSVLedgerConfig struct {
	RosterPath string `mapstructure:"roster_path"`
	LogPath    string `mapstructure:"log_path"`
}

// ReconcileConfig 对账重试配置
type ReconcileConfig struct {
	MaxAttempts         int `mapstructure:"max_attempts"`
	RetryDelaySeconds   int `mapstructure:"retry_delay_seconds"`
	ClaimTimeoutSeconds int `mapstructure:"claim_timeout_seconds"`
	ScanIntervalSeconds int `mapstructure:"scan_interval_seconds"`
}

// SweeperConfig 过期扫描配置
type SweeperConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	BatchSize       int `mapstructure:"batch_size"`
}

// SnowflakeConfig 参考号生成节点配置
type SnowflakeConfig struct {
	Node int64 `mapstructure:"node"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// OpsConfig 运维接口鉴权配置
type OpsConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

// Load 从 config.yml 加载配置
func Load() *Config {
	// .env 仅用于本地开发，缺失时忽略
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../")   // 如果从 cmd/server 运行
	viper.AddConfigPath("./etc") // etc 文件夹

	setDefaults(viper.GetViper())

	// 环境变量支持（例如 stripe.secret_key -> STRIPE_SECRET_KEY）
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		logger.Warnw("config_file_read_failed",
			"error", err,
			"fallback", "env_or_defaults",
		)
	} else {
		logger.Infow("config_file_loaded", "file", viper.ConfigFileUsed())
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		logger.Errorw("config_unmarshal_failed", "error", err)
		panic(fmt.Errorf("配置解析失败: %w", err))
	}
	// 私钥常以单行环境变量注入
	cfg.Ledger.Sheets.PrivateKey = strings.ReplaceAll(cfg.Ledger.Sheets.PrivateKey, `\n`, "\n")

	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.filename", "classdues.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./db/classdues.db")
	v.SetDefault("database.pool.max_open_conns", 1)
	v.SetDefault("database.pool.max_idle_conns", 1)
	v.SetDefault("database.pool.conn_max_lifetime_seconds", 0)
	v.SetDefault("database.pool.conn_max_idle_time_seconds", 0)
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "cd")
	v.SetDefault("queue.enabled", true)
	v.SetDefault("queue.host", "127.0.0.1")
	v.SetDefault("queue.port", 6379)
	v.SetDefault("queue.password", "")
	v.SetDefault("queue.db", 1)
	v.SetDefault("queue.concurrency", 5)
	v.SetDefault("queue.queues", map[string]int{
		"default":  5,
		"critical": 10,
	})
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		"Cache-Control",
		"X-Requested-With",
		"X-Request-ID",
	})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age", 600)
	v.SetDefault("rate_limit.window_seconds", 60)
	v.SetDefault("rate_limit.max_requests", 10)
	v.SetDefault("payment.currency", "THB")
	v.SetDefault("payment.checkout_timeout_minutes", 30)
	v.SetDefault("payment.gateway_timeout_seconds", 12)
	v.SetDefault("payment.success_url", "http://localhost:3000/payment/success?session_id={CHECKOUT_SESSION_ID}")
	v.SetDefault("payment.cancel_url", "http://localhost:3000/")
	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.api_base_url", "https://api.stripe.com")
	v.SetDefault("stripe.webhook_tolerance_seconds", 300)
	v.SetDefault("fees.on_time", "10.00")
	v.SetDefault("fees.late", "80.00")
	v.SetDefault("fees.timezone", "Asia/Bangkok")
	v.SetDefault("bank.name", "")
	v.SetDefault("bank.account_number", "")
	v.SetDefault("bank.account_name", "")
	v.SetDefault("ledger.driver", "csv")
	v.SetDefault("ledger.timeout_seconds", 15)
	v.SetDefault("ledger.sheets.spreadsheet_id", "")
	v.SetDefault("ledger.sheets.sheet_name", "รายชื่อ67")
	v.SetDefault("ledger.sheets.log_sheet_name", "payment_log")
	v.SetDefault("ledger.sheets.first_row", 6)
	v.SetDefault("ledger.sheets.client_email", "")
	v.SetDefault("ledger.sheets.private_key", "")
	v.SetDefault("ledger.sheets.token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("ledger.sheets.api_base_url", "https://sheets.googleapis.com")
	v.SetDefault("ledger.csv.roster_path", "./data/roster.csv")
	v.SetDefault("ledger.csv.log_path", "./data/payment_log.csv")
	v.SetDefault("reconcile.max_attempts", 8)
	v.SetDefault("reconcile.retry_delay_seconds", 30)
	v.SetDefault("reconcile.claim_timeout_seconds", 600)
	v.SetDefault("reconcile.scan_interval_seconds", 120)
	v.SetDefault("sweeper.interval_seconds", 60)
	v.SetDefault("sweeper.batch_size", 100)
	v.SetDefault("snowflake.node", 1)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("ops.jwt_secret", "")
	v.SetDefault("ops.expire_hours", 12)
}
