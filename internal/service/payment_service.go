package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/classdues/internal/clock"
	"github.com/classdues/internal/config"
	"github.com/classdues/internal/constants"
	"github.com/classdues/internal/ledger"
	"github.com/classdues/internal/logger"
	"github.com/classdues/internal/metrics"
	"github.com/classdues/internal/models"
	"github.com/classdues/internal/payment/stripe"
	"github.com/classdues/internal/queue"
	"github.com/classdues/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxStudentIDLength = 64

// ReconcileQueue 对账重试任务投递
type ReconcileQueue interface {
	EnqueuePaymentReconcile(payload queue.PaymentReconcilePayload, delay time.Duration) error
}

// PaymentServiceOptions 支付服务依赖
type PaymentServiceOptions struct {
	DB             *gorm.DB
	PaymentRepo    repository.PaymentRepository
	SettlementRepo repository.SettlementRepository
	EventRepo      repository.PaymentEventRepository
	Gateway        PaymentGateway
	Ledger         ledger.Client
	Queue          ReconcileQueue
	Fees           *FeePolicy
	References     *ReferenceGenerator
	Clock          clock.Clock
	Metrics        *metrics.PaymentMetrics
	Payment        config.PaymentConfig
	Bank           config.BankConfig
	Reconcile      config.ReconcileConfig
	LedgerTimeout  time.Duration
}

// PaymentService 班费支付编排服务
type PaymentService struct {
	db             *gorm.DB
	paymentRepo    repository.PaymentRepository
	settlementRepo repository.SettlementRepository
	eventRepo      repository.PaymentEventRepository
	gateway        PaymentGateway
	ledger         ledger.Client
	queue          ReconcileQueue
	fees           *FeePolicy
	references     *ReferenceGenerator
	clock          clock.Clock
	metrics        *metrics.PaymentMetrics
	paymentCfg     config.PaymentConfig
	bankCfg        config.BankConfig
	reconcileCfg   config.ReconcileConfig
	ledgerTimeout  time.Duration
}

// NewPaymentService 创建支付服务
func NewPaymentService(opts PaymentServiceOptions) *PaymentService {
	svcClock := opts.Clock
	if svcClock == nil {
		svcClock = clock.System{}
	}
	ledgerTimeout := opts.LedgerTimeout
	if ledgerTimeout <= 0 {
		ledgerTimeout = 15 * time.Second
	}
	currency := strings.ToUpper(strings.TrimSpace(opts.Payment.Currency))
	if currency == "" {
		currency = "THB"
	}
	opts.Payment.Currency = currency
	return &PaymentService{
		db:             opts.DB,
		paymentRepo:    opts.PaymentRepo,
		settlementRepo: opts.SettlementRepo,
		eventRepo:      opts.EventRepo,
		gateway:        opts.Gateway,
		ledger:         opts.Ledger,
		queue:          opts.Queue,
		fees:           opts.Fees,
		references:     opts.References,
		clock:          svcClock,
		metrics:        opts.Metrics,
		paymentCfg:     opts.Payment,
		bankCfg:        opts.Bank,
		reconcileCfg:   opts.Reconcile,
		ledgerTimeout:  ledgerTimeout,
	}
}

// InitiateInput 发起支付请求
type InitiateInput struct {
	StudentID string
	Month     int
	Year      int
	Method    string
	ClientIP  string
	Context   context.Context
}

// BankInstructions 银行转账说明
type BankInstructions struct {
	BankName      string       `json:"bank_name"`
	AccountNumber string       `json:"account_number"`
	AccountName   string       `json:"account_name"`
	Reference     string       `json:"reference"`
	Amount        models.Money `json:"amount"`
	Currency      string       `json:"currency"`
}

// InitiateResult 发起支付结果
type InitiateResult struct {
	Payment            *models.Payment
	ProviderSessionID  string
	PayURL             string
	Reference          string
	ManualInstructions *BankInstructions
}

// PaymentDetailResult 支付详情
type PaymentDetailResult struct {
	Payment            *models.Payment
	ManualInstructions *BankInstructions
}

// StatusQuery 支付状态查询
type StatusQuery struct {
	PaymentID string
	SessionID string
	Refresh   bool
}

func paymentLogger(kv ...interface{}) *zap.SugaredLogger {
	if len(kv) == 0 {
		return logger.S()
	}
	return logger.SW(kv...)
}

// now 统一以 UTC 落库，避免 sqlite 文本时间比较受时区影响
func (s *PaymentService) now() time.Time {
	return s.clock.Now().UTC()
}

// Initiate 发起支付：先校验，再创建第三方会话，最后落库
func (s *PaymentService) Initiate(input InitiateInput) (*InitiateResult, error) {
	ctx := input.Context
	if ctx == nil {
		ctx = context.Background()
	}
	studentID := strings.TrimSpace(input.StudentID)
	method := strings.ToLower(strings.TrimSpace(input.Method))
	log := paymentLogger(
		"student_id", studentID,
		"method", method,
		"period_month", input.Month,
		"period_year", input.Year,
		"client_ip", input.ClientIP,
	)

	if err := s.validateInitiate(studentID, method, input.Month, input.Year); err != nil {
		log.Infow("payment_initiate_rejected", "error", err)
		return nil, err
	}
	settled, err := s.settlementRepo.GetByPeriod(studentID, input.Year, input.Month)
	if err != nil {
		log.Errorw("payment_initiate_settlement_lookup_failed", "error", err)
		return nil, ErrPaymentUpdateFailed
	}
	if settled != nil {
		log.Infow("payment_initiate_period_already_paid", "settled_payment_id", settled.PaymentID)
		return nil, ErrPeriodAlreadyPaid
	}
	if err := s.resolveStudent(ctx, studentID); err != nil {
		log.Infow("payment_initiate_student_rejected", "error", err)
		return nil, err
	}

	localNow := s.clock.Now()
	now := localNow.UTC()
	amount := s.fees.Amount(input.Month, input.Year, localNow)
	if !amount.IsPositive() {
		log.Errorw("payment_initiate_amount_invalid", "amount", amount.String())
		return nil, ErrInvalidAmount
	}

	payment := &models.Payment{
		ID:          uuid.NewString(),
		StudentID:   studentID,
		PeriodMonth: input.Month,
		PeriodYear:  input.Year,
		Amount:      models.NewMoneyFromDecimal(amount),
		Currency:    s.paymentCfg.Currency,
		Method:      method,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	log = log.With("payment_id", payment.ID, "amount", payment.Amount.String())

	switch {
	case constants.IsGatewayMethod(method):
		expiresAt := now.Add(s.paymentCfg.CheckoutTimeout())
		session, err := s.createSession(ctx, payment, expiresAt)
		if err != nil {
			log.Warnw("payment_initiate_provider_failed", "error", err)
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		payment.Status = constants.PaymentStatusPending
		payment.ProviderSessionID = session.SessionID
		payment.PayURL = session.URL
		payment.ExpiresAt = &expiresAt
	case method == constants.PaymentMethodBankTransfer:
		payment.Status = constants.PaymentStatusAwaitingVerification
		payment.Reference = s.references.Next(method)
	default:
		payment.Status = constants.PaymentStatusPending
		payment.Reference = s.references.Next(method)
	}

	if err := s.paymentRepo.Create(payment); err != nil {
		log.Errorw("payment_initiate_persist_failed", "error", err)
		if payment.ProviderSessionID != "" {
			s.expireOrphanSession(payment.ProviderSessionID)
		}
		return nil, ErrPaymentUpdateFailed
	}
	s.metrics.PaymentInitiated(method)
	log.Infow("payment_initiate_success",
		"status", payment.Status,
		"provider_session_id", payment.ProviderSessionID,
		"reference", payment.Reference,
	)

	result := &InitiateResult{
		Payment:           payment,
		ProviderSessionID: payment.ProviderSessionID,
		PayURL:            payment.PayURL,
		Reference:         payment.Reference,
	}
	if method == constants.PaymentMethodBankTransfer {
		result.ManualInstructions = s.bankInstructions(payment)
	}
	return result, nil
}

func (s *PaymentService) validateInitiate(studentID, method string, month, year int) error {
	if !constants.IsValidPaymentMethod(method) {
		return ErrInvalidMethod
	}
	if month < 1 || month > 12 || !ledger.HasMonthColumn(month) {
		return ErrInvalidPeriod
	}
	current := s.clock.Now()
	if s.fees != nil && s.fees.Location != nil {
		current = current.In(s.fees.Location)
	}
	if year < current.Year()-1 || year > current.Year()+1 {
		return ErrInvalidPeriod
	}
	if studentID == "" || len(studentID) > maxStudentIDLength {
		return ErrInvalidStudent
	}
	return nil
}

// resolveStudent 确认学号在名单中，账本不可用时拒绝发起
func (s *PaymentService) resolveStudent(ctx context.Context, studentID string) error {
	if s.ledger == nil {
		return ErrLedgerUnavailable
	}
	callCtx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	defer cancel()
	started := time.Now()
	_, err := s.ledger.ResolveRow(callCtx, studentID)
	s.metrics.ObserveLedger("resolve_row", started, err)
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrStudentNotFound) {
		return ErrStudentNotFound
	}
	paymentLogger("student_id", studentID).Warnw("payment_initiate_roster_lookup_failed", "error", err)
	return ErrLedgerUnavailable
}

func (s *PaymentService) createSession(ctx context.Context, payment *models.Payment, expiresAt time.Time) (*stripe.CreateResult, error) {
	if s.gateway == nil {
		return nil, errors.New("payment gateway not configured")
	}
	methodTypes := []string{"card"}
	if payment.Method == constants.PaymentMethodQRTransfer {
		methodTypes = []string{"promptpay"}
	}
	callCtx, cancel := context.WithTimeout(ctx, s.paymentCfg.GatewayTimeout())
	defer cancel()
	started := time.Now()
	result, err := s.gateway.CreateSession(callCtx, stripe.CreateInput{
		PaymentID:          payment.ID,
		StudentID:          payment.StudentID,
		Period:             stripe.Period{Month: payment.PeriodMonth, Year: payment.PeriodYear},
		Amount:             payment.Amount.Decimal,
		Currency:           payment.Currency,
		SuccessURL:         s.paymentCfg.SuccessURL,
		CancelURL:          s.paymentCfg.CancelURL,
		ExpiresAt:          expiresAt,
		PaymentMethodTypes: methodTypes,
	})
	s.metrics.ObserveGateway("create_session", started, err)
	return result, err
}

// expireOrphanSession 落库失败后关闭已创建的会话，失败只记录日志
func (s *PaymentService) expireOrphanSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.paymentCfg.GatewayTimeout())
	defer cancel()
	started := time.Now()
	err := s.gateway.ExpireSession(ctx, sessionID)
	s.metrics.ObserveGateway("expire_session", started, err)
	if err != nil {
		paymentLogger("provider_session_id", sessionID).Warnw("payment_orphan_session_expire_failed", "error", err)
		return
	}
	paymentLogger("provider_session_id", sessionID).Infow("payment_orphan_session_expired")
}

func (s *PaymentService) bankInstructions(payment *models.Payment) *BankInstructions {
	return &BankInstructions{
		BankName:      s.bankCfg.Name,
		AccountNumber: s.bankCfg.AccountNumber,
		AccountName:   s.bankCfg.AccountName,
		Reference:     payment.Reference,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
	}
}

// PaymentDetail 支付详情，银行转账附带转账说明
func (s *PaymentService) PaymentDetail(ctx context.Context, paymentID string) (*PaymentDetailResult, error) {
	payment, err := s.loadPayment(paymentID)
	if err != nil {
		return nil, err
	}
	result := &PaymentDetailResult{Payment: payment}
	if payment.Method == constants.PaymentMethodBankTransfer {
		result.ManualInstructions = s.bankInstructions(payment)
	}
	return result, nil
}

// GetPaymentStatus 查询支付状态，Refresh 时主动向网关确认待支付会话
func (s *PaymentService) GetPaymentStatus(ctx context.Context, query StatusQuery) (*models.Payment, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var payment *models.Payment
	var err error
	switch {
	case strings.TrimSpace(query.PaymentID) != "":
		payment, err = s.paymentRepo.GetByID(query.PaymentID)
	case strings.TrimSpace(query.SessionID) != "":
		payment, err = s.paymentRepo.GetBySessionID(query.SessionID)
	default:
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		paymentLogger("payment_id", query.PaymentID, "provider_session_id", query.SessionID).
			Errorw("payment_status_fetch_failed", "error", err)
		return nil, ErrPaymentUpdateFailed
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	if !query.Refresh || payment.Status != constants.PaymentStatusPending || payment.ProviderSessionID == "" {
		return payment, nil
	}
	return s.refreshFromGateway(ctx, payment)
}

func (s *PaymentService) refreshFromGateway(ctx context.Context, payment *models.Payment) (*models.Payment, error) {
	log := paymentLogger("payment_id", payment.ID, "provider_session_id", payment.ProviderSessionID)
	callCtx, cancel := context.WithTimeout(ctx, s.paymentCfg.GatewayTimeout())
	defer cancel()
	started := time.Now()
	session, err := s.gateway.QuerySession(callCtx, payment.ProviderSessionID)
	s.metrics.ObserveGateway("query_session", started, err)
	if err != nil {
		// 查询失败不影响轮询，返回本地状态
		log.Warnw("payment_status_refresh_failed", "error", err)
		return payment, nil
	}

	switch session.Status {
	case stripe.SessionStatusPaid:
		outcome, err := s.completeGatewayPayment(payment, session.PaymentIntentID, "poll")
		if err != nil {
			return nil, err
		}
		if outcome == completionApplied {
			s.reconcileAfterCommit(ctx, payment.ID)
		}
	case stripe.SessionStatusExpired:
		if _, err := s.transition(payment.ID, []string{constants.PaymentStatusPending}, constants.PaymentStatusExpired, nil, "poll"); err != nil {
			return nil, err
		}
	default:
		return payment, nil
	}
	return s.loadPayment(payment.ID)
}

func (s *PaymentService) loadPayment(paymentID string) (*models.Payment, error) {
	payment, err := s.paymentRepo.GetByID(paymentID)
	if err != nil {
		paymentLogger("payment_id", paymentID).Errorw("payment_fetch_failed", "error", err)
		return nil, ErrPaymentUpdateFailed
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

// ListPayments 支付列表
func (s *PaymentService) ListPayments(filter repository.PaymentListFilter) ([]models.Payment, int64, error) {
	payments, total, err := s.paymentRepo.List(filter)
	if err != nil {
		paymentLogger().Errorw("payment_list_failed", "error", err)
		return nil, 0, ErrPaymentUpdateFailed
	}
	return payments, total, nil
}
