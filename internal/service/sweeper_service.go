package service

import (
	"context"
	"time"

	"github.com/classdues/internal/clock"
	"github.com/classdues/internal/config"
	"github.com/classdues/internal/constants"
	"github.com/classdues/internal/metrics"
	"github.com/classdues/internal/repository"
)

const defaultSweepBatchSize = 100

// SweeperService 过期支付扫描
type SweeperService struct {
	paymentRepo    repository.PaymentRepository
	gateway        PaymentGateway
	clock          clock.Clock
	metrics        *metrics.PaymentMetrics
	batchSize      int
	gatewayTimeout time.Duration
}

// NewSweeperService 创建过期扫描服务
func NewSweeperService(paymentRepo repository.PaymentRepository, gateway PaymentGateway, c clock.Clock, m *metrics.PaymentMetrics, sweeperCfg config.SweeperConfig, paymentCfg config.PaymentConfig) *SweeperService {
	if c == nil {
		c = clock.System{}
	}
	batchSize := sweeperCfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	return &SweeperService{
		paymentRepo:    paymentRepo,
		gateway:        gateway,
		clock:          c,
		metrics:        m,
		batchSize:      batchSize,
		gatewayTimeout: paymentCfg.GatewayTimeout(),
	}
}

// Sweep 将超过 expiresAt 仍待支付的记录转为 expired，返回实际流转数量
// 先尽力关闭第三方会话，再做条件更新；与完成回调竞争时只有一方生效
func (s *SweeperService) Sweep(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := s.clock.Now().UTC()
	expired := 0
	for {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		payments, err := s.paymentRepo.ListExpiredPending(now, s.batchSize)
		if err != nil {
			paymentLogger().Errorw("payment_sweep_list_failed", "error", err)
			return expired, ErrPaymentUpdateFailed
		}
		if len(payments) == 0 {
			break
		}

		batchExpired := 0
		for i := range payments {
			payment := &payments[i]
			s.cancelSession(ctx, payment.ID, payment.ProviderSessionID)
			ok, err := s.paymentRepo.TransitionStatus(payment.ID,
				[]string{constants.PaymentStatusPending},
				constants.PaymentStatusExpired,
				map[string]interface{}{"updated_at": now},
			)
			if err != nil {
				paymentLogger("payment_id", payment.ID).Errorw("payment_sweep_transition_failed", "error", err)
				continue
			}
			if !ok {
				paymentLogger("payment_id", payment.ID).Infow("payment_sweep_skipped_status_changed")
				continue
			}
			batchExpired++
			s.metrics.Transition(constants.PaymentStatusExpired, "sweeper")
			paymentLogger("payment_id", payment.ID, "student_id", payment.StudentID).Infow("payment_expired")
		}
		expired += batchExpired
		if len(payments) < s.batchSize || batchExpired == 0 {
			break
		}
	}

	s.metrics.SweepExpired(expired)
	if expired > 0 {
		paymentLogger("expired", expired).Infow("payment_sweep_finished")
	}
	return expired, nil
}

func (s *SweeperService) cancelSession(ctx context.Context, paymentID, sessionID string) {
	if sessionID == "" || s.gateway == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	started := time.Now()
	err := s.gateway.ExpireSession(callCtx, sessionID)
	s.metrics.ObserveGateway("expire_session", started, err)
	if err != nil {
		// 会话到期后第三方会自行关闭
		paymentLogger("payment_id", paymentID, "provider_session_id", sessionID).
			Warnw("payment_sweep_session_cancel_failed", "error", err)
	}
}
