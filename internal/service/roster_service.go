package service

import (
	"context"
	"time"

	"github.com/classdues/internal/ledger"
	"github.com/classdues/internal/logger"
	"github.com/classdues/internal/metrics"
)

// RosterService 名单查询，直接读取外部账本
type RosterService struct {
	ledger  ledger.Client
	timeout time.Duration
	metrics *metrics.PaymentMetrics
}

// NewRosterService 创建名单服务
func NewRosterService(client ledger.Client, timeout time.Duration, m *metrics.PaymentMetrics) *RosterService {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RosterService{ledger: client, timeout: timeout, metrics: m}
}

// List 返回名单
func (s *RosterService) List(ctx context.Context) ([]ledger.RosterEntry, error) {
	if s.ledger == nil {
		return nil, ErrLedgerUnavailable
	}
	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	started := time.Now()
	entries, err := s.ledger.Roster(callCtx)
	s.metrics.ObserveLedger("roster", started, err)
	if err != nil {
		logger.Warnw("roster_fetch_failed", "error", err)
		return nil, mapLedgerError(err)
	}
	return entries, nil
}

// Lookup 按学号查找名单行
func (s *RosterService) Lookup(ctx context.Context, studentID string) (*ledger.RosterEntry, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].StudentID == studentID {
			return &entries[i], nil
		}
	}
	return nil, ErrStudentNotFound
}
