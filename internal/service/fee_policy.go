package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/classdues/internal/config"
	"github.com/classdues/internal/models"

	"github.com/shopspring/decimal"
)

const defaultFeeTimezone = "Asia/Bangkok"

// FeePolicy 月费规则：账期月末（含）之前按时费用，之后滞纳费用
type FeePolicy struct {
	OnTimeFee decimal.Decimal
	LateFee   decimal.Decimal
	Location  *time.Location
}

// NewFeePolicy 从配置构建费用规则
func NewFeePolicy(cfg config.FeeConfig) (*FeePolicy, error) {
	onTime, err := models.ParseMoney(defaultString(cfg.OnTime, "10.00"))
	if err != nil {
		return nil, fmt.Errorf("fees.on_time: %w", err)
	}
	late, err := models.ParseMoney(defaultString(cfg.Late, "80.00"))
	if err != nil {
		return nil, fmt.Errorf("fees.late: %w", err)
	}
	loc, err := time.LoadLocation(defaultString(cfg.Timezone, defaultFeeTimezone))
	if err != nil {
		return nil, fmt.Errorf("fees.timezone: %w", err)
	}
	return &FeePolicy{OnTimeFee: onTime.Decimal, LateFee: late.Decimal, Location: loc}, nil
}

// PeriodEnd 账期月份最后一刻
func (p *FeePolicy) PeriodEnd(month, year int) time.Time {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	firstOfNext := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
	return firstOfNext.Add(-time.Nanosecond)
}

// Amount 计算应付金额，now 等于月末时仍按时
func (p *FeePolicy) Amount(month, year int, now time.Time) decimal.Decimal {
	if now.After(p.PeriodEnd(month, year)) {
		return p.LateFee.Round(2)
	}
	return p.OnTimeFee.Round(2)
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
