package service

import "errors"

// Kind 错误分类
type Kind string

const (
	KindValidation     Kind = "validation"
	KindProvider       Kind = "provider"
	KindNotFound       Kind = "not_found"
	KindSignature      Kind = "signature"
	KindReconciliation Kind = "reconciliation"
	KindInternal       Kind = "internal"
)

// kindError 带分类的哨兵错误
type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string {
	return e.msg
}

func newKindError(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

var (
	ErrInvalidMethod         = newKindError(KindValidation, "invalid payment method")
	ErrInvalidPeriod         = newKindError(KindValidation, "invalid billing period")
	ErrInvalidStudent        = newKindError(KindValidation, "invalid student id")
	ErrPeriodAlreadyPaid     = newKindError(KindValidation, "billing period already paid")
	ErrInvalidAmount         = newKindError(KindValidation, "invalid payment amount")
	ErrPaymentMethodMismatch = newKindError(KindValidation, "payment method does not support this operation")
	ErrPaymentStatusConflict = newKindError(KindValidation, "payment status does not allow this transition")
	ErrInvalidProviderRef    = newKindError(KindValidation, "invalid provider reference")

	ErrProviderUnavailable     = newKindError(KindProvider, "payment provider unavailable")
	ErrProviderResponseInvalid = newKindError(KindProvider, "payment provider response invalid")

	ErrPaymentNotFound = newKindError(KindNotFound, "payment not found")
	ErrStudentNotFound = newKindError(KindNotFound, "student not found")

	ErrWebhookSignatureInvalid = newKindError(KindSignature, "webhook signature invalid")

	ErrReconciliationFailed = newKindError(KindReconciliation, "ledger reconciliation failed")

	ErrPaymentUpdateFailed = newKindError(KindInternal, "payment update failed")
	ErrQueueUnavailable    = newKindError(KindInternal, "queue unavailable")
	ErrLedgerUnavailable   = newKindError(KindInternal, "ledger unavailable")
)

// KindOf 解析错误分类，未知错误归为 internal
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindInternal
}
