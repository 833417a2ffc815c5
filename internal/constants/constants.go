package constants

// 支付状态常量
const (
	PaymentStatusPending              = "pending"
	PaymentStatusAwaitingVerification = "awaiting_verification"
	PaymentStatusProcessing           = "processing"
	PaymentStatusCompleted            = "completed"
	PaymentStatusFailed               = "failed"
	PaymentStatusExpired              = "expired"
)

// 支付方式常量
const (
	PaymentMethodCard         = "card"
	PaymentMethodQRTransfer   = "qr_transfer"
	PaymentMethodBankTransfer = "bank_transfer"
	PaymentMethodWalletA      = "wallet_a"
	PaymentMethodWalletB      = "wallet_b"
)

// 对账标记常量
const (
	ReconcileStatusNone    = ""
	ReconcileStatusClaimed = "claimed"
	ReconcileStatusDone    = "done"
	ReconcileStatusFailed  = "failed"
)

// 支付提供方常量
const (
	PaymentProviderStripe = "stripe"
)

// 支付事件处理结果
const (
	PaymentEventResultApplied   = "applied"
	PaymentEventResultNoop      = "noop"
	PaymentEventResultIgnored   = "ignored"
	PaymentEventResultLateFunds = "late_funds"
	PaymentEventResultRejected  = "rejected"
)

// 失败原因
const (
	FailureReasonPeriodAlreadySettled = "period_already_settled"
	FailureReasonProviderFailed       = "provider_payment_failed"
)

// 参考号前缀
const (
	ReferencePrefixBankTransfer = "BT"
	ReferencePrefixWalletA      = "WA"
	ReferencePrefixWalletB      = "WB"
)

// PaymentTerminalStatuses 终态集合，进入后不再流转
var PaymentTerminalStatuses = []string{
	PaymentStatusCompleted,
	PaymentStatusFailed,
	PaymentStatusExpired,
}

// IsGatewayMethod 判断是否需要创建第三方收银台会话
func IsGatewayMethod(method string) bool {
	return method == PaymentMethodCard || method == PaymentMethodQRTransfer
}

// IsWalletMethod 判断是否为钱包类支付
func IsWalletMethod(method string) bool {
	return method == PaymentMethodWalletA || method == PaymentMethodWalletB
}

// IsValidPaymentMethod 判断支付方式是否受支持
func IsValidPaymentMethod(method string) bool {
	switch method {
	case PaymentMethodCard, PaymentMethodQRTransfer, PaymentMethodBankTransfer, PaymentMethodWalletA, PaymentMethodWalletB:
		return true
	default:
		return false
	}
}

// IsTerminalPaymentStatus 判断是否为终态
func IsTerminalPaymentStatus(status string) bool {
	for _, s := range PaymentTerminalStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// 队列与任务常量
const (
	QueueDefault         = "default"
	QueueCritical        = "critical"
	TaskPaymentReconcile = "payment:reconcile"
	TaskPaymentSweep     = "payment:sweep"
)
