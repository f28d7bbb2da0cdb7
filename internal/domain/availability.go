package domain

// RefundAvailability внешняя доступность возврата по charge
type RefundAvailability string

const (
	// RefundAvailabilityPending платёж ещё в полёте, возврат пока невозможен
	RefundAvailabilityPending RefundAvailability = "pending"
	// RefundAvailabilityUnavailable платёж завершился неуспехом, возврат невозможен
	RefundAvailabilityUnavailable RefundAvailability = "unavailable"
	// RefundAvailabilityAvailable захват прошёл, остаток для возврата положительный
	RefundAvailabilityAvailable RefundAvailability = "available"
	// RefundAvailabilityFull вся сумма уже возвращена
	RefundAvailabilityFull RefundAvailability = "full"
)

// Статусы charge, после перехода в которые меняется доступность возврата.
// Для них event factory дополнительно публикует RefundAvailabilityUpdated.
var refundabilityChangingChargeStatuses = []ChargeStatus{
	ChargeCaptured,
	ChargeCaptureError,
	ChargeExpired,
	ChargeUserCancelled,
	ChargeSystemCancelled,
}

// ChangesRefundability сообщает, меняет ли переход charge в этот статус
// доступность возврата
func (s ChargeStatus) ChangesRefundability() bool {
	return s.In(refundabilityChangingChargeStatuses...)
}

// ChangesRefundability для refund: создание, успех и ошибка возврата меняют
// остаток, доступный к возврату; REFUND_SUBMITTED — нет
func (s RefundStatus) ChangesRefundability() bool {
	return s.In(RefundCreated, RefundSucceeded, RefundError)
}

// RefundableAmount возвращает остаток, доступный к возврату.
// refundedAmount — сумма всех не-ошибочных возвратов по charge
func RefundableAmount(c Charge, refundedAmount int64) int64 {
	remaining := c.Amount - refundedAmount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AvailabilityOf вычисляет внешнюю доступность возврата из текущего статуса
// charge и суммы уже сделанных возвратов
func AvailabilityOf(c Charge, refundedAmount int64) RefundAvailability {
	switch {
	case c.HasStatus(ChargeCaptureSubmitted, ChargeCaptured):
		if RefundableAmount(c, refundedAmount) > 0 {
			return RefundAvailabilityAvailable
		}
		return RefundAvailabilityFull
	case c.Status.IsTerminal():
		// терминальный, но не captured — деньги не взяты
		return RefundAvailabilityUnavailable
	default:
		return RefundAvailabilityPending
	}
}
