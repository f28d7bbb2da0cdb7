package domain

// ChargeStatus внутренний статус платежа (charge).
// Словарь единый для всех провайдеров: уведомления любого шлюза
// сначала маппятся в эти значения, и только потом применяются.
type ChargeStatus string

const (
	ChargeCreated             ChargeStatus = "CREATED"
	ChargeEnteringCardDetails ChargeStatus = "ENTERING_CARD_DETAILS"
	ChargeAuthorisationReady  ChargeStatus = "AUTHORISATION_READY"
	ChargeAuthorisationSuccess  ChargeStatus = "AUTHORISATION_SUCCESS"
	ChargeAuthorisationRejected ChargeStatus = "AUTHORISATION_REJECTED"
	ChargeAuthorisationError    ChargeStatus = "AUTHORISATION_ERROR"
	ChargeCaptureApproved      ChargeStatus = "CAPTURE_APPROVED"
	ChargeCaptureApprovedRetry ChargeStatus = "CAPTURE_APPROVED_RETRY"
	ChargeCaptureReady         ChargeStatus = "CAPTURE_READY"
	ChargeCaptureSubmitted     ChargeStatus = "CAPTURE_SUBMITTED"
	ChargeCaptured             ChargeStatus = "CAPTURED"
	ChargeCaptureError         ChargeStatus = "CAPTURE_ERROR"
	ChargeExpireCancelReady ChargeStatus = "EXPIRE_CANCEL_READY"
	ChargeExpired           ChargeStatus = "EXPIRED"
	ChargeUserCancelReady   ChargeStatus = "USER_CANCEL_READY"
	ChargeUserCancelled     ChargeStatus = "USER_CANCELLED"
	ChargeSystemCancelReady ChargeStatus = "SYSTEM_CANCEL_READY"
	ChargeSystemCancelled   ChargeStatus = "SYSTEM_CANCELLED"
)

// RefundStatus внутренний статус возврата
type RefundStatus string

const (
	RefundCreated   RefundStatus = "CREATED"
	RefundSubmitted RefundStatus = "REFUND_SUBMITTED"
	RefundSucceeded RefundStatus = "REFUNDED"
	RefundError     RefundStatus = "REFUND_ERROR"
)

// AllowedChargeTransitions таблица легальных переходов charge.
// Ключ — текущий статус, значение — список допустимых целевых статусов.
// Пустой список = терминальный статус.
var AllowedChargeTransitions = map[ChargeStatus][]ChargeStatus{
	ChargeCreated: {
		ChargeEnteringCardDetails,
		ChargeExpireCancelReady,
		ChargeSystemCancelReady,
	},
	ChargeEnteringCardDetails: {
		ChargeAuthorisationReady,
		ChargeExpireCancelReady,
		ChargeUserCancelReady,
		ChargeSystemCancelReady,
	},
	ChargeAuthorisationReady: {
		ChargeAuthorisationSuccess,
		ChargeAuthorisationRejected,
		ChargeAuthorisationError,
	},
	ChargeAuthorisationSuccess: {
		ChargeCaptureApproved,
		ChargeCaptureReady,
		ChargeExpireCancelReady,
		ChargeUserCancelReady,
		ChargeSystemCancelReady,
	},
	ChargeCaptureApproved: {
		ChargeCaptureReady,
		ChargeCaptureError,
	},
	ChargeCaptureApprovedRetry: {
		ChargeCaptureReady,
		ChargeCaptureError,
	},
	ChargeCaptureReady: {
		ChargeCaptureSubmitted,
		ChargeCaptureApprovedRetry,
		ChargeCaptureError,
	},
	ChargeCaptureSubmitted: {
		ChargeCaptured,
	},
	ChargeExpireCancelReady: {
		ChargeExpired,
	},
	ChargeUserCancelReady: {
		ChargeUserCancelled,
	},
	ChargeSystemCancelReady: {
		ChargeSystemCancelled,
	},
	// терминальные
	ChargeAuthorisationRejected: {},
	ChargeAuthorisationError:    {},
	ChargeCaptured:              {},
	ChargeCaptureError:          {},
	ChargeExpired:               {},
	ChargeUserCancelled:         {},
	ChargeSystemCancelled:       {},
}

// AllowedRefundTransitions таблица легальных переходов refund
var AllowedRefundTransitions = map[RefundStatus][]RefundStatus{
	RefundCreated:   {RefundSubmitted, RefundError},
	RefundSubmitted: {RefundSucceeded, RefundError},
	RefundSucceeded: {},
	RefundError:     {},
}

// Легальные исходные статусы для операции захвата (capture).
// CAPTURE_READY — locking статус самой попытки.
var CaptureLegalStates = []ChargeStatus{
	ChargeAuthorisationSuccess,
	ChargeCaptureApproved,
	ChargeCaptureApprovedRetry,
}

// Легальные исходные статусы для одобрения захвата, lock — CAPTURE_APPROVED.
// Повторное одобрение уже одобренного charge — OperationInProgress, не успех.
var ApproveCaptureLegalStates = []ChargeStatus{
	ChargeAuthorisationSuccess,
}

// Легальные исходные статусы для авторизации, lock — AUTHORISATION_READY
var AuthoriseLegalStates = []ChargeStatus{
	ChargeEnteringCardDetails,
}

// Легальные исходные статусы для экспирации, lock — EXPIRE_CANCEL_READY
var ExpireLegalStates = []ChargeStatus{
	ChargeCreated,
	ChargeEnteringCardDetails,
	ChargeAuthorisationSuccess,
}

// In сообщает, входит ли статус в набор
func (s ChargeStatus) In(statuses ...ChargeStatus) bool {
	for _, candidate := range statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// IsTerminal сообщает, терминален ли статус (дальнейшие переходы запрещены)
func (s ChargeStatus) IsTerminal() bool {
	targets, ok := AllowedChargeTransitions[s]
	return ok && len(targets) == 0
}

// CanTransitionTo проверяет переход по таблице AllowedChargeTransitions
func (s ChargeStatus) CanTransitionTo(target ChargeStatus) bool {
	for _, candidate := range AllowedChargeTransitions[s] {
		if candidate == target {
			return true
		}
	}
	return false
}

// LegalSourcesFor возвращает статусы, из которых разрешён переход в target.
// Используется пайплайном уведомлений: легальный from-набор выводится из таблицы,
// а не задаётся в месте вызова.
func LegalSourcesFor(target ChargeStatus) []ChargeStatus {
	var sources []ChargeStatus
	for from, targets := range AllowedChargeTransitions {
		for _, candidate := range targets {
			if candidate == target {
				sources = append(sources, from)
				break
			}
		}
	}
	return sources
}

// In сообщает, входит ли статус возврата в набор
func (s RefundStatus) In(statuses ...RefundStatus) bool {
	for _, candidate := range statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// CanTransitionTo проверяет переход по таблице AllowedRefundTransitions
func (s RefundStatus) CanTransitionTo(target RefundStatus) bool {
	for _, candidate := range AllowedRefundTransitions[s] {
		if candidate == target {
			return true
		}
	}
	return false
}

// RefundLegalSourcesFor возвращает статусы, из которых разрешён переход в target
func RefundLegalSourcesFor(target RefundStatus) []RefundStatus {
	var sources []RefundStatus
	for from, targets := range AllowedRefundTransitions {
		for _, candidate := range targets {
			if candidate == target {
				sources = append(sources, from)
				break
			}
		}
	}
	return sources
}
