package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/shestoi/cardflow/internal/domain"
)

// ResourceType тип ресурса, к которому относится событие
type ResourceType string

const (
	ResourcePayment ResourceType = "payment"
	ResourceRefund  ResourceType = "refund"
)

// Типы доменных событий, производных от переходов статусов
const (
	TypeAuthorisationSucceeded   = "AUTHORISATION_SUCCEEDED"
	TypeAuthorisationRejected    = "AUTHORISATION_REJECTED"
	TypeAuthorisationErrored     = "AUTHORISATION_ERRORED"
	TypeCaptureSubmitted         = "CAPTURE_SUBMITTED"
	TypeCaptureConfirmed         = "CAPTURE_CONFIRMED"
	TypeCaptureErrored           = "CAPTURE_ERRORED"
	TypeCaptureAbandoned         = "CAPTURE_ABANDONED_AFTER_TOO_MANY_RETRIES"
	TypePaymentExpired           = "PAYMENT_EXPIRED"
	TypeCancelledByUser          = "CANCELLED_BY_USER"
	TypeCancelledByService       = "CANCELLED_BY_SERVICE"
	TypeRefundCreated            = "REFUND_CREATED"
	TypeRefundSubmitted          = "REFUND_SUBMITTED"
	TypeRefundSucceeded          = "REFUND_SUCCEEDED"
	TypeRefundError              = "REFUND_ERROR"
	TypeRefundAvailabilityUpdate = "REFUND_AVAILABILITY_UPDATED"
)

// Details снимок состояния ресурса на момент события
type Details struct {
	Amount                int64  `json:"amount,omitempty"`
	Status                string `json:"status,omitempty"`
	GatewayName           string `json:"gateway_name,omitempty"`
	GatewayTransactionID  string `json:"gateway_transaction_id,omitempty"`
	Reference             string `json:"reference,omitempty"`
	RefundAvailability    string `json:"refund_availability,omitempty"`
	RefundAmountAvailable int64  `json:"refund_amount_available,omitempty"`
}

// Event доменное событие для внешних потребителей. События — производные
// от переходов: источник истины всегда строки charges/refunds, событие
// лишь проекция перехода.
type Event struct {
	ID                       string       `json:"id"`
	ResourceType             ResourceType `json:"resource_type"`
	ResourceExternalID       string       `json:"resource_external_id"`
	ParentResourceExternalID string       `json:"parent_resource_external_id,omitempty"`
	Type                     string       `json:"event_type"`
	Timestamp                time.Time    `json:"timestamp"`
	Details                  Details      `json:"event_details"`
}

// New создаёт событие с новым id и отметкой времени в UTC
func New(resourceType ResourceType, resourceID, parentID, eventType string, occurredAt time.Time, details Details) Event {
	return Event{
		ID:                       uuid.NewString(),
		ResourceType:             resourceType,
		ResourceExternalID:       resourceID,
		ParentResourceExternalID: parentID,
		Type:                     eventType,
		Timestamp:                occurredAt.UTC(),
		Details:                  details,
	}
}

// chargeEventTypes маппинг значимых статусов платежа в тип события.
// Статусы вне маппинга событий не порождают.
var chargeEventTypes = map[domain.ChargeStatus]string{
	domain.ChargeAuthorisationSuccess:  TypeAuthorisationSucceeded,
	domain.ChargeAuthorisationRejected: TypeAuthorisationRejected,
	domain.ChargeAuthorisationError:    TypeAuthorisationErrored,
	domain.ChargeCaptureSubmitted:      TypeCaptureSubmitted,
	domain.ChargeCaptured:              TypeCaptureConfirmed,
	domain.ChargeCaptureError:          TypeCaptureErrored,
	domain.ChargeExpired:               TypePaymentExpired,
	domain.ChargeUserCancelled:         TypeCancelledByUser,
	domain.ChargeSystemCancelled:       TypeCancelledByService,
}

// refundEventTypes маппинг статусов возврата в тип события
var refundEventTypes = map[domain.RefundStatus]string{
	domain.RefundCreated:   TypeRefundCreated,
	domain.RefundSubmitted: TypeRefundSubmitted,
	domain.RefundSucceeded: TypeRefundSucceeded,
	domain.RefundError:     TypeRefundError,
}
