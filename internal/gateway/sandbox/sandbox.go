package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/gateway"
)

// ProviderName имя провайдера в реестре
const ProviderName = "sandbox"

// Provider тестовый шлюз: все операции успешны, захват подтверждается
// синхронно, без асинхронных уведомлений
type Provider struct{}

// NewProvider создаёт sandbox-провайдер
func NewProvider() *Provider {
	return &Provider{}
}

func (p *Provider) Name() string {
	return ProviderName
}

func (p *Provider) Authorise(_ context.Context, _ gateway.AuthoriseRequest) (gateway.Result, error) {
	return gateway.Result{TransactionID: uuid.NewString()}, nil
}

func (p *Provider) Capture(_ context.Context, req gateway.CaptureRequest) (gateway.Result, error) {
	return gateway.Result{TransactionID: req.GatewayTransactionID}, nil
}

func (p *Provider) Refund(_ context.Context, _ gateway.RefundRequest) (gateway.Result, error) {
	return gateway.Result{TransactionID: uuid.NewString()}, nil
}

type notificationPayload struct {
	TransactionID string    `json:"transaction_id"`
	Reference     string    `json:"reference"`
	Status        string    `json:"status"`
	EventDate     time.Time `json:"event_date"`
}

func (p *Provider) ParseNotification(payload []byte) ([]gateway.Notification, error) {
	var body notificationPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: %s", gateway.ErrMalformedNotification, err.Error())
	}

	return []gateway.Notification{
		{
			TransactionID:    body.TransactionID,
			Reference:        body.Reference,
			Status:           body.Status,
			GatewayEventDate: body.EventDate,
		},
	}, nil
}

type statusMapper struct{}

func (statusMapper) From(raw string) gateway.InterpretedStatus {
	switch raw {
	case "AUTHORISED":
		return gateway.Ignored()
	case "CAPTURED":
		return gateway.ForCharge(domain.ChargeCaptured)
	case "REFUNDED":
		return gateway.ForRefund(domain.RefundSucceeded)
	case "REFUND_FAILED":
		return gateway.ForRefund(domain.RefundError)
	default:
		return gateway.Unknown()
	}
}

func (p *Provider) StatusMapper() gateway.StatusMapper {
	return statusMapper{}
}

// VerifySignature sandbox не подписывает уведомления
func (p *Provider) VerifySignature(_ []byte, _ string) error {
	return nil
}

// ConfirmsCaptureAsync захват в sandbox подтверждается синхронно
func (p *Provider) ConfirmsCaptureAsync() bool {
	return false
}
