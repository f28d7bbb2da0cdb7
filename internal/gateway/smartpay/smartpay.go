package smartpay

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
const ProviderName = "smartpay"

// eventDateLayout формат даты события в уведомлениях Smartpay
const eventDateLayout = "2006-01-02T15:04:05-07:00"

// Provider шлюз Smartpay. Один webhook несёт батч из нескольких
// notification items, каждый обрабатывается независимо
type Provider struct{}

// NewProvider создаёт smartpay-провайдер
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

func (p *Provider) Refund(_ context.Context, req gateway.RefundRequest) (gateway.Result, error) {
	return gateway.Result{TransactionID: req.GatewayTransactionID}, nil
}

type notificationItem struct {
	EventCode         string `json:"eventCode"`
	Success           string `json:"success"`
	OriginalReference string `json:"originalReference"`
	PspReference      string `json:"pspReference"`
	MerchantReference string `json:"merchantReference"`
	EventDate         string `json:"eventDate"`
}

type notificationBatch struct {
	NotificationItems []struct {
		NotificationRequestItem notificationItem `json:"NotificationRequestItem"`
	} `json:"notificationItems"`
}

func (p *Provider) ParseNotification(payload []byte) ([]gateway.Notification, error) {
	var batch notificationBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, fmt.Errorf("%w: %s", gateway.ErrMalformedNotification, err.Error())
	}

	notifications := make([]gateway.Notification, 0, len(batch.NotificationItems))
	for _, wrapper := range batch.NotificationItems {
		item := wrapper.NotificationRequestItem

		// transaction id захвата живёт в originalReference, для
		// авторизации он пуст и транзакцию идентифицирует pspReference
		transactionID := item.OriginalReference
		if transactionID == "" {
			transactionID = item.PspReference
		}

		eventDate := time.Time{}
		if item.EventDate != "" {
			parsed, err := time.Parse(eventDateLayout, item.EventDate)
			if err == nil {
				eventDate = parsed
			}
		}

		status := item.EventCode
		if item.Success != "true" {
			status = status + "_FAILED"
		}

		notifications = append(notifications, gateway.Notification{
			TransactionID:    transactionID,
			Reference:        item.MerchantReference,
			Status:           status,
			GatewayEventDate: eventDate,
		})
	}

	return notifications, nil
}

type statusMapper struct{}

func (statusMapper) From(raw string) gateway.InterpretedStatus {
	switch raw {
	case "AUTHORISATION", "AUTHORISATION_FAILED", "REPORT_AVAILABLE":
		return gateway.Ignored()
	case "CAPTURE":
		return gateway.ForCharge(domain.ChargeCaptured)
	case "CAPTURE_FAILED":
		return gateway.ForCharge(domain.ChargeCaptureError)
	case "REFUND":
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

// VerifySignature smartpay аутентифицируется basic auth на ingress,
// подпись payload не используется
func (p *Provider) VerifySignature(_ []byte, _ string) error {
	return nil
}

func (p *Provider) ConfirmsCaptureAsync() bool {
	return true
}
