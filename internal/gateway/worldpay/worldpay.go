package worldpay

import (
	"context"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/gateway"
)

// ProviderName имя провайдера в реестре
const ProviderName = "worldpay"

// bookingDateLayout формат даты события в уведомлениях Worldpay
const bookingDateLayout = "2006-01-02"

// Provider шлюз Worldpay. Уведомления приходят XML-документом
// с одним orderStatusEvent, подпись не используется
type Provider struct{}

// NewProvider создаёт worldpay-провайдер
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

type notificationDocument struct {
	XMLName xml.Name `xml:"paymentService"`
	Notify  struct {
		OrderStatusEvent struct {
			OrderCode string `xml:"orderCode"`
			Reference string `xml:"reference"`
			Payment   struct {
				LastEvent string `xml:"lastEvent"`
			} `xml:"payment"`
			Journal struct {
				BookingDate struct {
					Date string `xml:"date"`
				} `xml:"bookingDate"`
			} `xml:"journal"`
		} `xml:"orderStatusEvent"`
	} `xml:"notify"`
}

func (p *Provider) ParseNotification(payload []byte) ([]gateway.Notification, error) {
	var doc notificationDocument
	if err := xml.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", gateway.ErrMalformedNotification, err.Error())
	}

	event := doc.Notify.OrderStatusEvent

	eventDate := time.Time{}
	if event.Journal.BookingDate.Date != "" {
		parsed, err := time.Parse(bookingDateLayout, event.Journal.BookingDate.Date)
		if err == nil {
			eventDate = parsed
		}
	}

	return []gateway.Notification{
		{
			TransactionID:    event.OrderCode,
			Reference:        event.Reference,
			Status:           event.Payment.LastEvent,
			GatewayEventDate: eventDate,
		},
	}, nil
}

type statusMapper struct{}

func (statusMapper) From(raw string) gateway.InterpretedStatus {
	switch raw {
	case "SENT_FOR_AUTHORISATION", "AUTHORISED", "SETTLED", "SETTLED_BY_MERCHANT":
		return gateway.Ignored()
	case "CAPTURED":
		return gateway.ForCharge(domain.ChargeCaptured)
	case "SENT_FOR_REFUND":
		return gateway.ForRefund(domain.RefundSubmitted)
	case "REFUNDED", "REFUNDED_BY_MERCHANT":
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

// VerifySignature worldpay не подписывает уведомления,
// доверие обеспечивается на сетевом уровне
func (p *Provider) VerifySignature(_ []byte, _ string) error {
	return nil
}

func (p *Provider) ConfirmsCaptureAsync() bool {
	return true
}
