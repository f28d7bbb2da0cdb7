package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/gateway"
)

// ProviderName имя провайдера в реестре
const ProviderName = "stripe"

// Provider шлюз Stripe. Каждый webhook несёт одно событие и
// подписывается HMAC-SHA256 с shared secret
type Provider struct {
	webhookSecret string
}

// NewProvider создаёт stripe-провайдер с секретом подписи webhook
func NewProvider(webhookSecret string) *Provider {
	return &Provider{webhookSecret: webhookSecret}
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
	return gateway.Result{TransactionID: "re_" + uuid.NewString()}, nil
}

type event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID        string `json:"id"`
			Reference string `json:"reference"`
		} `json:"object"`
	} `json:"data"`
}

func (p *Provider) ParseNotification(payload []byte) ([]gateway.Notification, error) {
	var evt event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %s", gateway.ErrMalformedNotification, err.Error())
	}

	eventDate := time.Time{}
	if evt.Created > 0 {
		eventDate = time.Unix(evt.Created, 0).UTC()
	}

	return []gateway.Notification{
		{
			TransactionID:    evt.Data.Object.ID,
			Reference:        evt.Data.Object.Reference,
			Status:           evt.Type,
			GatewayEventDate: eventDate,
		},
	}, nil
}

type statusMapper struct{}

func (statusMapper) From(raw string) gateway.InterpretedStatus {
	switch raw {
	case "payment_intent.created", "payment_intent.processing", "charge.updated":
		return gateway.Ignored()
	case "charge.captured":
		return gateway.ForCharge(domain.ChargeCaptured)
	case "charge.capture_failed":
		return gateway.ForCharge(domain.ChargeCaptureError)
	case "charge.refund.succeeded":
		return gateway.ForRefund(domain.RefundSucceeded)
	case "charge.refund.failed":
		return gateway.ForRefund(domain.RefundError)
	default:
		return gateway.Unknown()
	}
}

func (p *Provider) StatusMapper() gateway.StatusMapper {
	return statusMapper{}
}

// VerifySignature сверяет hex-encoded HMAC-SHA256 от payload
// с подписью из заголовка webhook
func (p *Provider) VerifySignature(payload []byte, signature string) error {
	mac := hmac.New(sha256.New, []byte(p.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return gateway.ErrSignatureInvalid
	}
	return nil
}

func (p *Provider) ConfirmsCaptureAsync() bool {
	return true
}
