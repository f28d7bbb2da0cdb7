package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shestoi/cardflow/internal/domain"
)

// Notification — провайдер-нейтральное уведомление, извлечённое из webhook
// payload. Никогда не персистится: либо маппится в переход, либо отбрасывается.
type Notification struct {
	// TransactionID идентификатор транзакции на стороне шлюза
	TransactionID string
	// Reference ссылка на refund (external id возврата); пустая для charge-уведомлений
	Reference string
	// Status сырой статус в словаре провайдера
	Status string
	// GatewayEventDate момент события на стороне шлюза
	GatewayEventDate time.Time
}

// InterpretedType тип замапленного статуса
type InterpretedType int

const (
	// TypeUnknown статус неизвестен словарю провайдера
	TypeUnknown InterpretedType = iota
	// TypeIgnored статус известен, но не actionable (промежуточный)
	TypeIgnored
	// TypeCharge статус относится к charge
	TypeCharge
	// TypeRefund статус относится к refund
	TypeRefund
)

// InterpretedStatus результат маппинга сырого статуса во внутренний словарь.
// Уведомление относится либо к charge, либо к refund — никогда к обоим.
type InterpretedStatus struct {
	Type         InterpretedType
	ChargeStatus domain.ChargeStatus
	RefundStatus domain.RefundStatus
}

// ForCharge конструирует замапленный charge-статус
func ForCharge(status domain.ChargeStatus) InterpretedStatus {
	return InterpretedStatus{Type: TypeCharge, ChargeStatus: status}
}

// ForRefund конструирует замапленный refund-статус
func ForRefund(status domain.RefundStatus) InterpretedStatus {
	return InterpretedStatus{Type: TypeRefund, RefundStatus: status}
}

// Ignored конструирует неактуальный (промежуточный) статус
func Ignored() InterpretedStatus {
	return InterpretedStatus{Type: TypeIgnored}
}

// Unknown конструирует неизвестный статус
func Unknown() InterpretedStatus {
	return InterpretedStatus{Type: TypeUnknown}
}

// StatusMapper маппит сырой статус провайдера во внутренний словарь
type StatusMapper interface {
	From(raw string) InterpretedStatus
}

// AuthoriseRequest запрос авторизации платежа у шлюза
type AuthoriseRequest struct {
	ChargeExternalID string
	Amount           int64
	CardDetails      domain.CardDetails
}

// CaptureRequest запрос захвата ранее авторизованного платежа
type CaptureRequest struct {
	ChargeExternalID     string
	GatewayTransactionID string
	Amount               int64
}

// RefundRequest запрос возврата по захваченному платежу
type RefundRequest struct {
	RefundExternalID     string
	GatewayTransactionID string
	Amount               int64
}

// Result результат операции шлюза. Ядру важен только исход:
// успех / retryable-ошибка / fatal-ошибка и transaction id
type Result struct {
	TransactionID string
}

// Error ошибка операции шлюза с классом retryable/fatal
type Error struct {
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return e.Message
}

// NewRetryableError создаёт retryable ошибку шлюза (таймаут и т.п.)
func NewRetryableError(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Retryable: true}
}

// NewFatalError создаёт фатальную ошибку шлюза
func NewFatalError(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Retryable: false}
}

// IsRetryable сообщает, является ли ошибка retryable ошибкой шлюза
func IsRetryable(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}
	return false
}

// ErrCardDeclined шлюз отклонил авторизацию карты. Не ошибка системы:
// платёж переходит в AUTHORISATION_REJECTED
var ErrCardDeclined = errors.New("card declined by gateway")

// ErrSignatureInvalid подпись webhook не прошла проверку.
// Фатально для всего вызова webhook: ingress возвращает 401
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// ErrMalformedNotification payload не распарсился.
// Логируется, уведомлений ноль, за границу пайплайна не выбрасывается
var ErrMalformedNotification = errors.New("malformed notification payload")

// Provider — capability-интерфейс одного платёжного шлюза. Пайплайн
// реконсиляции написан один раз против этого интерфейса.
type Provider interface {
	// Name имя провайдера во внутреннем реестре
	Name() string

	// Authorise авторизует платёж у шлюза
	Authorise(ctx context.Context, req AuthoriseRequest) (Result, error)

	// Capture захватывает ранее авторизованный платёж.
	// Ошибка классифицируется через *Error (retryable/fatal)
	Capture(ctx context.Context, req CaptureRequest) (Result, error)

	// Refund инициирует возврат по захваченному платежу
	Refund(ctx context.Context, req RefundRequest) (Result, error)

	// ParseNotification разбирает сырой payload в ноль или больше уведомлений
	ParseNotification(payload []byte) ([]Notification, error)

	// StatusMapper возвращает маппер статусов провайдера
	StatusMapper() StatusMapper

	// VerifySignature проверяет подпись payload. Провайдеры без подписи
	// возвращают nil. Невалидная подпись — ErrSignatureInvalid
	VerifySignature(payload []byte, signature string) error

	// ConfirmsCaptureAsync сообщает, подтверждает ли провайдер захват
	// асинхронным уведомлением. false (sandbox) — CAPTURE_SUBMITTED
	// немедленно каскадируется в CAPTURED
	ConfirmsCaptureAsync() bool
}

// ErrUnknownProvider шлюз с таким именем не зарегистрирован
var ErrUnknownProvider = errors.New("unknown payment provider")

// Providers реестр провайдеров по имени
type Providers struct {
	byName map[string]Provider
}

// NewProviders создаёт реестр из списка провайдеров
func NewProviders(providers ...Provider) *Providers {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Providers{byName: byName}
}

// ByName возвращает провайдера по имени или ErrUnknownProvider
func (p *Providers) ByName(name string) (Provider, error) {
	provider, ok := p.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return provider, nil
}
