package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/gateway"
	"github.com/shestoi/cardflow/internal/service"
)

// maxNotificationBody предел размера webhook payload
const maxNotificationBody = 1 << 20 // 1MB

// Handler содержит HTTP-обработчики connector-а.
// Зависит от service слоя, но не знает о деталях реализации
type Handler struct {
	charges       *service.ChargeService
	captures      *service.CaptureService
	refunds       *service.RefundService
	notifications *service.NotificationService
	logger        *zap.Logger
}

// NewHandler создаёт новый HTTP handler
func NewHandler(
	charges *service.ChargeService,
	captures *service.CaptureService,
	refunds *service.RefundService,
	notifications *service.NotificationService,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		charges:       charges,
		captures:      captures,
		refunds:       refunds,
		notifications: notifications,
		logger:        logger,
	}
}

// ChargeRequest представляет HTTP запрос на создание платежа
type ChargeRequest struct {
	Amount           *int64  `json:"amount"`
	GatewayAccountID *string `json:"gateway_account_id"`
	GatewayName      *string `json:"gateway_name"`
	Reference        string  `json:"reference"`
	Description      string  `json:"description"`
	Email            string  `json:"email"`
}

// ChargeResponse представляет HTTP ответ с информацией о платеже
type ChargeResponse struct {
	ExternalID           string    `json:"external_id"`
	Amount               int64     `json:"amount"`
	Status               string    `json:"status"`
	GatewayName          string    `json:"gateway_name"`
	GatewayTransactionID string    `json:"gateway_transaction_id,omitempty"`
	Reference            string    `json:"reference,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// RefundRequest представляет HTTP запрос на возврат
type RefundRequest struct {
	Amount *int64 `json:"amount"`
}

// RefundResponse представляет HTTP ответ с информацией о возврате
type RefundResponse struct {
	ExternalID       string `json:"external_id"`
	ChargeExternalID string `json:"charge_external_id"`
	Amount           int64  `json:"amount"`
	Status           string `json:"status"`
}

// PostCharges обрабатывает POST /v1/api/charges — создание платежа
func (h *Handler) PostCharges(w http.ResponseWriter, r *http.Request) {
	var reqBody ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if reqBody.Amount == nil || *reqBody.Amount <= 0 {
		http.Error(w, "amount must be a positive integer", http.StatusBadRequest)
		return
	}
	if reqBody.GatewayName == nil || *reqBody.GatewayName == "" {
		http.Error(w, "gateway_name is required", http.StatusBadRequest)
		return
	}

	accountID := ""
	if reqBody.GatewayAccountID != nil {
		accountID = *reqBody.GatewayAccountID
	}

	charge, err := h.charges.Create(r.Context(), service.CreateChargeParams{
		Amount:           *reqBody.Amount,
		GatewayAccountID: accountID,
		GatewayName:      *reqBody.GatewayName,
		Reference:        reqBody.Reference,
		Description:      reqBody.Description,
		Email:            reqBody.Email,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, chargeResponse(charge))
}

// GetCharge обрабатывает GET /v1/api/charges/{id}
func (h *Handler) GetCharge(w http.ResponseWriter, r *http.Request) {
	charge, err := h.charges.Find(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, chargeResponse(charge))
}

// PostCapture обрабатывает POST /v1/api/charges/{id}/capture —
// одобрение захвата: платёж уходит в очередь, сам захват асинхронный
func (h *Handler) PostCapture(w http.ResponseWriter, r *http.Request) {
	if err := h.captures.MarkCaptureApproved(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// PostCancel обрабатывает POST /v1/api/charges/{id}/cancel — отмена плательщиком
func (h *Handler) PostCancel(w http.ResponseWriter, r *http.Request) {
	charge, err := h.charges.CancelByUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, chargeResponse(charge))
}

// PostRefunds обрабатывает POST /v1/api/charges/{id}/refunds
func (h *Handler) PostRefunds(w http.ResponseWriter, r *http.Request) {
	var reqBody RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if reqBody.Amount == nil || *reqBody.Amount <= 0 {
		http.Error(w, "amount must be a positive integer", http.StatusBadRequest)
		return
	}

	refund, err := h.refunds.Request(r.Context(), chi.URLParam(r, "id"), *reqBody.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, RefundResponse{
		ExternalID:       refund.ExternalID,
		ChargeExternalID: refund.ChargeExternalID,
		Amount:           refund.Amount,
		Status:           string(refund.Status),
	})
}

// PostNotification обрабатывает POST /v1/api/notifications/{provider} —
// webhook шлюза. Негодные уведомления подтверждаются 200, чтобы шлюз
// не ретраил вечно; 401 только при невалидной подписи
func (h *Handler) PostNotification(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		signature = r.Header.Get("X-Signature")
	}

	err = h.notifications.Handle(r.Context(), providerName, payload, signature)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("[OK]"))
	case errors.Is(err, gateway.ErrSignatureInvalid):
		http.Error(w, "invalid signature", http.StatusUnauthorized)
	case errors.Is(err, gateway.ErrUnknownProvider):
		http.Error(w, "unknown provider", http.StatusNotFound)
	default:
		h.logger.Error("notification handling failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, gateway.ErrUnknownProvider):
		http.Error(w, "unknown gateway", http.StatusBadRequest)
	case errors.Is(err, service.ErrRefundNotAvailable):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrExpired):
		http.Error(w, "charge is expired", http.StatusGone)
	case errors.Is(err, domain.ErrOperationInProgress):
		http.Error(w, "operation already in progress", http.StatusConflict)
	case errors.Is(err, domain.ErrIllegalState):
		http.Error(w, "illegal state for this operation", http.StatusConflict)
	case errors.Is(err, domain.ErrConflict):
		http.Error(w, "conflict, retry later", http.StatusConflict)
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func chargeResponse(charge domain.Charge) ChargeResponse {
	return ChargeResponse{
		ExternalID:           charge.ExternalID,
		Amount:               charge.Amount,
		Status:               string(charge.Status),
		GatewayName:          charge.GatewayName,
		GatewayTransactionID: charge.GatewayTransactionID,
		Reference:            charge.Reference,
		CreatedAt:            charge.CreatedAt,
	}
}
