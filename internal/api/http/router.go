package httpapi

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	platformhealth "github.com/shestoi/cardflow/platform/health/http"
	platformobservability "github.com/shestoi/cardflow/platform/observability"
)

// NewRouter создаёт и настраивает HTTP роутер connector-а.
// readiness — функция проверки готовности (например, ping БД): false
// даёт 503 на health endpoint.
func NewRouter(handler *Handler, readiness func() bool, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	// Observability: trace context + span на каждый запрос
	if logger != nil {
		router.Use(platformobservability.HTTPMiddleware("connector", logger))
	}

	router.Route("/v1/api", func(r chi.Router) {
		r.Route("/charges", func(r chi.Router) {
			r.Post("/", handler.PostCharges)
			r.Get("/{id}", handler.GetCharge)
			r.Post("/{id}/capture", handler.PostCapture)
			r.Post("/{id}/cancel", handler.PostCancel)
			r.Post("/{id}/refunds", handler.PostRefunds)
		})
		r.Post("/notifications/{provider}", handler.PostNotification)
	})

	// Health без middleware
	router.Get("/health", platformhealth.Handler(readiness))

	return router
}
