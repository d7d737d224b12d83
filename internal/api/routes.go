package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RequestTimeout bounds every /notifications route except the two that run a
// dispatch pass, which are only bounded by the transport.
const RequestTimeout = 60 * time.Second

// Mount registers the /notifications routes on r. Producer posts go through
// the optional rate limiter and idempotency middleware.
func (h *Handler) Mount(r chi.Router, limiter RateLimiter, idem IdempotencyStore) {
	r.Route("/notifications", func(r chi.Router) {
		r.With(
			NoWriteDeadline(h.logger),
			RateLimitMiddleware(limiter, h.logger, IPKeyFunc),
			IdempotencyMiddleware(idem, h.logger),
		).Post("/events/{clave}", h.CreateEvent)
		r.With(NoWriteDeadline(h.logger)).Post("/{id}/retry", h.RetryNotification)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(RequestTimeout))

			r.Get("/", h.ListNotifications)

			r.Get("/config/{clave}", h.GetConfig)
			r.Put("/config/{clave}", h.SaveConfig)

			r.Get("/transport/status", h.TransportStatus)
			r.Post("/transport/{canal}/reset", h.ResetTransport)
			r.Get("/recipients/{rid}/attempts", h.ListAttempts)

			r.Route("/templates", func(r chi.Router) {
				r.Get("/", h.ListTemplates)
				r.Post("/", h.CreateTemplate)
				r.Post("/preview", h.PreviewTemplate)
				r.Get("/{id}", h.GetTemplate)
				r.Put("/{id}", h.UpdateTemplate)
				r.Delete("/{id}", h.DeleteTemplate)
				r.Post("/{id}/publish", h.PublishTemplate)
				r.Post("/{id}/test", h.TestTemplate)
			})

			r.Get("/{id}", h.GetNotification)
			r.Get("/{id}/recipients", h.ListRecipients)
		})
	})
}
