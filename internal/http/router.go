package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/health", h.Health)

	r.Route("/api/reservations", func(r chi.Router) {
		r.Post("/", h.CreateReservation)
		r.Post("/validate", h.ValidateAllocation)
		r.Get("/by-ref/{externalRef}", h.GetReservationByRef)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetReservation)
			r.Post("/renew", h.RenewReservation)
			r.Post("/cancel", h.CancelReservation)
			r.Post("/confirm", h.ConfirmReservation)
		})
	})

	r.Get("/api/stock/{itemCode}/{warehouseCode}", h.GetAvailability)

	r.Route("/api/queue", func(r chi.Router) {
		r.Get("/review/{kind}", h.ListRequiringReview)
		r.Get("/{id}", h.GetQueueItem)
		r.Post("/{id}/requeue", h.RequeueItem)
		r.Post("/{id}/abandon", h.AbandonItem)
	})

	return r
}
