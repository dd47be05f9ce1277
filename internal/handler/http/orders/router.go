package orders

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"chainorders/internal/app/lifecycle"
)

func RegisterRoutes(r chi.Router, s lifecycle.Service, adminToken string, l *zap.Logger) {
	handler := NewOrderHandler(s, adminToken, l.With(zap.String("component", "OrderHTTPHandler")))

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", handler.CreateOrder)
		r.Get("/{orderID}", handler.GetOrder)
		r.Get("/vendor/{vendorID}", handler.GetOrdersByVendorID)
		r.Post("/{orderID}/transition", handler.RequestTransition)
		r.Post("/{orderID}/payment", handler.ConfirmPayment)
		r.Post("/{orderID}/complete-external", handler.CompleteExternal)
	})
}
