package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"boxoffice/internal/auth"
)

// Router assembles the HTTP surface. Everything except the health check sits
// behind the bearer-token middleware.
func (h *Handler) Router(jwtSecret string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(jwtSecret))

		r.Post("/orders", h.CreateOrder)
		r.Post("/price_calc", h.PriceCalc)
		r.Get("/events/{eventID}/orders", h.ListOrders)
		r.Get("/events/{eventID}/quotas/availability", h.QuotaAvailability)

		r.Route("/orders/{orderID}", func(r chi.Router) {
			r.Get("/", h.GetOrder)
			r.Get("/audit", h.AuditTrail)

			r.Post("/mark_paid", h.MarkPaid)
			r.Post("/mark_pending", h.MarkPending)
			r.Post("/mark_expired", h.MarkExpired)
			r.Post("/mark_canceled", h.MarkCanceled)
			r.Post("/mark_refunded", h.MarkRefunded)
			r.Post("/approve", h.Approve)
			r.Post("/deny", h.Deny)
			r.Post("/extend", h.Extend)
			r.Post("/reactivate", h.Reactivate)
			r.Post("/change", h.ChangeOrder)
			r.Post("/regenerate_secrets", h.RegenerateSecrets)

			r.Post("/invoices", h.CreateInvoice)
			r.Get("/invoices", h.ListInvoices)
			r.Post("/invoices/{invoiceID}/cancel", h.CancelInvoice)

			r.Get("/positions/{positionID}/download", h.DownloadTicket)
			r.Post("/positions/{positionID}/block", h.BlockPosition)
			r.Post("/positions/{positionID}/unblock", h.UnblockPosition)

			r.Post("/payments", h.CreatePayment)
			r.Post("/payments/{localID}/confirm", h.ConfirmPayment)
			r.Post("/payments/{localID}/cancel", h.CancelPayment)
			r.Post("/payments/{localID}/refund", h.CreateRefund)

			r.Post("/refunds/{localID}/process", h.ProcessRefund)
			r.Post("/refunds/{localID}/done", h.DoneRefund)
			r.Post("/refunds/{localID}/cancel", h.CancelRefund)
		})
	})

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.Log.LogAPI(r.Method, r.URL.Path, strconv.Itoa(ww.Status()), time.Since(start).String())
	})
}
