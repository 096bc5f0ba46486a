package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"storyforge/internal/auth"
	"storyforge/internal/books"
	"storyforge/internal/logger"
	"storyforge/internal/models"
	"storyforge/internal/printorder"
	"storyforge/internal/printorder/db"
	"storyforge/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v82"
)

// WebhookVerifier checks gateway webhook signatures.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signature string) (stripe.Event, error)
}

type Handler struct {
	Service     *printorder.Service
	Verifier    WebhookVerifier
	FrontendURL string
	Logger      *logger.Logger
}

func NewHandler(service *printorder.Service, verifier WebhookVerifier, frontendURL string, log *logger.Logger) *Handler {
	return &Handler{
		Service:     service,
		Verifier:    verifier,
		FrontendURL: frontendURL,
		Logger:      log,
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/print-orders", func(r chi.Router) {
		r.Post("/", h.CreatePrintOrder)
		r.Get("/", h.ListPrintOrders)
		r.Get("/options", h.ListServiceOptions)
		r.Get("/payment/success", h.PaymentSuccess)
		r.Get("/payment/cancel", h.PaymentCancel)
		r.Post("/payments/sweep", h.SweepPendingPayments)
		r.Get("/{orderId}", h.GetPrintOrderStatus)
		r.Delete("/{orderId}", h.CancelPrintOrder)
		r.Post("/{orderId}/checkout", h.CreateCheckout)
	})
	r.Post("/api/payment/webhooks/stripe", h.StripeWebhook)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.Logger.Error("API", fmt.Sprintf("Failed to encode response: %v", err))
	}
}

// writeError maps service errors to HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, db.ErrOrderNotFound), errors.Is(err, db.ErrOptionNotFound),
		errors.Is(err, db.ErrPaymentNotFound), errors.Is(err, books.ErrBookNotFound),
		errors.Is(err, printorder.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, printorder.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, printorder.ErrBookNotPaid), errors.Is(err, printorder.ErrAlreadyPaid):
		status = http.StatusConflict
	case errors.Is(err, printorder.ErrServiceOptionIncompatible),
		errors.Is(err, printorder.ErrInvalidShippingLevel),
		errors.Is(err, printorder.ErrInvalidQuantity),
		errors.Is(err, printorder.ErrMissingCost):
		status = http.StatusUnprocessableEntity
	}
	h.writeJSON(w, status, utils.ErrorResponse(message, err.Error()))
}

func (h *Handler) CreatePrintOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserIDFromRequest(r)
	if err != nil {
		h.writeJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Unauthorized", err.Error()))
		return
	}

	var req models.CreatePrintOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	h.Logger.Info("API", fmt.Sprintf("CreatePrintOrder: book=%s option=%s", req.PersonalizedBookID, req.ServiceOptionID))

	resp, err := h.Service.CreatePrintOrder(r.Context(), userID, &req)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("CreatePrintOrder failed: %v", err))
		h.writeError(w, "Could not create print order", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, utils.SuccessResponse("Print order created", resp))
}

func (h *Handler) ListPrintOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserIDFromRequest(r)
	if err != nil {
		h.writeJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Unauthorized", err.Error()))
		return
	}

	orders, err := h.Service.ListOrders(r.Context(), userID)
	if err != nil {
		h.writeError(w, "Could not list print orders", err)
		return
	}
	views := make([]*models.PrintOrderView, 0, len(orders))
	for i := range orders {
		views = append(views, orders[i].View())
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Print orders", views))
}

func (h *Handler) ListServiceOptions(w http.ResponseWriter, r *http.Request) {
	options, err := h.Service.ListServiceOptions(r.Context())
	if err != nil {
		h.writeError(w, "Could not list service options", err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Service options", options))
}

func (h *Handler) GetPrintOrderStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserIDFromRequest(r)
	if err != nil {
		h.writeJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Unauthorized", err.Error()))
		return
	}
	orderID := chi.URLParam(r, "orderId")

	view, err := h.Service.GetOrderStatus(r.Context(), userID, orderID)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("GetPrintOrderStatus: %v", err))
		h.writeError(w, "Could not fetch print order", err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Print order status", view))
}

func (h *Handler) CancelPrintOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserIDFromRequest(r)
	if err != nil {
		h.writeJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Unauthorized", err.Error()))
		return
	}
	orderID := chi.URLParam(r, "orderId")
	h.Logger.Info("API", fmt.Sprintf("CancelPrintOrder: orderId=%s", orderID))

	if err := h.Service.CancelOrder(r.Context(), userID, orderID); err != nil {
		h.writeError(w, "Could not cancel print order", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserIDFromRequest(r)
	if err != nil {
		h.writeJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Unauthorized", err.Error()))
		return
	}
	orderID := chi.URLParam(r, "orderId")
	h.Logger.Info("API", fmt.Sprintf("CreateCheckout: orderId=%s", orderID))

	resp, err := h.Service.CreateCheckout(r.Context(), userID, orderID)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("CreateCheckout failed: %v", err))
		h.writeError(w, "Could not create checkout", err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Checkout created", resp))
}

// PaymentSuccess is the browser redirect target after a successful checkout.
// Settlement is idempotent, so this racing the webhook is fine.
func (h *Handler) PaymentSuccess(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		h.writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Missing session_id", "session_id query parameter is required"))
		return
	}
	h.Logger.LogPayment("CALLBACK", sessionID, "Success redirect received")

	payment, _, err := h.Service.HandlePaymentSuccess(r.Context(), sessionID)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("PaymentSuccess: %v", err))
		http.Redirect(w, r, h.FrontendURL+"/print-orders?payment=error", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, fmt.Sprintf("%s/print-orders/%s?payment=success", h.FrontendURL, payment.PrintOrderID), http.StatusSeeOther)
}

func (h *Handler) PaymentCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		h.writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Missing session_id", "session_id query parameter is required"))
		return
	}
	h.Logger.LogPayment("CALLBACK", sessionID, "Cancel redirect received")

	if err := h.Service.HandlePaymentCancel(r.Context(), sessionID); err != nil {
		h.Logger.Error("API", fmt.Sprintf("PaymentCancel: %v", err))
	}
	http.Redirect(w, r, h.FrontendURL+"/print-orders?payment=canceled", http.StatusSeeOther)
}

// StripeWebhook handles asynchronous gateway events for print order payments.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	event, err := h.Verifier.VerifyWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("StripeWebhook: signature verification failed: %v", err))
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			h.Logger.Error("API", fmt.Sprintf("StripeWebhook: failed to parse session: %v", err))
			http.Error(w, "Malformed event payload", http.StatusBadRequest)
			return
		}
		// Only sessions opened by this service carry a print_order_id.
		if session.Metadata["print_order_id"] == "" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if _, _, err := h.Service.HandlePaymentSuccess(r.Context(), session.ID); err != nil {
			h.Logger.Error("API", fmt.Sprintf("StripeWebhook: settlement failed: %v", err))
			http.Error(w, "Webhook processing error", http.StatusInternalServerError)
			return
		}
	case "checkout.session.expired":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			http.Error(w, "Malformed event payload", http.StatusBadRequest)
			return
		}
		if session.Metadata["print_order_id"] != "" {
			if err := h.Service.HandlePaymentCancel(r.Context(), session.ID); err != nil {
				h.Logger.Warn("API", fmt.Sprintf("StripeWebhook: cancel handling failed: %v", err))
			}
		}
	default:
		h.Logger.Debug("API", fmt.Sprintf("StripeWebhook: ignoring event type %s", event.Type))
	}

	w.WriteHeader(http.StatusOK)
}

// SweepPendingPayments triggers the payment reconciliation sweep. Exposed for
// operators and the scheduler sidecar.
func (h *Handler) SweepPendingPayments(w http.ResponseWriter, r *http.Request) {
	h.Logger.Info("API", "SweepPendingPayments: sweep requested")

	result, err := h.Service.ProcessPendingPayments(r.Context())
	if err != nil {
		h.writeError(w, "Sweep failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Sweep complete", result))
}
