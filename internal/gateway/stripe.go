package gateway

import (
	"errors"
	"fmt"
	"math"

	"storyforge/internal/logger"
	"storyforge/internal/models"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	ErrStripeAPIError         = errors.New("stripe API error")
	ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")
	ErrInvalidSignature       = errors.New("webhook signature verification failed")
	ErrAmountBelowMinimum     = errors.New("amount below gateway minimum")
)

// Stripe enforces a $0.50 minimum charge.
const minimumChargeCents = 50

// StripeGateway wraps the card-payment processor. It holds no local state;
// every call is a round-trip to Stripe.
type StripeGateway struct {
	client        *client.API
	webhookSecret string
	log           *logger.Logger
}

func NewStripeGateway(secretKey, webhookSecret string, log *logger.Logger) (*StripeGateway, error) {
	if secretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY is not set")
		return nil, ErrStripeClientInitFailed
	}

	sc := client.New(secretKey, nil)
	if sc == nil {
		log.Error("STRIPE", "Failed to initialize Stripe client")
		return nil, ErrStripeClientInitFailed
	}

	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeGateway{
		client:        sc,
		webhookSecret: webhookSecret,
		log:           log,
	}, nil
}

// toCents converts major currency units to the smallest unit Stripe expects.
func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// CreateCheckoutSession opens a gateway-hosted checkout flow and returns its
// id and redirect URL.
func (g *StripeGateway) CreateCheckoutSession(req *models.CheckoutSessionRequest) (*models.CheckoutSession, error) {
	amountInCents := toCents(req.Amount)
	if amountInCents < minimumChargeCents {
		g.log.Error("STRIPE", fmt.Sprintf("Rejecting checkout below minimum: %.2f %s", req.Amount, req.Currency))
		return nil, fmt.Errorf("%w: %.2f %s", ErrAmountBelowMinimum, req.Amount, req.Currency)
	}

	quantity := req.Quantity
	if quantity < 1 {
		quantity = 1
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(amountInCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.ProductName),
					},
				},
				Quantity: stripe.Int64(quantity),
			},
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	sess, err := g.client.CheckoutSessions.New(params)
	if err != nil {
		g.log.Error("STRIPE", fmt.Sprintf("Failed to create checkout session: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}

	g.log.LogPayment("CHECKOUT", sess.ID, fmt.Sprintf("Created checkout session for %.2f %s", req.Amount, req.Currency))
	return &models.CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// GetCheckoutSession fetches the current gateway state of a checkout session.
func (g *StripeGateway) GetCheckoutSession(sessionID string) (*models.CheckoutSessionState, error) {
	sess, err := g.client.CheckoutSessions.Get(sessionID, nil)
	if err != nil {
		g.log.Error("STRIPE", fmt.Sprintf("Failed to retrieve checkout session %s: %v", sessionID, err))
		return nil, fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}

	state := &models.CheckoutSessionState{
		ID:            sess.ID,
		Status:        string(sess.Status),
		PaymentStatus: string(sess.PaymentStatus),
		AmountTotal:   float64(sess.AmountTotal) / 100.0,
		Currency:      string(sess.Currency),
		Metadata:      sess.Metadata,
	}
	if sess.PaymentIntent != nil {
		state.PaymentIntentID = sess.PaymentIntent.ID
	}
	return state, nil
}

// ExpireCheckoutSession invalidates an open checkout session so it can no
// longer be paid.
func (g *StripeGateway) ExpireCheckoutSession(sessionID string) error {
	_, err := g.client.CheckoutSessions.Expire(sessionID, &stripe.CheckoutSessionExpireParams{})
	if err != nil {
		g.log.Error("STRIPE", fmt.Sprintf("Failed to expire checkout session %s: %v", sessionID, err))
		return fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}
	g.log.LogPayment("EXPIRE", sessionID, "Checkout session expired")
	return nil
}

// VerifyWebhook checks the stripe-signature header against the raw payload.
func (g *StripeGateway) VerifyWebhook(payload []byte, signature string) (stripe.Event, error) {
	opts := webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, opts)
	if err != nil {
		g.log.Error("STRIPE", fmt.Sprintf("Webhook signature verification failed: %v", err))
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}

// CreateRefund refunds a payment intent. A nil amount refunds in full.
func (g *StripeGateway) CreateRefund(paymentIntentID string, amount *float64, reason string) (*models.RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
	}
	if amount != nil {
		params.Amount = stripe.Int64(toCents(*amount))
	}
	if reason != "" {
		params.Reason = stripe.String(reason)
	}

	refund, err := g.client.Refunds.New(params)
	if err != nil {
		g.log.Error("STRIPE", fmt.Sprintf("Failed to refund payment intent %s: %v", paymentIntentID, err))
		return nil, fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}

	g.log.LogPayment("REFUND", paymentIntentID, fmt.Sprintf("Refund %s created (%d cents)", refund.ID, refund.Amount))
	return &models.RefundResult{
		ID:     refund.ID,
		Amount: float64(refund.Amount) / 100.0,
		Status: string(refund.Status),
	}, nil
}
