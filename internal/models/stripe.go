package models

// CheckoutSessionRequest carries everything the gateway needs to open a
// Stripe-hosted checkout. Amount is in major currency units; the adapter
// converts to cents at the boundary.
type CheckoutSessionRequest struct {
	Amount        float64           `json:"amount"`
	Currency      string            `json:"currency"`
	ProductName   string            `json:"product_name"`
	Quantity      int64             `json:"quantity"`
	CustomerEmail string            `json:"customer_email,omitempty"`
	SuccessURL    string            `json:"success_url"`
	CancelURL     string            `json:"cancel_url"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CheckoutSessionState is the adapter's view of a session fetched back from
// the gateway during callbacks and reconciliation sweeps.
type CheckoutSessionState struct {
	ID              string            `json:"id"`
	Status          string            `json:"status"`         // open | complete | expired | canceled
	PaymentStatus   string            `json:"payment_status"` // paid | unpaid | no_payment_required
	PaymentIntentID string            `json:"payment_intent_id,omitempty"`
	AmountTotal     float64           `json:"amount_total"`
	Currency        string            `json:"currency"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func (s *CheckoutSessionState) Paid() bool {
	return s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required"
}

type RefundResult struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
	Status string  `json:"status"`
}
