package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentSucceeded  PaymentStatus = "succeeded"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentSuperseded PaymentStatus = "superseded"
)

// PrintOrderPayment records one checkout attempt for a print order. The
// callback_processed flag is the at-most-once guard for vendor submission.
type PrintOrderPayment struct {
	bun.BaseModel `bun:"table:print_order_payments"`

	ID                string        `bun:"id,pk" json:"id"`
	UserID            string        `bun:"user_id,notnull" json:"user_id"`
	PrintOrderID      string        `bun:"print_order_id,notnull" json:"print_order_id"`
	BookID            string        `bun:"book_id,notnull" json:"book_id"`
	CheckoutSessionID string        `bun:"checkout_session_id,unique,notnull" json:"checkout_session_id"`
	PaymentIntentID   string        `bun:"payment_intent_id,nullzero" json:"payment_intent_id,omitempty"`
	Amount            float64       `bun:"amount,notnull" json:"amount"`
	Currency          string        `bun:"currency,notnull" json:"currency"`
	Status            PaymentStatus `bun:"status,notnull" json:"status"`
	CallbackProcessed bool          `bun:"callback_processed,notnull,default:false" json:"callback_processed"`
	ReceiptURL        string        `bun:"receipt_url,nullzero" json:"receipt_url,omitempty"`
	ReceiptRef        string        `bun:"receipt_ref,nullzero" json:"receipt_ref,omitempty"`
	CreatedAt         time.Time     `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt         time.Time     `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}

type CheckoutResponse struct {
	CheckoutSessionID string  `json:"checkout_session_id"`
	CheckoutURL       string  `json:"checkout_url"`
	Amount            float64 `json:"amount"`
	Currency          string  `json:"currency"`
}

// SweepResult summarizes one pass of the pending-payment reconciliation sweep.
type SweepResult struct {
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}

type PaymentEvent struct {
	Type      string    `json:"type"`
	OrderID   string    `json:"order_id"`
	PaymentID string    `json:"payment_id,omitempty"`
	BookID    string    `json:"book_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
