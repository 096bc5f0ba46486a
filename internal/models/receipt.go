package models

import "time"

// Receipt is the durable proof of a base book purchase (not a print order).
// stripe_payment_intent_id is globally unique; a duplicate create merges into
// the existing row instead of erroring.
type Receipt struct {
	ID                    string        `json:"id"`
	UserID                string        `json:"user_id"`
	BookID                string        `json:"book_id"`
	ReferenceCode         string        `json:"reference_code"`
	StripePaymentIntentID string        `json:"stripe_payment_intent_id"`
	Amount                float64       `json:"amount"`
	Currency              string        `json:"currency"`
	Status                PaymentStatus `json:"status"`
	ReceiptURL            string        `json:"receipt_url,omitempty"`

	// Denormalized snapshot for historical display; survives later edits to
	// the book or user record.
	BookTitle string `json:"book_title"`
	ChildName string `json:"child_name"`
	UserEmail string `json:"user_email"`

	RefundedAmount float64    `json:"refunded_amount,omitempty"`
	RefundReason   string     `json:"refund_reason,omitempty"`
	RefundedAt     *time.Time `json:"refunded_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
