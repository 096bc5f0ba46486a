package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"storyforge/internal/books"
	"storyforge/internal/logger"
	"storyforge/internal/models"

	"github.com/stripe/stripe-go/v82"
)

var (
	ErrPaymentNotCompleted = errors.New("checkout session is not paid")
	ErrReceiptAccessDenied = errors.New("receipt belongs to another user")
	ErrReceiptMismatch     = errors.New("receipt payload does not match the ledger")
)

type BookStore interface {
	GetBookByID(ctx context.Context, id string) (*models.PersonalizedBook, error)
	MarkPaid(ctx context.Context, bookID, paymentID string, paidAt time.Time) (bool, error)
}

type Gateway interface {
	CreateCheckoutSession(req *models.CheckoutSessionRequest) (*models.CheckoutSession, error)
	GetCheckoutSession(sessionID string) (*models.CheckoutSessionState, error)
	VerifyWebhook(payload []byte, signature string) (stripe.Event, error)
	CreateRefund(paymentIntentID string, amount *float64, reason string) (*models.RefundResult, error)
}

type ReceiptLedger interface {
	Create(receipt *models.Receipt) (*models.Receipt, error)
	GetByReference(referenceCode string) (*models.Receipt, error)
	GetByPaymentIntent(paymentIntentID string) (*models.Receipt, error)
	ListByUser(userID string, limit, offset int) ([]*models.Receipt, error)
	MarkRefunded(referenceCode string, amount float64, reason string) (*models.Receipt, error)
}

type ReceiptRenderer interface {
	GenerateReceiptQR(receipt *models.Receipt) ([]byte, error)
	DecryptPayload(encoded string) (*models.Receipt, error)
}

type EventPublisher interface {
	PublishBookPurchased(book *models.PersonalizedBook, receipt *models.Receipt) error
	PublishReceiptCreated(receipt *models.Receipt) error
}

type Service struct {
	Books    BookStore
	Gateway  Gateway
	Receipts ReceiptLedger
	QR       ReceiptRenderer
	Kafka    EventPublisher
	Log      *logger.Logger

	// CallbackBaseURL is where the gateway redirects the buyer after checkout.
	CallbackBaseURL string
}

func NewService(bookStore BookStore, gateway Gateway, receipts ReceiptLedger, qr ReceiptRenderer, kafka EventPublisher, callbackBaseURL string, log *logger.Logger) *Service {
	return &Service{
		Books:           bookStore,
		Gateway:         gateway,
		Receipts:        receipts,
		QR:              qr,
		Kafka:           kafka,
		CallbackBaseURL: strings.TrimRight(callbackBaseURL, "/"),
		Log:             log,
	}
}

// CreateBookCheckout opens a gateway checkout for the digital book itself.
func (s *Service) CreateBookCheckout(ctx context.Context, userID, bookID, customerEmail string) (*models.CheckoutResponse, error) {
	book, err := s.Books.GetBookByID(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if book.UserID != userID {
		return nil, books.ErrNotBookOwner
	}
	if book.IsPaid {
		return nil, books.ErrAlreadyPaid
	}

	sess, err := s.Gateway.CreateCheckoutSession(&models.CheckoutSessionRequest{
		Amount:        book.Price,
		Currency:      "usd",
		ProductName:   fmt.Sprintf("Personalized book: %s", book.Title),
		Quantity:      1,
		CustomerEmail: customerEmail,
		SuccessURL:    s.CallbackBaseURL + "/api/books/purchase/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     s.CallbackBaseURL + "/api/books/purchase/cancel?session_id={CHECKOUT_SESSION_ID}",
		Metadata: map[string]string{
			"book_id":    book.ID,
			"user_id":    book.UserID,
			"user_email": customerEmail,
		},
	})
	if err != nil {
		return nil, err
	}

	s.Log.LogPayment("CHECKOUT", sess.ID, fmt.Sprintf("Book checkout opened for %s (%.2f usd)", book.ID, book.Price))
	return &models.CheckoutResponse{
		CheckoutSessionID: sess.ID,
		CheckoutURL:       sess.URL,
		Amount:            book.Price,
		Currency:          "usd",
	}, nil
}

// ConfirmPurchase settles a paid checkout session. Both the browser redirect
// and the webhook land here; MarkPaid is one-shot and the receipt write is an
// upsert, so running it twice produces exactly one paid book and one receipt.
func (s *Service) ConfirmPurchase(ctx context.Context, sessionID string) (*models.Receipt, error) {
	state, err := s.Gateway.GetCheckoutSession(sessionID)
	if err != nil {
		return nil, err
	}
	if !state.Paid() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrPaymentNotCompleted, sessionID, state.PaymentStatus)
	}
	return s.settle(ctx, state)
}

func (s *Service) settle(ctx context.Context, state *models.CheckoutSessionState) (*models.Receipt, error) {
	bookID := state.Metadata["book_id"]
	if bookID == "" {
		return nil, fmt.Errorf("checkout session %s has no book_id in metadata", state.ID)
	}

	book, err := s.Books.GetBookByID(ctx, bookID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	flipped, err := s.Books.MarkPaid(ctx, bookID, state.PaymentIntentID, now)
	if err != nil {
		return nil, err
	}
	if !flipped {
		s.Log.LogPayment("SETTLE", state.ID, fmt.Sprintf("Book %s already marked paid, merging receipt", bookID))
	}

	receipt, err := s.Receipts.Create(&models.Receipt{
		ID:                    state.PaymentIntentID,
		UserID:                book.UserID,
		BookID:                book.ID,
		StripePaymentIntentID: state.PaymentIntentID,
		Amount:                state.AmountTotal,
		Currency:              state.Currency,
		Status:                models.PaymentSucceeded,
		BookTitle:             book.Title,
		ChildName:             book.ChildName,
		UserEmail:             state.Metadata["user_email"],
	})
	if err != nil {
		return nil, fmt.Errorf("payment settled but receipt write failed: %w", err)
	}

	s.Log.LogPayment("SETTLE", state.ID, fmt.Sprintf("Book %s paid, receipt %s", bookID, receipt.ReferenceCode))
	if flipped && s.Kafka != nil {
		if err := s.Kafka.PublishBookPurchased(book, receipt); err != nil {
			s.Log.Warn("KAFKA", fmt.Sprintf("Failed to publish book purchased: %v", err))
		}
		if err := s.Kafka.PublishReceiptCreated(receipt); err != nil {
			s.Log.Warn("KAFKA", fmt.Sprintf("Failed to publish receipt created: %v", err))
		}
	}
	return receipt, nil
}

// WebhookError carries both a public message and the internal detail for a
// failed webhook delivery.
type WebhookError struct {
	Category      string // "configuration", "validation", "processing"
	StatusCode    int
	PublicError   string
	InternalError string
	OriginalErr   error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

// HandleStripeWebhook processes asynchronous gateway events for book sales.
func (s *Service) HandleStripeWebhook(r *http.Request) error {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.Log.Error("WEBHOOK", fmt.Sprintf("Failed to read webhook payload: %v", err))
		return &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid webhook payload",
			InternalError: fmt.Sprintf("Failed to read webhook payload: %v", err),
			OriginalErr:   err,
		}
	}

	event, err := s.Gateway.VerifyWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.Log.Error("WEBHOOK", fmt.Sprintf("Webhook signature verification failed: %v", err))
		return &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid webhook signature",
			InternalError: fmt.Sprintf("Webhook signature verification failed: %v", err),
			OriginalErr:   err,
		}
	}

	s.Log.Info("WEBHOOK", fmt.Sprintf("Processing Stripe webhook event: %s", event.Type))

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return &WebhookError{
				Category:      "processing",
				StatusCode:    http.StatusBadRequest,
				PublicError:   "Invalid event data",
				InternalError: fmt.Sprintf("Failed to unmarshal checkout session: %v", err),
				OriginalErr:   err,
			}
		}
		// Print order sessions are settled by the print service.
		if session.Metadata["book_id"] == "" {
			s.Log.Info("WEBHOOK", fmt.Sprintf("Session %s carries no book_id, ignoring", session.ID))
			return nil
		}
		if _, err := s.ConfirmPurchase(r.Context(), session.ID); err != nil {
			return &WebhookError{
				Category:      "processing",
				StatusCode:    http.StatusInternalServerError,
				PublicError:   "Failed to process payment",
				InternalError: fmt.Sprintf("Failed to settle session %s: %v", session.ID, err),
				OriginalErr:   err,
			}
		}

	default:
		s.Log.Info("WEBHOOK", fmt.Sprintf("Unhandled event type: %s", event.Type))
	}

	return nil
}

// RefundPurchase refunds a book sale in full and records it on the receipt.
// The book itself stays readable; refunds revoke printing, not memories.
func (s *Service) RefundPurchase(ctx context.Context, userID, referenceCode, reason string) (*models.Receipt, error) {
	receipt, err := s.Receipts.GetByReference(referenceCode)
	if err != nil {
		return nil, err
	}
	if receipt.UserID != userID {
		return nil, ErrReceiptAccessDenied
	}

	refund, err := s.Gateway.CreateRefund(receipt.StripePaymentIntentID, nil, reason)
	if err != nil {
		return nil, err
	}

	updated, err := s.Receipts.MarkRefunded(referenceCode, refund.Amount, reason)
	if err != nil {
		return nil, fmt.Errorf("refund %s issued but receipt update failed: %w", refund.ID, err)
	}
	s.Log.LogPayment("REFUND", receipt.StripePaymentIntentID, fmt.Sprintf("Receipt %s refunded (%.2f)", referenceCode, refund.Amount))
	return updated, nil
}

func (s *Service) ListReceipts(ctx context.Context, userID string, limit, offset int) ([]*models.Receipt, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.Receipts.ListByUser(userID, limit, offset)
}

func (s *Service) GetReceipt(ctx context.Context, userID, referenceCode string) (*models.Receipt, error) {
	receipt, err := s.Receipts.GetByReference(referenceCode)
	if err != nil {
		return nil, err
	}
	if receipt.UserID != userID {
		return nil, ErrReceiptAccessDenied
	}
	return receipt, nil
}

// ReceiptQR renders a verification QR image for a receipt.
func (s *Service) ReceiptQR(ctx context.Context, userID, referenceCode string) ([]byte, error) {
	receipt, err := s.GetReceipt(ctx, userID, referenceCode)
	if err != nil {
		return nil, err
	}
	return s.QR.GenerateReceiptQR(receipt)
}

// VerifyReceipt decodes a scanned QR payload and checks it against the ledger.
// A payload that decrypts but disagrees with the stored receipt is treated as
// forged, not as a lookup miss.
func (s *Service) VerifyReceipt(ctx context.Context, payload string) (*models.Receipt, error) {
	claimed, err := s.QR.DecryptPayload(payload)
	if err != nil {
		return nil, err
	}

	receipt, err := s.Receipts.GetByReference(claimed.ReferenceCode)
	if err != nil {
		return nil, err
	}
	if receipt.BookID != claimed.BookID || receipt.Amount != claimed.Amount {
		s.Log.Warn("RECEIPT", fmt.Sprintf("QR payload for %s disagrees with ledger", claimed.ReferenceCode))
		return nil, ErrReceiptMismatch
	}

	s.Log.LogPayment("VERIFY", receipt.StripePaymentIntentID, fmt.Sprintf("Receipt %s verified", receipt.ReferenceCode))
	return receipt, nil
}
