package purchase

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"storyforge/internal/books"
	"storyforge/internal/logger"
	"storyforge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stripe/stripe-go/v82"
)

type MockBookStore struct{ mock.Mock }

func (m *MockBookStore) GetBookByID(ctx context.Context, id string) (*models.PersonalizedBook, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PersonalizedBook), args.Error(1)
}
func (m *MockBookStore) MarkPaid(ctx context.Context, bookID, paymentID string, paidAt time.Time) (bool, error) {
	args := m.Called(ctx, bookID, paymentID, paidAt)
	return args.Bool(0), args.Error(1)
}

type MockGateway struct{ mock.Mock }

func (m *MockGateway) CreateCheckoutSession(req *models.CheckoutSessionRequest) (*models.CheckoutSession, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CheckoutSession), args.Error(1)
}
func (m *MockGateway) GetCheckoutSession(sessionID string) (*models.CheckoutSessionState, error) {
	args := m.Called(sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CheckoutSessionState), args.Error(1)
}
func (m *MockGateway) VerifyWebhook(payload []byte, signature string) (stripe.Event, error) {
	args := m.Called(payload, signature)
	return args.Get(0).(stripe.Event), args.Error(1)
}
func (m *MockGateway) CreateRefund(paymentIntentID string, amount *float64, reason string) (*models.RefundResult, error) {
	args := m.Called(paymentIntentID, amount, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RefundResult), args.Error(1)
}

type MockLedger struct{ mock.Mock }

func (m *MockLedger) Create(receipt *models.Receipt) (*models.Receipt, error) {
	args := m.Called(receipt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Receipt), args.Error(1)
}
func (m *MockLedger) GetByReference(referenceCode string) (*models.Receipt, error) {
	args := m.Called(referenceCode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Receipt), args.Error(1)
}
func (m *MockLedger) GetByPaymentIntent(paymentIntentID string) (*models.Receipt, error) {
	args := m.Called(paymentIntentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Receipt), args.Error(1)
}
func (m *MockLedger) ListByUser(userID string, limit, offset int) ([]*models.Receipt, error) {
	args := m.Called(userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Receipt), args.Error(1)
}
func (m *MockLedger) MarkRefunded(referenceCode string, amount float64, reason string) (*models.Receipt, error) {
	args := m.Called(referenceCode, amount, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Receipt), args.Error(1)
}

type MockQR struct{ mock.Mock }

func (m *MockQR) GenerateReceiptQR(receipt *models.Receipt) ([]byte, error) {
	args := m.Called(receipt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}
func (m *MockQR) DecryptPayload(encoded string) (*models.Receipt, error) {
	args := m.Called(encoded)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Receipt), args.Error(1)
}

type MockPublisher struct{ mock.Mock }

func (m *MockPublisher) PublishBookPurchased(book *models.PersonalizedBook, receipt *models.Receipt) error {
	return m.Called(book, receipt).Error(0)
}
func (m *MockPublisher) PublishReceiptCreated(receipt *models.Receipt) error {
	return m.Called(receipt).Error(0)
}

type testDeps struct {
	books   *MockBookStore
	gateway *MockGateway
	ledger  *MockLedger
	qr      *MockQR
	kafka   *MockPublisher
	service *Service
}

func newTestService(t *testing.T) *testDeps {
	t.Helper()
	d := &testDeps{
		books:   new(MockBookStore),
		gateway: new(MockGateway),
		ledger:  new(MockLedger),
		qr:      new(MockQR),
		kafka:   new(MockPublisher),
	}
	d.service = NewService(d.books, d.gateway, d.ledger, d.qr, d.kafka, "https://books.example.com", logger.NewLogger("purchase-test"))
	return d
}

func unpaidBook() *models.PersonalizedBook {
	return &models.PersonalizedBook{
		ID:        "book-1",
		UserID:    "user-1",
		Title:     "The Dragon of Maple Street",
		ChildName: "Mia",
		Price:     24.99,
	}
}

func paidState() *models.CheckoutSessionState {
	return &models.CheckoutSessionState{
		ID:              "cs_book_1",
		Status:          "complete",
		PaymentStatus:   "paid",
		PaymentIntentID: "pi_book_1",
		AmountTotal:     24.99,
		Currency:        "usd",
		Metadata:        map[string]string{"book_id": "book-1", "user_id": "user-1", "user_email": "parent@example.com"},
	}
}

func TestCreateBookCheckout(t *testing.T) {
	d := newTestService(t)
	d.books.On("GetBookByID", mock.Anything, "book-1").Return(unpaidBook(), nil)
	d.gateway.On("CreateCheckoutSession", mock.MatchedBy(func(req *models.CheckoutSessionRequest) bool {
		return req.Amount == 24.99 && req.Metadata["book_id"] == "book-1"
	})).Return(&models.CheckoutSession{ID: "cs_book_1", URL: "https://checkout.stripe.com/cs_book_1"}, nil)

	resp, err := d.service.CreateBookCheckout(context.Background(), "user-1", "book-1", "parent@example.com")
	assert.NoError(t, err)
	assert.Equal(t, "cs_book_1", resp.CheckoutSessionID)
	assert.Equal(t, 24.99, resp.Amount)
}

func TestCreateBookCheckoutRejectsPaidBook(t *testing.T) {
	d := newTestService(t)
	book := unpaidBook()
	book.IsPaid = true
	d.books.On("GetBookByID", mock.Anything, "book-1").Return(book, nil)

	_, err := d.service.CreateBookCheckout(context.Background(), "user-1", "book-1", "")
	assert.ErrorIs(t, err, books.ErrAlreadyPaid)
	d.gateway.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything)
}

func TestCreateBookCheckoutRejectsOtherUser(t *testing.T) {
	d := newTestService(t)
	d.books.On("GetBookByID", mock.Anything, "book-1").Return(unpaidBook(), nil)

	_, err := d.service.CreateBookCheckout(context.Background(), "user-2", "book-1", "")
	assert.ErrorIs(t, err, books.ErrNotBookOwner)
}

func TestConfirmPurchaseSettles(t *testing.T) {
	d := newTestService(t)
	d.gateway.On("GetCheckoutSession", "cs_book_1").Return(paidState(), nil)
	d.books.On("GetBookByID", mock.Anything, "book-1").Return(unpaidBook(), nil)
	d.books.On("MarkPaid", mock.Anything, "book-1", "pi_book_1", mock.Anything).Return(true, nil)

	saved := &models.Receipt{ReferenceCode: "SF-REF-1", BookID: "book-1", UserID: "user-1", Status: models.PaymentSucceeded}
	d.ledger.On("Create", mock.MatchedBy(func(r *models.Receipt) bool {
		return r.StripePaymentIntentID == "pi_book_1" && r.BookTitle == "The Dragon of Maple Street" && r.ChildName == "Mia"
	})).Return(saved, nil)
	d.kafka.On("PublishBookPurchased", mock.Anything, saved).Return(nil)
	d.kafka.On("PublishReceiptCreated", saved).Return(nil)

	receipt, err := d.service.ConfirmPurchase(context.Background(), "cs_book_1")
	assert.NoError(t, err)
	assert.Equal(t, "SF-REF-1", receipt.ReferenceCode)
	d.kafka.AssertExpectations(t)
}

func TestConfirmPurchaseIsIdempotent(t *testing.T) {
	d := newTestService(t)
	d.gateway.On("GetCheckoutSession", "cs_book_1").Return(paidState(), nil)
	d.books.On("GetBookByID", mock.Anything, "book-1").Return(unpaidBook(), nil)
	// Book already flipped by the racing caller.
	d.books.On("MarkPaid", mock.Anything, "book-1", "pi_book_1", mock.Anything).Return(false, nil)

	saved := &models.Receipt{ReferenceCode: "SF-REF-1", BookID: "book-1"}
	d.ledger.On("Create", mock.Anything).Return(saved, nil)

	receipt, err := d.service.ConfirmPurchase(context.Background(), "cs_book_1")
	assert.NoError(t, err)
	assert.Equal(t, "SF-REF-1", receipt.ReferenceCode)

	// The losing caller doesn't re-announce the purchase.
	d.kafka.AssertNotCalled(t, "PublishBookPurchased", mock.Anything, mock.Anything)
	d.kafka.AssertNotCalled(t, "PublishReceiptCreated", mock.Anything)
}

func TestConfirmPurchaseRejectsUnpaidSession(t *testing.T) {
	d := newTestService(t)
	state := paidState()
	state.PaymentStatus = "unpaid"
	d.gateway.On("GetCheckoutSession", "cs_book_1").Return(state, nil)

	_, err := d.service.ConfirmPurchase(context.Background(), "cs_book_1")
	assert.ErrorIs(t, err, ErrPaymentNotCompleted)
	d.books.AssertNotCalled(t, "MarkPaid", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleStripeWebhookRejectsBadSignature(t *testing.T) {
	d := newTestService(t)
	d.gateway.On("VerifyWebhook", mock.Anything, "bad-sig").Return(stripe.Event{}, assert.AnError)

	req := httptest.NewRequest("POST", "/api/payment/webhooks/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "bad-sig")

	err := d.service.HandleStripeWebhook(req)
	var webhookErr *WebhookError
	assert.ErrorAs(t, err, &webhookErr)
	assert.Equal(t, "validation", webhookErr.Category)
	assert.Equal(t, 400, webhookErr.StatusCode)
}

func TestHandleStripeWebhookIgnoresForeignSessions(t *testing.T) {
	d := newTestService(t)
	event := stripe.Event{Type: "checkout.session.completed"}
	event.Data = &stripe.EventData{Raw: []byte(`{"id":"cs_other","metadata":{"print_order_id":"po-1"}}`)}
	d.gateway.On("VerifyWebhook", mock.Anything, mock.Anything).Return(event, nil)

	req := httptest.NewRequest("POST", "/api/payment/webhooks/stripe", strings.NewReader(`{}`))
	assert.NoError(t, d.service.HandleStripeWebhook(req))
	d.gateway.AssertNotCalled(t, "GetCheckoutSession", mock.Anything)
}

func TestHandleStripeWebhookSettlesBookSession(t *testing.T) {
	d := newTestService(t)
	event := stripe.Event{Type: "checkout.session.completed"}
	event.Data = &stripe.EventData{Raw: []byte(`{"id":"cs_book_1","metadata":{"book_id":"book-1"}}`)}
	d.gateway.On("VerifyWebhook", mock.Anything, mock.Anything).Return(event, nil)
	d.gateway.On("GetCheckoutSession", "cs_book_1").Return(paidState(), nil)
	d.books.On("GetBookByID", mock.Anything, "book-1").Return(unpaidBook(), nil)
	d.books.On("MarkPaid", mock.Anything, "book-1", "pi_book_1", mock.Anything).Return(true, nil)
	d.ledger.On("Create", mock.Anything).Return(&models.Receipt{ReferenceCode: "SF-REF-1"}, nil)
	d.kafka.On("PublishBookPurchased", mock.Anything, mock.Anything).Return(nil)
	d.kafka.On("PublishReceiptCreated", mock.Anything).Return(nil)

	req := httptest.NewRequest("POST", "/api/payment/webhooks/stripe", strings.NewReader(`{}`))
	assert.NoError(t, d.service.HandleStripeWebhook(req))
	d.books.AssertCalled(t, "MarkPaid", mock.Anything, "book-1", "pi_book_1", mock.Anything)
}

func TestRefundPurchase(t *testing.T) {
	d := newTestService(t)
	stored := &models.Receipt{ReferenceCode: "SF-REF-1", UserID: "user-1", StripePaymentIntentID: "pi_book_1", Amount: 24.99}
	d.ledger.On("GetByReference", "SF-REF-1").Return(stored, nil)
	d.gateway.On("CreateRefund", "pi_book_1", (*float64)(nil), "duplicate order").
		Return(&models.RefundResult{ID: "re_1", Amount: 24.99, Status: "succeeded"}, nil)
	refunded := &models.Receipt{ReferenceCode: "SF-REF-1", Status: models.PaymentRefunded, RefundedAmount: 24.99}
	d.ledger.On("MarkRefunded", "SF-REF-1", 24.99, "duplicate order").Return(refunded, nil)

	receipt, err := d.service.RefundPurchase(context.Background(), "user-1", "SF-REF-1", "duplicate order")
	assert.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, receipt.Status)
}

func TestVerifyReceipt(t *testing.T) {
	d := newTestService(t)
	claimed := &models.Receipt{ReferenceCode: "SF-REF-1", BookID: "book-1", Amount: 24.99}
	d.qr.On("DecryptPayload", "encoded-payload").Return(claimed, nil)
	stored := &models.Receipt{ReferenceCode: "SF-REF-1", BookID: "book-1", Amount: 24.99, UserID: "user-1", StripePaymentIntentID: "pi_book_1"}
	d.ledger.On("GetByReference", "SF-REF-1").Return(stored, nil)

	receipt, err := d.service.VerifyReceipt(context.Background(), "encoded-payload")
	assert.NoError(t, err)
	assert.Equal(t, "SF-REF-1", receipt.ReferenceCode)
	assert.Equal(t, "pi_book_1", receipt.StripePaymentIntentID)
}

func TestVerifyReceiptRejectsMismatchedPayload(t *testing.T) {
	d := newTestService(t)
	// Decrypts fine but claims a different amount than the ledger holds.
	claimed := &models.Receipt{ReferenceCode: "SF-REF-1", BookID: "book-1", Amount: 0.99}
	d.qr.On("DecryptPayload", "tampered-payload").Return(claimed, nil)
	stored := &models.Receipt{ReferenceCode: "SF-REF-1", BookID: "book-1", Amount: 24.99, UserID: "user-1"}
	d.ledger.On("GetByReference", "SF-REF-1").Return(stored, nil)

	_, err := d.service.VerifyReceipt(context.Background(), "tampered-payload")
	assert.ErrorIs(t, err, ErrReceiptMismatch)
}

func TestVerifyReceiptRejectsUndecryptablePayload(t *testing.T) {
	d := newTestService(t)
	d.qr.On("DecryptPayload", "garbage").Return(nil, assert.AnError)

	_, err := d.service.VerifyReceipt(context.Background(), "garbage")
	assert.Error(t, err)
	d.ledger.AssertNotCalled(t, "GetByReference", mock.Anything)
}

func TestRefundPurchaseRejectsOtherUser(t *testing.T) {
	d := newTestService(t)
	stored := &models.Receipt{ReferenceCode: "SF-REF-1", UserID: "user-1", StripePaymentIntentID: "pi_book_1"}
	d.ledger.On("GetByReference", "SF-REF-1").Return(stored, nil)

	_, err := d.service.RefundPurchase(context.Background(), "user-2", "SF-REF-1", "")
	assert.ErrorIs(t, err, ErrReceiptAccessDenied)
	d.gateway.AssertNotCalled(t, "CreateRefund", mock.Anything, mock.Anything, mock.Anything)
}
