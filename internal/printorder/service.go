package printorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storyforge/internal/fulfillment"
	"storyforge/internal/logger"
	"storyforge/internal/models"
	"storyforge/internal/utils"
)

var (
	ErrOrderNotFound             = errors.New("print order not found")
	ErrAccessDenied              = errors.New("print order belongs to another user")
	ErrBookNotPaid               = errors.New("book must be purchased before printing")
	ErrServiceOptionIncompatible = errors.New("book does not fit the selected service option")
	ErrInvalidShippingLevel      = errors.New("unknown shipping level")
	ErrAlreadyPaid               = errors.New("print order is already paid")
	ErrPaymentNotCompleted       = errors.New("checkout session is not paid")
	ErrMissingCost               = errors.New("print order has no cost estimate")
	ErrInvalidQuantity           = errors.New("quantity must be between 1 and 1000")
	ErrOrderNotReady             = errors.New("print order is not ready for production")
)

// sweepWindow bounds how far back the pending-payment sweep looks. Sessions
// older than this have expired at the gateway anyway.
const sweepWindow = 24 * time.Hour

// Shipping levels accepted by the fulfillment vendor, cheapest first.
var validShippingLevels = map[string]bool{
	"MAIL":          true,
	"PRIORITY_MAIL": true,
	"GROUND":        true,
	"EXPEDITED":     true,
	"EXPRESS":       true,
}

const defaultShippingLevel = "GROUND"

// maxOrderQuantity caps copies per order; larger runs go through support.
const maxOrderQuantity = 1000

type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.PrintOrder) error
	GetOrderByID(ctx context.Context, id string) (*models.PrintOrder, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]models.PrintOrder, error)
	TransitionStatus(ctx context.Context, orderID, fromStatus, toStatus string) (bool, error)
	SetStatus(ctx context.Context, orderID, status string) error
	SetVendorJob(ctx context.Context, orderID, vendorJobID string) error
	UpdateTracking(ctx context.Context, orderID string, tracking *models.TrackingInfo) error
	CreatePayment(ctx context.Context, payment *models.PrintOrderPayment) error
	GetPaymentBySession(ctx context.Context, sessionID string) (*models.PrintOrderPayment, error)
	SetPaymentStatus(ctx context.Context, sessionID string, status models.PaymentStatus) error
	SupersedePendingPayments(ctx context.Context, orderID string) ([]models.PrintOrderPayment, error)
	ReconcilePaymentSuccess(ctx context.Context, sessionID, paymentIntentID, receiptURL, receiptRef string) (bool, *models.PrintOrderPayment, error)
	ListPendingPayments(ctx context.Context, window time.Duration) ([]models.PrintOrderPayment, error)
	GetServiceOption(ctx context.Context, id string) (*models.ServiceOption, error)
	ListServiceOptions(ctx context.Context) ([]models.ServiceOption, error)
}

type BookStore interface {
	GetBookByID(ctx context.Context, id string) (*models.PersonalizedBook, error)
}

type PaymentGateway interface {
	CreateCheckoutSession(req *models.CheckoutSessionRequest) (*models.CheckoutSession, error)
	GetCheckoutSession(sessionID string) (*models.CheckoutSessionState, error)
	ExpireCheckoutSession(sessionID string) error
}

type Fulfillment interface {
	CalculatePrintJobCost(ctx context.Context, lineItems []models.LuluLineItem, addr models.ShippingAddress, shippingLevel string) (*models.CostBreakdown, error)
	ValidateInteriorFile(ctx context.Context, sourceURL, podPackageID string) (string, error)
	ValidateCoverFile(ctx context.Context, sourceURL, podPackageID string, pageCount int) (string, error)
	WaitForValidation(ctx context.Context, validationID string, kind fulfillment.ValidationKind, maxAttempts int) error
	CreatePrintJob(ctx context.Context, job *models.LuluPrintJobRequest) (*models.LuluPrintJob, error)
	GetPrintJobStatus(ctx context.Context, jobID string) (*models.LuluJobStatus, error)
	CancelPrintJob(ctx context.Context, jobID string) error
}

type FileRenderer interface {
	RenderInterior(ctx context.Context, book *models.PersonalizedBook) (string, error)
	RenderCover(ctx context.Context, book *models.PersonalizedBook, pageCount int, podPackageID string) (string, error)
}

// ReceiptLookup links a print order payment back to the base book sale.
type ReceiptLookup interface {
	FindRefForBook(userID, bookID string) (string, error)
}

type EventPublisher interface {
	PublishOrderCreated(order *models.PrintOrder) error
	PublishOrderPaid(payment *models.PrintOrderPayment) error
	PublishJobSubmitted(order *models.PrintOrder) error
	PublishOrderShipped(order *models.PrintOrder) error
	PublishOrderFailed(order *models.PrintOrder, reason string) error
}

type Service struct {
	DB       OrderStore
	Books    BookStore
	Gateway  PaymentGateway
	Vendor   Fulfillment
	Renderer FileRenderer
	Receipts ReceiptLookup
	Kafka    EventPublisher
	Log      *logger.Logger

	// CallbackBaseURL is this service's own public base; the gateway sends
	// the buyer back here after checkout.
	CallbackBaseURL string
}

func NewService(db OrderStore, books BookStore, gateway PaymentGateway, vendor Fulfillment, renderer FileRenderer, receipts ReceiptLookup, kafka EventPublisher, callbackBaseURL string, log *logger.Logger) *Service {
	return &Service{
		DB:              db,
		Books:           books,
		Gateway:         gateway,
		Vendor:          vendor,
		Renderer:        renderer,
		Receipts:        receipts,
		Kafka:           kafka,
		CallbackBaseURL: strings.TrimRight(callbackBaseURL, "/"),
		Log:             log,
	}
}

// ---------------- ORDERS ----------------

// CreatePrintOrder validates the book against the chosen service option,
// estimates the full cost at the vendor and persists the order in draft.
func (s *Service) CreatePrintOrder(ctx context.Context, userID string, req *models.CreatePrintOrderRequest) (*models.CreatePrintOrderResponse, error) {
	book, err := s.Books.GetBookByID(ctx, req.PersonalizedBookID)
	if err != nil {
		return nil, err
	}
	if book.UserID != userID {
		return nil, ErrAccessDenied
	}
	if !book.IsPaid {
		return nil, ErrBookNotPaid
	}

	option, err := s.DB.GetServiceOption(ctx, req.ServiceOptionID)
	if err != nil {
		return nil, err
	}

	pageCount := CalculatePageCount(book)
	if !FitsServiceOption(pageCount, option) {
		return nil, fmt.Errorf("%w: %d pages, option allows %d-%d", ErrServiceOptionIncompatible, pageCount, option.MinPages, option.MaxPages)
	}

	shippingLevel := req.ShippingLevel
	if shippingLevel == "" {
		shippingLevel = defaultShippingLevel
	}
	if !validShippingLevels[shippingLevel] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidShippingLevel, shippingLevel)
	}

	if req.Quantity < 1 || req.Quantity > maxOrderQuantity {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidQuantity, req.Quantity)
	}
	quantity := req.Quantity

	cost, err := s.Vendor.CalculatePrintJobCost(ctx, []models.LuluLineItem{{
		PodPackageID: option.PodPackageID,
		Quantity:     quantity,
		PageCount:    pageCount,
	}}, req.ShippingAddress, shippingLevel)
	if err != nil {
		return nil, fmt.Errorf("cost estimation failed: %w", err)
	}

	order := &models.PrintOrder{
		ID:              utils.GenerateOrderID(),
		UserID:          userID,
		BookID:          book.ID,
		ServiceOptionID: option.ID,
		Quantity:        quantity,
		ShippingAddress: req.ShippingAddress,
		ShippingLevel:   shippingLevel,
		ContactEmail:    req.ContactEmail,
		PageCount:       pageCount,
		Cost:            cost,
		Status:          models.OrderStatusDraft,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.DB.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create print order: %w", err)
	}

	s.Log.LogPrintJob("ORDER", order.ID, fmt.Sprintf("Draft order for book %s (%d pages, %.2f %s)", book.ID, pageCount, cost.TotalCostInclTax, cost.Currency))
	if s.Kafka != nil {
		if err := s.Kafka.PublishOrderCreated(order); err != nil {
			s.Log.Warn("KAFKA", fmt.Sprintf("Failed to publish order created: %v", err))
		}
	}

	return &models.CreatePrintOrderResponse{
		PrintOrder:    order,
		Cost:          cost,
		ServiceOption: option,
		Book:          book.Summary(),
	}, nil
}

func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (*models.PrintOrder, error) {
	order, err := s.DB.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrAccessDenied
	}
	return order, nil
}

func (s *Service) ListOrders(ctx context.Context, userID string) ([]models.PrintOrder, error) {
	return s.DB.ListOrdersByUser(ctx, userID)
}

func (s *Service) ListServiceOptions(ctx context.Context) ([]models.ServiceOption, error) {
	return s.DB.ListServiceOptions(ctx)
}

// ---------------- CHECKOUT ----------------

// CreateCheckout opens a gateway checkout for a draft or unpaid order. The
// order moves to payment_in_progress; the payment row starts pending and is
// settled by the success callback, the webhook or the sweep.
func (s *Service) CreateCheckout(ctx context.Context, userID, orderID string) (*models.CheckoutResponse, error) {
	order, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus == string(models.PaymentSucceeded) {
		return nil, ErrAlreadyPaid
	}
	if order.Cost == nil {
		return nil, ErrMissingCost
	}

	// Retire earlier checkout attempts so only the newest session can settle.
	// Expiring them at the gateway is best-effort; the vendor-job guard in
	// SubmitPrintJob backstops a stale session that still gets paid.
	stale, err := s.DB.SupersedePendingPayments(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	for _, old := range stale {
		if err := s.Gateway.ExpireCheckoutSession(old.CheckoutSessionID); err != nil {
			s.Log.Warn("PAYMENT", fmt.Sprintf("Failed to expire stale session %s: %v", old.CheckoutSessionID, err))
		}
	}

	sess, err := s.Gateway.CreateCheckoutSession(&models.CheckoutSessionRequest{
		Amount:      order.Cost.TotalCostInclTax,
		Currency:    strings.ToLower(order.Cost.Currency),
		ProductName: fmt.Sprintf("Printed book (%d pages) x%d", order.PageCount, order.Quantity),
		Quantity:    1,
		SuccessURL:  s.CallbackBaseURL + "/api/print-orders/payment/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:   s.CallbackBaseURL + "/api/print-orders/payment/cancel?session_id={CHECKOUT_SESSION_ID}",
		Metadata: map[string]string{
			"print_order_id": order.ID,
			"book_id":        order.BookID,
			"user_id":        order.UserID,
		},
	})
	if err != nil {
		return nil, err
	}

	payment := &models.PrintOrderPayment{
		ID:                utils.GeneratePaymentID(),
		UserID:            order.UserID,
		PrintOrderID:      order.ID,
		BookID:            order.BookID,
		CheckoutSessionID: sess.ID,
		Amount:            order.Cost.TotalCostInclTax,
		Currency:          strings.ToLower(order.Cost.Currency),
		Status:            models.PaymentPending,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.DB.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to record payment attempt: %w", err)
	}

	if ok, err := s.DB.TransitionStatus(ctx, order.ID, order.Status, models.OrderStatusPaymentInProgress); err != nil {
		return nil, err
	} else if !ok {
		s.Log.Warn("PAYMENT", fmt.Sprintf("Order %s changed state during checkout creation", order.ID))
	}

	s.Log.LogPayment("CHECKOUT", sess.ID, fmt.Sprintf("Checkout opened for order %s (%.2f %s)", order.ID, payment.Amount, payment.Currency))
	return &models.CheckoutResponse{
		CheckoutSessionID: sess.ID,
		CheckoutURL:       sess.URL,
		Amount:            payment.Amount,
		Currency:          payment.Currency,
	}, nil
}

// HandlePaymentSuccess settles a checkout session reported as successful. The
// second return value is true when another caller already processed this
// session; the call is then a no-op. Vendor submission happens after the
// payment is claimed; a submission failure leaves the order in "error" but
// never loses the payment.
func (s *Service) HandlePaymentSuccess(ctx context.Context, sessionID string) (*models.PrintOrderPayment, bool, error) {
	state, err := s.Gateway.GetCheckoutSession(sessionID)
	if err != nil {
		return nil, false, err
	}
	if !state.Paid() {
		return nil, false, fmt.Errorf("%w: session %s is %s", ErrPaymentNotCompleted, sessionID, state.PaymentStatus)
	}

	receiptRef := ""
	if s.Receipts != nil {
		if bookID, userID := state.Metadata["book_id"], state.Metadata["user_id"]; bookID != "" && userID != "" {
			ref, lookupErr := s.Receipts.FindRefForBook(userID, bookID)
			if lookupErr != nil {
				s.Log.Warn("PAYMENT", fmt.Sprintf("Receipt lookup failed for book %s: %v", bookID, lookupErr))
			} else {
				receiptRef = ref
			}
		}
	}

	claimed, payment, err := s.DB.ReconcilePaymentSuccess(ctx, sessionID, state.PaymentIntentID, "", receiptRef)
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		s.Log.LogPayment("CALLBACK", sessionID, "Session already processed, skipping")
		return payment, true, nil
	}

	s.Log.LogPayment("SUCCESS", sessionID, fmt.Sprintf("Payment settled for order %s", payment.PrintOrderID))
	if s.Kafka != nil {
		if err := s.Kafka.PublishOrderPaid(payment); err != nil {
			s.Log.Warn("KAFKA", fmt.Sprintf("Failed to publish order paid: %v", err))
		}
	}

	// Submission failures must not bubble up as payment failures: the money
	// is taken, the order just needs operator attention.
	if err := s.SubmitPrintJob(ctx, payment.PrintOrderID); err != nil {
		s.Log.Error("LULU", fmt.Sprintf("Submission failed for paid order %s: %v", payment.PrintOrderID, err))
		if setErr := s.DB.SetStatus(ctx, payment.PrintOrderID, models.OrderStatusError); setErr != nil {
			s.Log.Error("DATABASE", fmt.Sprintf("Failed to mark order %s as error: %v", payment.PrintOrderID, setErr))
		}
		if s.Kafka != nil {
			order, getErr := s.DB.GetOrderByID(ctx, payment.PrintOrderID)
			if getErr == nil {
				if pubErr := s.Kafka.PublishOrderFailed(order, err.Error()); pubErr != nil {
					s.Log.Warn("KAFKA", fmt.Sprintf("Failed to publish order failed: %v", pubErr))
				}
			}
		}
	}

	return payment, false, nil
}

// HandlePaymentCancel records an abandoned checkout. The order returns to
// unpaid so the user can try again.
func (s *Service) HandlePaymentCancel(ctx context.Context, sessionID string) error {
	payment, err := s.DB.GetPaymentBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	if payment.CallbackProcessed {
		return nil
	}

	if err := s.DB.SetPaymentStatus(ctx, sessionID, models.PaymentFailed); err != nil {
		return err
	}
	if err := s.DB.SetStatus(ctx, payment.PrintOrderID, models.OrderStatusUnpaid); err != nil {
		return err
	}
	s.Log.LogPayment("CANCEL", sessionID, fmt.Sprintf("Checkout abandoned for order %s", payment.PrintOrderID))
	return nil
}

// ---------------- FULFILLMENT ----------------

// SubmitPrintJob renders the book, validates both files with the vendor and
// creates the print job. On success the order carries the vendor job id and
// sits in in_production until the status poll reports otherwise. An order that
// already has a vendor job is a no-op, so a second settled session for the
// same order never produces a second print run.
func (s *Service) SubmitPrintJob(ctx context.Context, orderID string) error {
	order, err := s.DB.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.LuluPrintJobID != "" {
		s.Log.LogPrintJob("SUBMIT", order.LuluPrintJobID, fmt.Sprintf("Order %s already submitted, skipping", order.ID))
		return nil
	}
	if order.Status != models.OrderStatusProductionReady {
		return fmt.Errorf("%w: order %s is %s", ErrOrderNotReady, order.ID, order.Status)
	}
	book, err := s.Books.GetBookByID(ctx, order.BookID)
	if err != nil {
		return err
	}
	option, err := s.DB.GetServiceOption(ctx, order.ServiceOptionID)
	if err != nil {
		return err
	}

	interiorURL, err := s.Renderer.RenderInterior(ctx, book)
	if err != nil {
		return fmt.Errorf("interior render failed: %w", err)
	}
	coverURL, err := s.Renderer.RenderCover(ctx, book, order.PageCount, option.PodPackageID)
	if err != nil {
		return fmt.Errorf("cover render failed: %w", err)
	}

	interiorValidation, err := s.Vendor.ValidateInteriorFile(ctx, interiorURL, option.PodPackageID)
	if err != nil {
		return err
	}
	if err := s.Vendor.WaitForValidation(ctx, interiorValidation, fulfillment.ValidationInterior, 0); err != nil {
		return err
	}

	coverValidation, err := s.Vendor.ValidateCoverFile(ctx, coverURL, option.PodPackageID, order.PageCount)
	if err != nil {
		return err
	}
	if err := s.Vendor.WaitForValidation(ctx, coverValidation, fulfillment.ValidationCover, 0); err != nil {
		return err
	}

	job, err := s.Vendor.CreatePrintJob(ctx, &models.LuluPrintJobRequest{
		ContactEmail: order.ContactEmail,
		ExternalID:   order.ID,
		LineItems: []models.LuluLineItem{{
			Title:        book.Title,
			Quantity:     order.Quantity,
			PodPackageID: option.PodPackageID,
			PageCount:    order.PageCount,
			InteriorURL:  interiorURL,
			CoverURL:     coverURL,
		}},
		ShippingAddress: order.ShippingAddress,
		ShippingLevel:   order.ShippingLevel,
	})
	if err != nil {
		return err
	}

	if err := s.DB.SetVendorJob(ctx, order.ID, job.ID); err != nil {
		return err
	}
	if err := s.DB.SetStatus(ctx, order.ID, models.OrderStatusInProduction); err != nil {
		return err
	}

	s.Log.LogPrintJob("SUBMIT", job.ID, fmt.Sprintf("Order %s submitted to vendor", order.ID))
	if s.Kafka != nil {
		order.LuluPrintJobID = job.ID
		order.Status = models.OrderStatusInProduction
		if err := s.Kafka.PublishJobSubmitted(order); err != nil {
			s.Log.Warn("KAFKA", fmt.Sprintf("Failed to publish job submitted: %v", err))
		}
	}
	return nil
}

// GetOrderStatus returns the order, refreshed against the vendor when a job
// exists. A vendor poll failure is logged and the stored state returned; the
// read path must not fail because the vendor is down.
func (s *Service) GetOrderStatus(ctx context.Context, userID, orderID string) (*models.PrintOrderView, error) {
	order, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.LuluPrintJobID == "" {
		return order.View(), nil
	}

	status, err := s.Vendor.GetPrintJobStatus(ctx, order.LuluPrintJobID)
	if err != nil {
		s.Log.Warn("LULU", fmt.Sprintf("Status poll failed for job %s: %v", order.LuluPrintJobID, err))
		return order.View(), nil
	}

	mirrored := strings.ToLower(status.Status)
	if mirrored != "" && mirrored != order.Status {
		if err := s.DB.SetStatus(ctx, order.ID, mirrored); err != nil {
			s.Log.Error("DATABASE", fmt.Sprintf("Failed to mirror vendor status for order %s: %v", order.ID, err))
		} else {
			s.Log.LogPrintJob("STATUS", order.LuluPrintJobID, fmt.Sprintf("Order %s: %s -> %s", order.ID, order.Status, mirrored))
			order.Status = mirrored
			if mirrored == models.OrderStatusShipped && s.Kafka != nil {
				if err := s.Kafka.PublishOrderShipped(order); err != nil {
					s.Log.Warn("KAFKA", fmt.Sprintf("Failed to publish order shipped: %v", err))
				}
			}
		}
	}
	if status.Tracking != nil {
		if err := s.DB.UpdateTracking(ctx, order.ID, status.Tracking); err != nil {
			s.Log.Error("DATABASE", fmt.Sprintf("Failed to store tracking for order %s: %v", order.ID, err))
		} else {
			order.Tracking = status.Tracking
		}
	}
	return order.View(), nil
}

// CancelOrder cancels an order that has not shipped. Orders with a vendor job
// are canceled at the vendor first.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) error {
	order, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return err
	}
	if order.Status == models.OrderStatusShipped {
		return fmt.Errorf("cannot cancel a shipped order")
	}

	if order.LuluPrintJobID != "" {
		if err := s.Vendor.CancelPrintJob(ctx, order.LuluPrintJobID); err != nil {
			return err
		}
	}
	return s.DB.SetStatus(ctx, order.ID, models.OrderStatusCanceled)
}

// ---------------- RECONCILIATION SWEEP ----------------

// ProcessPendingPayments re-checks every unprocessed payment attempt against
// the gateway. Paid sessions settle exactly as a callback would; expired or
// canceled sessions are marked failed. One bad item never stops the sweep.
func (s *Service) ProcessPendingPayments(ctx context.Context) (*models.SweepResult, error) {
	pending, err := s.DB.ListPendingPayments(ctx, sweepWindow)
	if err != nil {
		return nil, err
	}

	result := &models.SweepResult{}
	for _, payment := range pending {
		state, err := s.Gateway.GetCheckoutSession(payment.CheckoutSessionID)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", payment.CheckoutSessionID, err))
			continue
		}

		switch {
		case state.Paid():
			if _, _, err := s.HandlePaymentSuccess(ctx, payment.CheckoutSessionID); err != nil {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", payment.CheckoutSessionID, err))
				continue
			}
			result.Processed++
		case state.Status == "expired", state.Status == "canceled":
			if err := s.HandlePaymentCancel(ctx, payment.CheckoutSessionID); err != nil {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", payment.CheckoutSessionID, err))
				continue
			}
			result.Processed++
		default:
			// Session still open; the user may yet pay.
		}
	}

	s.Log.Info("SWEEP", fmt.Sprintf("Pending payment sweep: %d processed, %d failed of %d candidates", result.Processed, result.Failed, len(pending)))
	return result, nil
}
