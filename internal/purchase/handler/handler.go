package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"storyforge/internal/auth"
	"storyforge/internal/books"
	"storyforge/internal/logger"
	"storyforge/internal/models"
	"storyforge/internal/purchase"
	"storyforge/internal/receipt"
	"storyforge/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Handler struct {
	Books       *books.Store
	Service     *purchase.Service
	FrontendURL string
	Logger      *logger.Logger
}

func NewHandler(bookStore *books.Store, service *purchase.Service, frontendURL string, log *logger.Logger) *Handler {
	return &Handler{
		Books:       bookStore,
		Service:     service,
		FrontendURL: frontendURL,
		Logger:      log,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		api.POST("/books", h.CreateBook)
		api.GET("/books", h.ListBooks)
		api.GET("/books/:bookId", h.GetBook)
		api.PUT("/books/:bookId/chapters", h.UpdateChapters)
		api.POST("/books/:bookId/checkout", h.CreateCheckout)
		api.GET("/books/purchase/success", h.PurchaseSuccess)
		api.GET("/books/purchase/cancel", h.PurchaseCancel)

		api.GET("/receipts", h.ListReceipts)
		api.POST("/receipts/verify", h.VerifyReceipt)
		api.GET("/receipts/:ref", h.GetReceipt)
		api.GET("/receipts/:ref/qr", h.ReceiptQR)
		api.POST("/receipts/:ref/refund", h.RefundPurchase)

		api.POST("/payment/webhooks/stripe", h.StripeWebhook)
	}
}

func (h *Handler) userID(c *gin.Context) (string, bool) {
	userID, err := auth.UserIDFromRequest(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, utils.ErrorResponse("Unauthorized", err.Error()))
		return "", false
	}
	return userID, true
}

type CreateBookRequest struct {
	TemplateID  string           `json:"template_id" binding:"required"`
	Title       string           `json:"title" binding:"required"`
	ChildName   string           `json:"child_name" binding:"required"`
	ChildAge    int              `json:"child_age"`
	ChildGender string           `json:"child_gender"`
	Dedication  string           `json:"dedication"`
	Chapters    []models.Chapter `json:"chapters" binding:"required"`
	Price       float64          `json:"price" binding:"required"`
}

func (h *Handler) CreateBook(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req CreateBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", err.Error()))
		return
	}

	dedication := req.Dedication
	if dedication == "" {
		dedication = models.DedicationPlaceholder
	}

	book := &models.PersonalizedBook{
		ID:          uuid.NewString(),
		TemplateID:  req.TemplateID,
		UserID:      userID,
		Title:       req.Title,
		ChildName:   req.ChildName,
		ChildAge:    req.ChildAge,
		ChildGender: req.ChildGender,
		Dedication:  dedication,
		Chapters:    req.Chapters,
		Price:       req.Price,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Books.CreateBook(c.Request.Context(), book); err != nil {
		h.Logger.Error("API", fmt.Sprintf("CreateBook failed: %v", err))
		c.JSON(http.StatusInternalServerError, utils.ErrorResponse("Could not create book", err.Error()))
		return
	}

	h.Logger.Info("API", fmt.Sprintf("CreateBook: %s for child %s", book.ID, book.ChildName))
	c.JSON(http.StatusCreated, utils.SuccessResponse("Book created", book))
}

func (h *Handler) ListBooks(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	bookList, err := h.Books.ListBooksByOwner(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, utils.ErrorResponse("Could not list books", err.Error()))
		return
	}
	summaries := make([]models.BookSummary, 0, len(bookList))
	for i := range bookList {
		summaries = append(summaries, bookList[i].Summary())
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Books", summaries))
}

func (h *Handler) GetBook(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	book, err := h.Books.GetBookByID(c.Request.Context(), c.Param("bookId"))
	if err != nil {
		if errors.Is(err, books.ErrBookNotFound) {
			c.JSON(http.StatusNotFound, utils.ErrorResponse("Book not found", err.Error()))
			return
		}
		c.JSON(http.StatusInternalServerError, utils.ErrorResponse("Could not fetch book", err.Error()))
		return
	}
	if book.UserID != userID {
		c.JSON(http.StatusForbidden, utils.ErrorResponse("Access denied", books.ErrNotBookOwner.Error()))
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Book", book))
}

type updateChaptersRequest struct {
	Chapters []models.Chapter `json:"chapters" binding:"required"`
}

// UpdateChapters replaces a book's chapter content. Paid books are locked; the
// printed edition must match what was bought.
func (h *Handler) UpdateChapters(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req updateChaptersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", err.Error()))
		return
	}

	book, err := h.Books.GetBookByID(c.Request.Context(), c.Param("bookId"))
	if err != nil {
		if errors.Is(err, books.ErrBookNotFound) {
			c.JSON(http.StatusNotFound, utils.ErrorResponse("Book not found", err.Error()))
			return
		}
		c.JSON(http.StatusInternalServerError, utils.ErrorResponse("Could not fetch book", err.Error()))
		return
	}
	if book.UserID != userID {
		c.JSON(http.StatusForbidden, utils.ErrorResponse("Access denied", books.ErrNotBookOwner.Error()))
		return
	}
	if book.IsPaid {
		c.JSON(http.StatusConflict, utils.ErrorResponse("Book already purchased", books.ErrAlreadyPaid.Error()))
		return
	}

	if err := h.Books.UpdateChapters(c.Request.Context(), book.ID, req.Chapters); err != nil {
		c.JSON(http.StatusInternalServerError, utils.ErrorResponse("Could not update chapters", err.Error()))
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Chapters updated", nil))
}

type checkoutRequest struct {
	CustomerEmail string `json:"customer_email"`
}

func (h *Handler) CreateCheckout(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req checkoutRequest
	// Body is optional; the email just prefills the checkout page.
	_ = c.ShouldBindJSON(&req)

	resp, err := h.Service.CreateBookCheckout(c.Request.Context(), userID, c.Param("bookId"), req.CustomerEmail)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("CreateCheckout failed: %v", err))
		switch {
		case errors.Is(err, books.ErrBookNotFound):
			c.JSON(http.StatusNotFound, utils.ErrorResponse("Book not found", err.Error()))
		case errors.Is(err, books.ErrNotBookOwner):
			c.JSON(http.StatusForbidden, utils.ErrorResponse("Access denied", err.Error()))
		case errors.Is(err, books.ErrAlreadyPaid):
			c.JSON(http.StatusConflict, utils.ErrorResponse("Book already purchased", err.Error()))
		default:
			c.JSON(http.StatusInternalServerError, utils.ErrorResponse("Could not create checkout", err.Error()))
		}
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Checkout created", resp))
}

// PurchaseSuccess is the browser redirect target; settlement is idempotent
// with the webhook.
func (h *Handler) PurchaseSuccess(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, utils.ErrorResponse("Missing session_id", "session_id query parameter is required"))
		return
	}

	receiptRecord, err := h.Service.ConfirmPurchase(c.Request.Context(), sessionID)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("PurchaseSuccess: %v", err))
		c.Redirect(http.StatusSeeOther, h.FrontendURL+"/books?payment=error")
		return
	}
	c.Redirect(http.StatusSeeOther, fmt.Sprintf("%s/books/%s?payment=success&receipt=%s", h.FrontendURL, receiptRecord.BookID, receiptRecord.ReferenceCode))
}

func (h *Handler) PurchaseCancel(c *gin.Context) {
	h.Logger.LogPayment("CALLBACK", c.Query("session_id"), "Book checkout abandoned")
	c.Redirect(http.StatusSeeOther, h.FrontendURL+"/books?payment=canceled")
}

func (h *Handler) StripeWebhook(c *gin.Context) {
	if err := h.Service.HandleStripeWebhook(c.Request); err != nil {
		var webhookErr *purchase.WebhookError
		if errors.As(err, &webhookErr) {
			h.Logger.Error("API", fmt.Sprintf("StripeWebhook: category=%s: %s", webhookErr.Category, webhookErr.InternalError))
			c.String(webhookErr.StatusCode, webhookErr.PublicError)
			return
		}
		c.String(http.StatusBadRequest, "Webhook processing error")
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) ListReceipts(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	receipts, err := h.Service.ListReceipts(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, utils.ErrorResponse("Could not list receipts", err.Error()))
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Receipts", receipts))
}

func (h *Handler) GetReceipt(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	receiptRecord, err := h.Service.GetReceipt(c.Request.Context(), userID, c.Param("ref"))
	if err != nil {
		h.writeReceiptError(c, err)
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Receipt", receiptRecord))
}

func (h *Handler) ReceiptQR(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	png, err := h.Service.ReceiptQR(c.Request.Context(), userID, c.Param("ref"))
	if err != nil {
		h.writeReceiptError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

type verifyReceiptRequest struct {
	Payload string `json:"payload" binding:"required"`
}

// VerifyReceipt validates a scanned receipt QR payload against the ledger.
func (h *Handler) VerifyReceipt(c *gin.Context) {
	if _, ok := h.userID(c); !ok {
		return
	}

	var req verifyReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", err.Error()))
		return
	}

	receiptRecord, err := h.Service.VerifyReceipt(c.Request.Context(), req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, receipt.ErrReceiptNotFound):
			c.JSON(http.StatusNotFound, utils.ErrorResponse("Receipt not found", err.Error()))
		case errors.Is(err, purchase.ErrReceiptMismatch), errors.Is(err, receipt.ErrInvalidReceipt):
			c.JSON(http.StatusUnprocessableEntity, utils.ErrorResponse("Receipt could not be verified", err.Error()))
		default:
			c.JSON(http.StatusBadRequest, utils.ErrorResponse("Receipt could not be verified", err.Error()))
		}
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Receipt verified", receiptRecord))
}

type refundRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RefundPurchase(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req refundRequest
	_ = c.ShouldBindJSON(&req)

	receiptRecord, err := h.Service.RefundPurchase(c.Request.Context(), userID, c.Param("ref"), req.Reason)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("RefundPurchase failed: %v", err))
		h.writeReceiptError(c, err)
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Refund issued", receiptRecord))
}

func (h *Handler) writeReceiptError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, receipt.ErrReceiptNotFound):
		c.JSON(http.StatusNotFound, utils.ErrorResponse("Receipt not found", err.Error()))
	case errors.Is(err, purchase.ErrReceiptAccessDenied):
		c.JSON(http.StatusForbidden, utils.ErrorResponse("Access denied", err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, utils.ErrorResponse("Receipt operation failed", err.Error()))
	}
}
