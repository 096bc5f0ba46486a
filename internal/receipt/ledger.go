package receipt

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storyforge/internal/logger"
	"storyforge/internal/models"

	_ "github.com/lib/pq"
)

var (
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrInvalidReceipt  = errors.New("invalid receipt data")
)

// Ledger persists one receipt per successful book purchase. It is the source
// of truth for revenue reporting and user-facing receipts.
type Ledger struct {
	db  *sql.DB
	log *logger.Logger
}

// NewLedgerWithDB creates a receipt ledger using an existing database connection
func NewLedgerWithDB(db *sql.DB, log *logger.Logger) (*Ledger, error) {
	ledger := &Ledger{db: db, log: log}

	if err := ledger.initTables(); err != nil {
		log.Error("DATABASE", "Failed to initialize receipt tables: "+err.Error())
		return nil, fmt.Errorf("failed to initialize receipt tables: %w", err)
	}

	log.Info("DATABASE", "Receipt ledger initialized")
	return ledger, nil
}

func (l *Ledger) initTables() error {
	l.log.LogDatabase("MIGRATE", "receipts", "Creating receipts table if not exists")

	query := `
    CREATE TABLE IF NOT EXISTS receipts (
        id VARCHAR(36) PRIMARY KEY,
        user_id VARCHAR(36) NOT NULL,
        book_id VARCHAR(36) NOT NULL,
        reference_code VARCHAR(64) UNIQUE NOT NULL,
        stripe_payment_intent_id VARCHAR(255) UNIQUE NOT NULL,
        amount DECIMAL(10,2) NOT NULL,
        currency VARCHAR(8) NOT NULL,
        status VARCHAR(32) NOT NULL,
        receipt_url VARCHAR(500),
        book_title VARCHAR(255),
        child_name VARCHAR(255),
        user_email VARCHAR(255),
        refunded_amount DECIMAL(10,2) DEFAULT 0,
        refund_reason VARCHAR(500),
        refunded_at TIMESTAMP,
        created_at TIMESTAMP NOT NULL,
        updated_at TIMESTAMP NOT NULL
    );
    `
	if _, err := l.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create receipts table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_receipts_user_id ON receipts(user_id);",
		"CREATE INDEX IF NOT EXISTS idx_receipts_book_id ON receipts(book_id);",
	}
	for _, indexQuery := range indexes {
		if _, err := l.db.Exec(indexQuery); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	l.log.LogDatabase("SUCCESS", "receipts", "Receipt table and indexes ready")
	return nil
}

// Create persists a receipt. A duplicate stripe_payment_intent_id is treated
// as an update-in-place of the existing row: the webhook and the synchronous
// confirmation path can race to write the same receipt, and both must land on
// one record. The original reference_code and created_at are never replaced.
func (l *Ledger) Create(receipt *models.Receipt) (*models.Receipt, error) {
	if receipt.StripePaymentIntentID == "" || receipt.UserID == "" || receipt.BookID == "" {
		return nil, fmt.Errorf("%w: user, book and payment intent are required", ErrInvalidReceipt)
	}
	if receipt.ReferenceCode == "" {
		receipt.ReferenceCode = GenerateReferenceCode()
	}

	now := time.Now().UTC()
	receipt.CreatedAt = now
	receipt.UpdatedAt = now

	l.log.LogDatabase("UPSERT", "receipts", fmt.Sprintf("Saving receipt for payment intent %s", receipt.StripePaymentIntentID))

	query := `
    INSERT INTO receipts (
        id, user_id, book_id, reference_code, stripe_payment_intent_id,
        amount, currency, status, receipt_url, book_title, child_name,
        user_email, created_at, updated_at
    ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
    ON CONFLICT (stripe_payment_intent_id) DO UPDATE SET
        status = EXCLUDED.status,
        receipt_url = COALESCE(NULLIF(EXCLUDED.receipt_url, ''), receipts.receipt_url),
        book_title = COALESCE(NULLIF(EXCLUDED.book_title, ''), receipts.book_title),
        child_name = COALESCE(NULLIF(EXCLUDED.child_name, ''), receipts.child_name),
        user_email = COALESCE(NULLIF(EXCLUDED.user_email, ''), receipts.user_email),
        updated_at = EXCLUDED.updated_at
    `

	_, err := l.db.Exec(query,
		receipt.ID, receipt.UserID, receipt.BookID, receipt.ReferenceCode,
		receipt.StripePaymentIntentID, receipt.Amount, receipt.Currency,
		receipt.Status, receipt.ReceiptURL, receipt.BookTitle, receipt.ChildName,
		receipt.UserEmail, receipt.CreatedAt, receipt.UpdatedAt,
	)
	if err != nil {
		l.log.Error("DATABASE", fmt.Sprintf("Failed to save receipt: %s", err.Error()))
		return nil, fmt.Errorf("failed to save receipt: %w", err)
	}

	// Read back: on the merge path the stored row keeps its original id and
	// reference code.
	return l.GetByPaymentIntent(receipt.StripePaymentIntentID)
}

const receiptColumns = `
    id, user_id, book_id, reference_code, stripe_payment_intent_id,
    amount, currency, status, receipt_url, book_title, child_name,
    user_email, refunded_amount, refund_reason, refunded_at, created_at, updated_at
`

func (l *Ledger) scanReceipt(row *sql.Row) (*models.Receipt, error) {
	receipt := &models.Receipt{}
	var receiptURL, bookTitle, childName, userEmail, refundReason sql.NullString
	var refundedAmount sql.NullFloat64
	var refundedAt sql.NullTime

	err := row.Scan(
		&receipt.ID, &receipt.UserID, &receipt.BookID, &receipt.ReferenceCode,
		&receipt.StripePaymentIntentID, &receipt.Amount, &receipt.Currency,
		&receipt.Status, &receiptURL, &bookTitle, &childName, &userEmail,
		&refundedAmount, &refundReason, &refundedAt, &receipt.CreatedAt, &receipt.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan receipt: %w", err)
	}

	receipt.ReceiptURL = receiptURL.String
	receipt.BookTitle = bookTitle.String
	receipt.ChildName = childName.String
	receipt.UserEmail = userEmail.String
	receipt.RefundedAmount = refundedAmount.Float64
	receipt.RefundReason = refundReason.String
	if refundedAt.Valid {
		receipt.RefundedAt = &refundedAt.Time
	}
	return receipt, nil
}

func (l *Ledger) GetByPaymentIntent(paymentIntentID string) (*models.Receipt, error) {
	query := "SELECT " + receiptColumns + " FROM receipts WHERE stripe_payment_intent_id = $1"
	return l.scanReceipt(l.db.QueryRow(query, paymentIntentID))
}

func (l *Ledger) GetByReference(referenceCode string) (*models.Receipt, error) {
	query := "SELECT " + receiptColumns + " FROM receipts WHERE reference_code = $1"
	return l.scanReceipt(l.db.QueryRow(query, referenceCode))
}

// FindRefForBook returns the reference code of the paid receipt for a
// user/book pair, if one exists. Used to link a print-order payment back to
// the base sale.
func (l *Ledger) FindRefForBook(userID, bookID string) (string, error) {
	query := `
    SELECT reference_code FROM receipts
    WHERE user_id = $1 AND book_id = $2 AND status = $3
    ORDER BY created_at DESC LIMIT 1
    `
	var ref string
	err := l.db.QueryRow(query, userID, bookID, string(models.PaymentSucceeded)).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up receipt reference: %w", err)
	}
	return ref, nil
}

func (l *Ledger) ListByUser(userID string, limit, offset int) ([]*models.Receipt, error) {
	l.log.LogDatabase("SELECT", "receipts", fmt.Sprintf("Listing receipts for user %s (limit: %d, offset: %d)", userID, limit, offset))

	query := "SELECT " + receiptColumns + ` FROM receipts
    WHERE user_id = $1
    ORDER BY created_at DESC
    LIMIT $2 OFFSET $3`

	rows, err := l.db.Query(query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	defer rows.Close()

	var receipts []*models.Receipt
	for rows.Next() {
		receipt := &models.Receipt{}
		var receiptURL, bookTitle, childName, userEmail, refundReason sql.NullString
		var refundedAmount sql.NullFloat64
		var refundedAt sql.NullTime

		err := rows.Scan(
			&receipt.ID, &receipt.UserID, &receipt.BookID, &receipt.ReferenceCode,
			&receipt.StripePaymentIntentID, &receipt.Amount, &receipt.Currency,
			&receipt.Status, &receiptURL, &bookTitle, &childName, &userEmail,
			&refundedAmount, &refundReason, &refundedAt, &receipt.CreatedAt, &receipt.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		receipt.ReceiptURL = receiptURL.String
		receipt.BookTitle = bookTitle.String
		receipt.ChildName = childName.String
		receipt.UserEmail = userEmail.String
		receipt.RefundedAmount = refundedAmount.Float64
		receipt.RefundReason = refundReason.String
		if refundedAt.Valid {
			receipt.RefundedAt = &refundedAt.Time
		}
		receipts = append(receipts, receipt)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return receipts, nil
}

// MarkRefunded records a refund against an existing receipt.
func (l *Ledger) MarkRefunded(referenceCode string, amount float64, reason string) (*models.Receipt, error) {
	now := time.Now().UTC()
	query := `
    UPDATE receipts SET
        status = $1, refunded_amount = $2, refund_reason = $3, refunded_at = $4, updated_at = $5
    WHERE reference_code = $6
    `
	res, err := l.db.Exec(query, string(models.PaymentRefunded), amount, reason, now, now, referenceCode)
	if err != nil {
		return nil, fmt.Errorf("failed to mark receipt refunded: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrReceiptNotFound
	}
	return l.GetByReference(referenceCode)
}
