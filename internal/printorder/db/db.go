package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storyforge/internal/models"

	"github.com/uptrace/bun"
)

var (
	ErrOrderNotFound   = errors.New("print order not found")
	ErrPaymentNotFound = errors.New("print order payment not found")
	ErrOptionNotFound  = errors.New("service option not found")
)

type DB struct {
	Bun *bun.DB
}

// ---------------- PRINT ORDERS ----------------

func (d *DB) CreateOrder(ctx context.Context, order *models.PrintOrder) error {
	_, err := d.Bun.NewInsert().Model(order).Exec(ctx)
	return err
}

func (d *DB) GetOrderByID(ctx context.Context, id string) (*models.PrintOrder, error) {
	var order models.PrintOrder
	err := d.Bun.NewSelect().
		Model(&order).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *DB) ListOrdersByUser(ctx context.Context, userID string) ([]models.PrintOrder, error) {
	var orders []models.PrintOrder
	err := d.Bun.NewSelect().
		Model(&orders).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// TransitionStatus moves an order between lifecycle states. The conditional
// WHERE keeps concurrent writers from clobbering each other: the update only
// lands if the order is still in the expected state.
func (d *DB) TransitionStatus(ctx context.Context, orderID, fromStatus, toStatus string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.PrintOrder)(nil)).
		Set("status = ?", toStatus).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ? AND status = ?", orderID, fromStatus).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to transition order %s: %w", orderID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// SetStatus force-sets the order status regardless of the current state. Used
// for the vendor status mirror and the error path.
func (d *DB) SetStatus(ctx context.Context, orderID, status string) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.PrintOrder)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", orderID).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// SetVendorJob records the vendor print job id after submission and moves the
// order out of the local-only states.
func (d *DB) SetVendorJob(ctx context.Context, orderID, vendorJobID string) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.PrintOrder)(nil)).
		Set("lulu_print_job_id = ?", vendorJobID).
		Set("status = ?", models.OrderStatusCreated).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", orderID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to record vendor job for order %s: %w", orderID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (d *DB) UpdateTracking(ctx context.Context, orderID string, tracking *models.TrackingInfo) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.PrintOrder)(nil)).
		Set("tracking = ?", tracking).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", orderID).
		Exec(ctx)
	return err
}

// ---------------- PAYMENTS ----------------

func (d *DB) CreatePayment(ctx context.Context, payment *models.PrintOrderPayment) error {
	_, err := d.Bun.NewInsert().Model(payment).Exec(ctx)
	return err
}

func (d *DB) GetPaymentBySession(ctx context.Context, sessionID string) (*models.PrintOrderPayment, error) {
	var payment models.PrintOrderPayment
	err := d.Bun.NewSelect().
		Model(&payment).
		Where("checkout_session_id = ?", sessionID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (d *DB) SetPaymentStatus(ctx context.Context, sessionID string, status models.PaymentStatus) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.PrintOrderPayment)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now().UTC()).
		Where("checkout_session_id = ?", sessionID).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// SupersedePendingPayments retires every unprocessed pending payment attempt
// for an order and returns the retired rows so the caller can expire their
// gateway sessions. Superseded rows drop out of the sweep.
func (d *DB) SupersedePendingPayments(ctx context.Context, orderID string) ([]models.PrintOrderPayment, error) {
	var stale []models.PrintOrderPayment
	err := d.Bun.NewSelect().
		Model(&stale).
		Where("print_order_id = ? AND status = ? AND callback_processed = ?", orderID, models.PaymentPending, false).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	_, err = d.Bun.NewUpdate().
		Model((*models.PrintOrderPayment)(nil)).
		Set("status = ?", models.PaymentSuperseded).
		Set("updated_at = ?", time.Now().UTC()).
		Where("print_order_id = ? AND status = ? AND callback_processed = ?", orderID, models.PaymentPending, false).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to supersede payments for order %s: %w", orderID, err)
	}
	return stale, nil
}

// ReconcilePaymentSuccess atomically claims a successful payment callback and
// updates both the payment row and its order. The callback_processed flag is
// the claim: only the first caller for a session gets claimed=true, so the
// redirect handler, the webhook and the sweep can all race safely. Claiming
// and the follow-up writes share one transaction.
func (d *DB) ReconcilePaymentSuccess(ctx context.Context, sessionID, paymentIntentID, receiptURL, receiptRef string) (claimed bool, payment *models.PrintOrderPayment, err error) {
	err = d.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		res, txErr := tx.NewUpdate().
			Model((*models.PrintOrderPayment)(nil)).
			Set("callback_processed = ?", true).
			Set("status = ?", models.PaymentSucceeded).
			Set("payment_intent_id = ?", paymentIntentID).
			Set("receipt_url = ?", receiptURL).
			Set("receipt_ref = ?", receiptRef).
			Set("updated_at = ?", time.Now().UTC()).
			Where("checkout_session_id = ? AND callback_processed = ?", sessionID, false).
			Exec(ctx)
		if txErr != nil {
			return fmt.Errorf("failed to claim payment callback: %w", txErr)
		}
		affected, txErr := res.RowsAffected()
		if txErr != nil {
			return txErr
		}
		if affected == 0 {
			// Someone already processed this session.
			return nil
		}
		claimed = true

		var p models.PrintOrderPayment
		if txErr := tx.NewSelect().
			Model(&p).
			Where("checkout_session_id = ?", sessionID).
			Limit(1).
			Scan(ctx); txErr != nil {
			return txErr
		}
		payment = &p

		_, txErr = tx.NewUpdate().
			Model((*models.PrintOrder)(nil)).
			Set("payment_status = ?", string(models.PaymentSucceeded)).
			Set("status = ?", models.OrderStatusProductionReady).
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", p.PrintOrderID).
			Exec(ctx)
		if txErr != nil {
			return fmt.Errorf("failed to update order after payment: %w", txErr)
		}
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	if !claimed {
		// Return the current row so callers can report idempotently.
		p, getErr := d.GetPaymentBySession(ctx, sessionID)
		if getErr != nil {
			return false, nil, getErr
		}
		return false, p, nil
	}
	return true, payment, nil
}

// ListPendingPayments returns unprocessed payments created within the sweep
// window, oldest first.
func (d *DB) ListPendingPayments(ctx context.Context, window time.Duration) ([]models.PrintOrderPayment, error) {
	cutoff := time.Now().UTC().Add(-window)
	var payments []models.PrintOrderPayment
	err := d.Bun.NewSelect().
		Model(&payments).
		Where("callback_processed = ? AND status = ? AND created_at > ?", false, models.PaymentPending, cutoff).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return payments, nil
}

// ---------------- SERVICE OPTIONS ----------------

func (d *DB) GetServiceOption(ctx context.Context, id string) (*models.ServiceOption, error) {
	var option models.ServiceOption
	err := d.Bun.NewSelect().
		Model(&option).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &option, nil
}

func (d *DB) ListServiceOptions(ctx context.Context) ([]models.ServiceOption, error) {
	var options []models.ServiceOption
	err := d.Bun.NewSelect().
		Model(&options).
		Order("base_price ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return options, nil
}
