package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"banyco-be/internal/logger"
	"banyco-be/internal/payment"

	"go.uber.org/zap"
)

// Repository is the order store. It is the only writer of payment state,
// and every transition is idempotent and serialized per order by a row lock.
type Repository interface {
	GetOrder(ctx context.Context, orderID int64) (*Order, error)

	MarkPaid(ctx context.Context, orderID, zpTransID, amount int64) (applied bool, err error)
	MarkFailed(ctx context.Context, orderID int64, reason string) (applied bool, err error)
	MarkRefunded(ctx context.Context, orderID int64, refund *payment.Refund) (applied bool, err error)
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

func (r *repository) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	const q = `
		SELECT id, order_number, user_id,
			customer_name, customer_email, customer_phone,
			shipping_address, billing_address,
			subtotal, tax_amount, shipping_cost, discount_amount, total,
			payment_method, payment_status, status,
			created_at, updated_at, shipped_at, delivered_at, cancelled_at
		FROM orders
		WHERE id = $1
	`

	var (
		o                                Order
		userID                           sql.NullInt64
		shipping, billing                []byte
		shippedAt, deliveredAt, cancelAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, orderID).Scan(
		&o.ID, &o.OrderNumber, &userID,
		&o.CustomerName, &o.CustomerEmail, &o.CustomerPhone,
		&shipping, &billing,
		&o.Subtotal, &o.TaxAmount, &o.ShippingCost, &o.DiscountAmount, &o.Total,
		&o.PaymentMethod, &o.PaymentStatus, &o.FulfillmentStatus,
		&o.CreatedAt, &o.UpdatedAt, &shippedAt, &deliveredAt, &cancelAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	if userID.Valid {
		o.UserID = &userID.Int64
	}
	o.ShippingAddress = shipping
	o.BillingAddress = billing
	o.ShippedAt = nullTime(shippedAt)
	o.DeliveredAt = nullTime(deliveredAt)
	o.CancelledAt = nullTime(cancelAt)
	return &o, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func lockPaymentStatus(ctx context.Context, tx *sql.Tx, orderID int64) (PaymentStatus, error) {
	var status PaymentStatus
	err := tx.QueryRowContext(ctx,
		`SELECT payment_status FROM orders WHERE id = $1 FOR UPDATE`, orderID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrOrderNotFound
	}
	return status, err
}

// MarkPaid settles the order. A repeated call for an order that is
// already paid (or refunded since) changes nothing and reports false.
func (r *repository) MarkPaid(ctx context.Context, orderID, zpTransID, amount int64) (bool, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "repository"),
		zap.Int64("order_id", orderID),
		zap.Int64("zp_trans_id", zpTransID),
	)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	status, err := lockPaymentStatus(ctx, tx, orderID)
	if err != nil {
		return false, err
	}
	if status == PaymentStatusPaid || status == PaymentStatusRefunded {
		log.Info("order already settled, skipping mark paid", zap.String("payment_status", string(status)))
		return false, nil
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE orders SET payment_status = 'paid', updated_at = now() WHERE id = $1
	`, orderID); err != nil {
		return false, err
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = 'paid', zp_trans_id = $2, paid_amount = $3, updated_at = now()
		WHERE order_id = $1
	`, orderID, zpTransID, amount); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	log.Info("order marked as paid")
	return true, nil
}

// MarkFailed only moves pending orders; a late failure report can never
// undo a payment that already settled.
func (r *repository) MarkFailed(ctx context.Context, orderID int64, reason string) (bool, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "repository"),
		zap.Int64("order_id", orderID),
	)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	status, err := lockPaymentStatus(ctx, tx, orderID)
	if err != nil {
		return false, err
	}
	if status != PaymentStatusPending {
		log.Info("order not pending, skipping mark failed", zap.String("payment_status", string(status)))
		return false, nil
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = 'failed', payment_failure_reason = $2, updated_at = now()
		WHERE id = $1
	`, orderID, reason); err != nil {
		return false, err
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE payment_transactions SET status = 'failed', updated_at = now()
		WHERE order_id = $1 AND status = 'pending'
	`, orderID); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	log.Warn("order marked as failed", zap.String("reason", reason))
	return true, nil
}

// MarkRefunded records the refund and flips the order to refunded once
// the non-failed refunds cover the captured amount.
func (r *repository) MarkRefunded(ctx context.Context, orderID int64, refund *payment.Refund) (bool, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "repository"),
		zap.Int64("order_id", orderID),
		zap.String("m_refund_id", refund.MRefundID),
	)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	status, err := lockPaymentStatus(ctx, tx, orderID)
	if err != nil {
		return false, err
	}
	if status != PaymentStatusPaid && status != PaymentStatusRefunded {
		return false, fmt.Errorf("%w: refund on %s order", ErrInvalidTransition, status)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO refunds (m_refund_id, app_trans_id, zp_trans_id, refund_id, amount, description, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (m_refund_id) DO NOTHING
		RETURNING created_at
	`,
		refund.MRefundID, refund.AppTransID, refund.ZPTransID, refund.RefundID,
		refund.Amount, refund.Description, refund.Status,
	).Scan(&refund.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		log.Info("refund already recorded")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var captured, refunded int64
	if err := tx.QueryRowContext(ctx, `
		SELECT t.paid_amount,
			COALESCE((SELECT SUM(f.amount) FROM refunds f
				WHERE f.app_trans_id = t.app_trans_id AND f.status <> 'failed'), 0)
		FROM payment_transactions t
		WHERE t.app_trans_id = $1
	`, refund.AppTransID).Scan(&captured, &refunded); err != nil {
		return false, err
	}
	if refunded > captured {
		log.Error("refunds would exceed captured amount",
			zap.Int64("refunded_total", refunded),
			zap.Int64("captured", captured),
		)
		return false, fmt.Errorf("%w: refunds total %d, captured %d", payment.ErrInvalidRefundAmount, refunded, captured)
	}

	if refunded >= captured {
		if _, err := tx.ExecContext(ctx, `
			UPDATE orders SET payment_status = 'refunded', updated_at = now() WHERE id = $1
		`, orderID); err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE payment_transactions SET status = 'refunded', updated_at = now() WHERE app_trans_id = $1
		`, refund.AppTransID); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	log.Info("refund recorded",
		zap.Int64("amount", refund.Amount),
		zap.Int64("refunded_total", refunded),
		zap.Int64("captured", captured),
	)
	return true, nil
}
