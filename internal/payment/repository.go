package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	SaveTransaction(ctx context.Context, t *Transaction) error
	GetTransactionByAppTransID(ctx context.Context, appTransID string) (*Transaction, error)
	GetTransactionByOrder(ctx context.Context, orderID int64) (*Transaction, error)
	ListPendingTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]Transaction, error)
	MarkChecked(ctx context.Context, appTransID string) error

	GetRefund(ctx context.Context, mRefundID string) (*Refund, error)
	SumRefunded(ctx context.Context, appTransID string) (int64, error)
	UpdateRefundStatus(ctx context.Context, mRefundID string, status RefundState) error

	SaveCallback(
		ctx context.Context,
		appTransID string,
		payload json.RawMessage,
		signatureValid bool,
	) (uuid.UUID, error)
	MarkCallbackProcessed(ctx context.Context, callbackID uuid.UUID) error
	MarkCallbackFailed(ctx context.Context, callbackID uuid.UUID, reason string) error
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

const transactionColumns = `
	id, order_id, app_trans_id, zp_trans_id, amount, paid_amount, status, order_url, created_at, updated_at`

// SaveTransaction records the app_trans_id -> order mapping. Only a failed
// attempt may be replaced: a pending one can still be paid through its
// order_url and must stay resolvable by callbacks and the reconciler.
func (r *repository) SaveTransaction(ctx context.Context, t *Transaction) error {
	const q = `
	INSERT INTO payment_transactions (order_id, app_trans_id, amount, status, order_url)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (order_id) DO UPDATE
	SET app_trans_id = EXCLUDED.app_trans_id,
		amount       = EXCLUDED.amount,
		status       = EXCLUDED.status,
		order_url    = EXCLUDED.order_url,
		zp_trans_id     = NULL,
		last_checked_at = NULL,
		updated_at      = now()
	WHERE payment_transactions.status = 'failed'
	RETURNING id, created_at, updated_at;
	`

	err := r.db.QueryRowContext(ctx, q,
		t.OrderID, t.AppTransID, t.Amount, t.Status, t.OrderURL,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTransactionOpen
	}
	return err
}

func (r *repository) GetTransactionByAppTransID(ctx context.Context, appTransID string) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT`+transactionColumns+` FROM payment_transactions WHERE app_trans_id = $1`, appTransID)
	return scanTransaction(row)
}

func (r *repository) GetTransactionByOrder(ctx context.Context, orderID int64) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT`+transactionColumns+` FROM payment_transactions WHERE order_id = $1`, orderID)
	return scanTransaction(row)
}

func (r *repository) ListPendingTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT`+transactionColumns+`
		FROM payment_transactions
		WHERE status = 'pending' AND updated_at < $1
		  AND (last_checked_at IS NULL OR last_checked_at < $1)
		ORDER BY last_checked_at NULLS FIRST, updated_at
		LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// MarkChecked stamps a poll on a still-pending transaction so the next
// batch moves on to rows that were not looked at yet.
func (r *repository) MarkChecked(ctx context.Context, appTransID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_transactions SET last_checked_at = now()
		WHERE app_trans_id = $1 AND status = 'pending'
	`, appTransID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		t         Transaction
		zpTransID sql.NullInt64
		orderURL  sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.OrderID, &t.AppTransID, &zpTransID, &t.Amount, &t.PaidAmount,
		&t.Status, &orderURL, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if zpTransID.Valid {
		t.ZPTransID = &zpTransID.Int64
	}
	t.OrderURL = orderURL.String
	return &t, nil
}

func (r *repository) GetRefund(ctx context.Context, mRefundID string) (*Refund, error) {
	const q = `
	SELECT m_refund_id, app_trans_id, zp_trans_id, refund_id, amount, description, status, created_at, updated_at
	FROM refunds WHERE m_refund_id = $1
	`

	var rf Refund
	err := r.db.QueryRowContext(ctx, q, mRefundID).Scan(
		&rf.MRefundID, &rf.AppTransID, &rf.ZPTransID, &rf.RefundID, &rf.Amount,
		&rf.Description, &rf.Status, &rf.CreatedAt, &rf.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rf, nil
}

// SumRefunded totals refunds that succeeded or may still succeed.
func (r *repository) SumRefunded(ctx context.Context, appTransID string) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM refunds
		WHERE app_trans_id = $1 AND status <> 'failed'
	`, appTransID).Scan(&total)
	return total, err
}

func (r *repository) UpdateRefundStatus(ctx context.Context, mRefundID string, status RefundState) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refunds SET status = $1, updated_at = now() WHERE m_refund_id = $2
	`, status, mRefundID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRefundNotFound
	}
	return nil
}

// SaveCallback appends every inbound callback, forged ones included, to
// the audit table. appTransID is empty when the MAC did not verify.
func (r *repository) SaveCallback(
	ctx context.Context,
	appTransID string,
	payload json.RawMessage,
	signatureValid bool,
) (uuid.UUID, error) {

	const q = `
	INSERT INTO payment_callbacks (id, provider, app_trans_id, signature_valid, payload)
	VALUES ($1, $2, NULLIF($3, ''), $4, $5);
	`

	id := uuid.New()
	if _, err := r.db.ExecContext(ctx, q, id, "ZALOPAY", appTransID, signatureValid, []byte(payload)); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (r *repository) MarkCallbackProcessed(ctx context.Context, callbackID uuid.UUID) error {
	return r.execCallbackUpdate(ctx, `
		UPDATE payment_callbacks SET processed_at = now() WHERE id = $1;
	`, callbackID)
}

func (r *repository) MarkCallbackFailed(ctx context.Context, callbackID uuid.UUID, reason string) error {
	return r.execCallbackUpdate(ctx, `
		UPDATE payment_callbacks SET process_error = $2 WHERE id = $1;
	`, callbackID, reason)
}

func (r *repository) execCallbackUpdate(ctx context.Context, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrCallbackNotFound
	}
	return nil
}
