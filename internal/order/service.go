package order

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"banyco-be/internal/logger"
	"banyco-be/internal/metrics"
	"banyco-be/internal/payment"

	"go.uber.org/zap"
)

// Service applies ZaloPay results to the order store. The gateway never
// writes state itself; every transition goes through this layer.
type Service interface {
	StartPayment(ctx context.Context, orderID int64, userID *int64) (*PaymentSession, error)
	HandleCallback(ctx context.Context, data payment.CallbackData) (CallbackOutcome, error)
	Reconcile(ctx context.Context, appTransID string) (*payment.Transaction, error)
	PaymentStatus(ctx context.Context, appTransID string, userID *int64) (*payment.Transaction, error)
	ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (int, error)
	RefundOrder(ctx context.Context, orderID, amount int64, description string) (*payment.Refund, error)
	RefundStatus(ctx context.Context, mRefundID string) (*RefundStatusResult, error)
}

type service struct {
	repo        Repository
	paymentRepo payment.Repository
	paymentGate payment.Gateway
	now         func() time.Time

	// Serializes refunds issued by this process; the order row lock in
	// MarkRefunded covers other instances.
	refundMu sync.Mutex
}

func NewService(repo Repository, payRepo payment.Repository, payGate payment.Gateway) Service {
	return &service{
		repo:        repo,
		paymentRepo: payRepo,
		paymentGate: payGate,
		now:         time.Now,
	}
}

// StartPayment opens a ZaloPay order for the given store order and returns
// the URL the buyer is redirected to. userID is nil for guest checkout.
func (s *service) StartPayment(ctx context.Context, orderID int64, userID *int64) (*PaymentSession, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "StartPayment"),
		zap.Int64("order_id", orderID),
	)

	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		log.Warn("failed to load order", zap.Error(err))
		return nil, err
	}

	if err := checkOwner(o, userID); err != nil {
		log.Warn("order belongs to another user")
		return nil, err
	}

	if !o.Payable() {
		return nil, ErrAlreadyPaid
	}

	if err := o.Validate(); err != nil {
		log.Error("order totals are inconsistent", zap.Error(err))
		return nil, err
	}

	amount, err := o.PayableAmount()
	if err != nil {
		log.Error("order total cannot be charged", zap.Error(err))
		return nil, err
	}

	// A previous attempt may have been paid without the callback reaching
	// us; settle it before opening a second provider order.
	prev, err := s.paymentRepo.GetTransactionByOrder(ctx, orderID)
	switch {
	case errors.Is(err, payment.ErrTransactionNotFound):
	case err != nil:
		return nil, err
	case prev.Status == payment.TransactionPending:
		prev, err = s.Reconcile(ctx, prev.AppTransID)
		if err != nil {
			log.Error("failed to reconcile previous attempt", zap.Error(err))
			return nil, err
		}
		if prev.Status == payment.TransactionPaid {
			return nil, ErrAlreadyPaid
		}
		if prev.Status == payment.TransactionPending {
			// Still open at ZaloPay and payable through its order_url.
			if prev.Amount != amount || prev.OrderURL == "" {
				log.Warn("previous attempt still open",
					zap.String("app_trans_id", prev.AppTransID),
					zap.Int64("attempt_amount", prev.Amount),
				)
				return nil, ErrPaymentInProgress
			}
			log.Info("reusing open payment attempt", zap.String("app_trans_id", prev.AppTransID))
			return &PaymentSession{
				OrderID:     o.ID,
				OrderNumber: o.OrderNumber,
				AppTransID:  prev.AppTransID,
				Amount:      prev.Amount,
				OrderURL:    prev.OrderURL,
			}, nil
		}
	}

	res, err := s.paymentGate.CreateOrder(ctx, payment.CreateOrderRequest{
		OrderID:     strconv.FormatInt(o.ID, 10),
		Amount:      amount,
		Description: fmt.Sprintf("Banyco - Payment for order #%s", o.OrderNumber),
		AppUser:     appUser(o),
		EmbedData:   map[string]any{"order_number": o.OrderNumber},
	})

	// The request was signed and possibly delivered; keep the mapping so a
	// late callback or the reconciler can still match it.
	if res != nil {
		tx := &payment.Transaction{
			OrderID:    o.ID,
			AppTransID: res.AppTransID,
			Amount:     amount,
			Status:     payment.TransactionPending,
			OrderURL:   res.Response.OrderURL,
		}
		if saveErr := s.paymentRepo.SaveTransaction(ctx, tx); saveErr != nil {
			log.Error("failed to save payment transaction",
				zap.String("app_trans_id", res.AppTransID),
				zap.Error(saveErr),
			)
			if err == nil {
				return nil, saveErr
			}
		}
	}

	if err != nil {
		var perr *payment.ProviderError
		if errors.As(err, &perr) {
			if _, markErr := s.repo.MarkFailed(ctx, o.ID, perr.Reason()); markErr != nil {
				log.Error("failed to mark order failed", zap.Error(markErr))
			}
		}
		log.Warn("zalopay create order failed", zap.Error(err))
		return nil, err
	}

	log.Info("payment started", zap.String("app_trans_id", res.AppTransID))

	return &PaymentSession{
		OrderID:      o.ID,
		OrderNumber:  o.OrderNumber,
		AppTransID:   res.AppTransID,
		Amount:       amount,
		OrderURL:     res.Response.OrderURL,
		ZPTransToken: res.Response.ZPTransToken,
		QRCode:       res.Response.QRCode,
	}, nil
}

// checkOwner lets anyone pay or view a guest order; a user's order only
// by that user.
func checkOwner(o *Order, userID *int64) error {
	if o.UserID != nil && (userID == nil || *userID != *o.UserID) {
		return ErrForbidden
	}
	return nil
}

func appUser(o *Order) string {
	if o.UserID != nil {
		return "user_" + strconv.FormatInt(*o.UserID, 10)
	}
	if o.CustomerEmail != "" {
		return o.CustomerEmail
	}
	return "guest"
}

// HandleCallback applies a callback whose MAC has already been verified.
func (s *service) HandleCallback(ctx context.Context, data payment.CallbackData) (CallbackOutcome, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "HandleCallback"),
		zap.String("app_trans_id", data.AppTransID),
		zap.Int64("zp_trans_id", data.ZPTransID),
	)

	tx, err := s.paymentRepo.GetTransactionByAppTransID(ctx, data.AppTransID)
	if err != nil {
		log.Warn("callback for unknown transaction", zap.Error(err))
		return CallbackRejected, err
	}

	if data.Amount != tx.Amount {
		log.Error("callback amount does not match transaction",
			zap.Int64("expected", tx.Amount),
			zap.Int64("got", data.Amount),
		)
		return CallbackRejected, fmt.Errorf("%w: expected %d, got %d", ErrAmountMismatch, tx.Amount, data.Amount)
	}

	applied, err := s.repo.MarkPaid(ctx, tx.OrderID, data.ZPTransID, data.Amount)
	if err != nil {
		log.Error("failed to mark order paid", zap.Error(err))
		return CallbackRejected, err
	}
	if !applied {
		log.Info("duplicate callback ignored")
		return CallbackDuplicate, nil
	}

	log.Info("callback applied", zap.Int64("order_id", tx.OrderID))
	return CallbackApplied, nil
}

// Reconcile asks ZaloPay for the status of a pending transaction and
// applies a final answer. Settled transactions are returned as stored.
func (s *service) Reconcile(ctx context.Context, appTransID string) (*payment.Transaction, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "Reconcile"),
		zap.String("app_trans_id", appTransID),
	)

	tx, err := s.paymentRepo.GetTransactionByAppTransID(ctx, appTransID)
	if err != nil {
		return nil, err
	}
	if tx.Status != payment.TransactionPending {
		return tx, nil
	}

	res, err := s.paymentGate.QueryOrder(ctx, appTransID)
	if err != nil {
		metrics.RecordReconcile("error")
		return nil, err
	}

	switch {
	case res.Paid():
		if res.Amount != tx.Amount {
			metrics.RecordReconcile("amount_mismatch")
			log.Error("queried amount does not match transaction",
				zap.Int64("expected", tx.Amount),
				zap.Int64("got", res.Amount),
			)
			return nil, fmt.Errorf("%w: expected %d, got %d", ErrAmountMismatch, tx.Amount, res.Amount)
		}
		if _, err := s.repo.MarkPaid(ctx, tx.OrderID, res.ZPTransID, res.Amount); err != nil {
			metrics.RecordReconcile("error")
			return nil, err
		}
		zpTransID := res.ZPTransID
		tx.Status = payment.TransactionPaid
		tx.ZPTransID = &zpTransID
		tx.PaidAmount = res.Amount
		metrics.RecordReconcile("paid")
		log.Info("transaction reconciled as paid", zap.Int64("zp_trans_id", res.ZPTransID))

	case res.Failed():
		reason := fmt.Sprintf("%d/%d %s", res.ReturnCode, res.SubReturnCode, res.ReturnMessage)
		if _, err := s.repo.MarkFailed(ctx, tx.OrderID, reason); err != nil {
			metrics.RecordReconcile("error")
			return nil, err
		}
		tx.Status = payment.TransactionFailed
		metrics.RecordReconcile("failed")
		log.Info("transaction reconciled as failed", zap.String("reason", reason))

	case res.Processing():
		metrics.RecordReconcile("processing")

	default:
		metrics.RecordReconcile("unknown")
		log.Warn("unexpected query return code", zap.Int("return_code", res.ReturnCode))
	}

	return tx, nil
}

// PaymentStatus is Reconcile for customers: the caller must own the order
// behind appTransID.
func (s *service) PaymentStatus(ctx context.Context, appTransID string, userID *int64) (*payment.Transaction, error) {
	tx, err := s.paymentRepo.GetTransactionByAppTransID(ctx, appTransID)
	if err != nil {
		return nil, err
	}

	o, err := s.repo.GetOrder(ctx, tx.OrderID)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(o, userID); err != nil {
		logger.FromCtx(ctx).Warn("payment status requested by non-owner",
			zap.String("app_trans_id", appTransID),
			zap.Int64("order_id", o.ID),
		)
		return nil, err
	}

	return s.Reconcile(ctx, appTransID)
}

// ReconcilePending polls transactions that stayed pending longer than
// olderThan and reports how many reached a final state.
func (s *service) ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "ReconcilePending"),
	)

	pending, err := s.paymentRepo.ListPendingTransactions(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		log.Error("failed to list pending transactions", zap.Error(err))
		return 0, err
	}

	resolved := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}

		tx, err := s.Reconcile(ctx, p.AppTransID)
		if err != nil || tx.Status == payment.TransactionPending {
			if markErr := s.paymentRepo.MarkChecked(ctx, p.AppTransID); markErr != nil {
				log.Warn("failed to stamp pending transaction",
					zap.String("app_trans_id", p.AppTransID),
					zap.Error(markErr),
				)
			}
		}
		if err != nil {
			log.Warn("reconcile failed",
				zap.String("app_trans_id", p.AppTransID),
				zap.Error(err),
			)
			continue
		}
		if tx.Status != payment.TransactionPending {
			resolved++
		}
	}

	if len(pending) > 0 {
		log.Info("pending transactions reconciled",
			zap.Int("checked", len(pending)),
			zap.Int("resolved", resolved),
		)
	}
	return resolved, nil
}

// RefundOrder refunds part or all of the captured amount of a paid order.
func (s *service) RefundOrder(ctx context.Context, orderID, amount int64, description string) (*payment.Refund, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "RefundOrder"),
		zap.Int64("order_id", orderID),
		zap.Int64("amount", amount),
	)

	s.refundMu.Lock()
	defer s.refundMu.Unlock()

	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus != PaymentStatusPaid {
		return nil, ErrNotRefundable
	}

	tx, err := s.paymentRepo.GetTransactionByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if tx.ZPTransID == nil || tx.PaidAmount <= 0 {
		return nil, ErrNotRefundable
	}

	refunded, err := s.paymentRepo.SumRefunded(ctx, tx.AppTransID)
	if err != nil {
		return nil, err
	}
	remaining := tx.PaidAmount - refunded
	if amount <= 0 || amount > remaining {
		log.Warn("refund amount rejected", zap.Int64("remaining", remaining))
		return nil, fmt.Errorf("%w: %d requested, %d refundable", payment.ErrInvalidRefundAmount, amount, remaining)
	}

	res, err := s.paymentGate.Refund(ctx, payment.RefundRequest{
		ZPTransID:      *tx.ZPTransID,
		Amount:         amount,
		OriginalAmount: tx.PaidAmount,
		Description:    description,
	})
	if err != nil {
		if res != nil {
			log = log.With(zap.String("m_refund_id", res.MRefundID))
		}
		log.Error("zalopay refund failed", zap.Error(err))
		return nil, err
	}

	refund := &payment.Refund{
		MRefundID:   res.MRefundID,
		AppTransID:  tx.AppTransID,
		ZPTransID:   *tx.ZPTransID,
		RefundID:    res.Response.RefundID,
		Amount:      amount,
		Description: res.Body.Get("description"),
		Status:      res.Response.State(),
	}

	if _, err := s.repo.MarkRefunded(ctx, orderID, refund); err != nil {
		// The provider already accepted the refund; the id is in the log
		// so it can be recorded by hand.
		log.Error("failed to record accepted refund",
			zap.String("m_refund_id", refund.MRefundID),
			zap.Error(err),
		)
		return nil, err
	}

	log.Info("refund issued",
		zap.String("m_refund_id", refund.MRefundID),
		zap.String("status", string(refund.Status)),
	)
	return refund, nil
}

// RefundStatus queries ZaloPay for a refund and settles the stored row
// when it was still processing. Unknown ids are reported, not rejected.
func (s *service) RefundStatus(ctx context.Context, mRefundID string) (*RefundStatusResult, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "RefundStatus"),
		zap.String("m_refund_id", mRefundID),
	)

	res, err := s.paymentGate.QueryRefund(ctx, mRefundID)
	if err != nil {
		return nil, err
	}

	state := res.State()
	out := &RefundStatusResult{
		MRefundID:        mRefundID,
		ReturnCode:       res.ReturnCode,
		ReturnMessage:    res.ReturnMessage,
		SubReturnCode:    res.SubReturnCode,
		SubReturnMessage: res.SubReturnMessage,
		State:            string(state),
	}

	local, err := s.paymentRepo.GetRefund(ctx, mRefundID)
	if errors.Is(err, payment.ErrRefundNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	out.Known = true
	out.Amount = local.Amount

	if local.Status == payment.RefundProcessing && state != payment.RefundProcessing {
		if err := s.paymentRepo.UpdateRefundStatus(ctx, mRefundID, state); err != nil {
			log.Error("failed to update refund status", zap.Error(err))
			return nil, err
		}
		log.Info("refund settled", zap.String("state", string(state)))
	}

	return out, nil
}
