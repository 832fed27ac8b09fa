package order

import "errors"

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTotals     = errors.New("invalid order totals")
	ErrAlreadyPaid       = errors.New("order is already paid")
	ErrPaymentInProgress = errors.New("a previous payment attempt is still in progress")
	ErrNotRefundable     = errors.New("order has no captured payment to refund")
	ErrAmountMismatch    = errors.New("amount mismatch")
	ErrInvalidTransition = errors.New("invalid payment status transition")
)
