package payment

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidMAC          = errors.New("invalid callback mac")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInvalidRefundAmount = errors.New("refund amount must be positive and not exceed the original amount")
	ErrInvalidOrderID      = errors.New("invalid order id for app_trans_id")
	ErrTransactionNotFound = errors.New("payment transaction not found")
	ErrTransactionOpen     = errors.New("order already has an open or settled payment transaction")
	ErrRefundNotFound      = errors.New("refund not found")
	ErrCallbackNotFound    = errors.New("callback record not found")
)

// ProviderError is a business failure reported by ZaloPay through a
// non-success return_code. It is never retried locally: resending an
// identical create request can open a duplicate order at the provider.
type ProviderError struct {
	Op               string
	ReturnCode       int
	ReturnMessage    string
	SubReturnCode    int
	SubReturnMessage string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("zalopay %s failed: return_code=%d sub_return_code=%d: %s",
		e.Op, e.ReturnCode, e.SubReturnCode, e.message())
}

func (e *ProviderError) message() string {
	if e.SubReturnMessage != "" {
		return e.SubReturnMessage
	}
	return e.ReturnMessage
}

// Reason is a short human readable failure description for order records.
func (e *ProviderError) Reason() string {
	return fmt.Sprintf("%d/%d %s", e.ReturnCode, e.SubReturnCode, e.message())
}
