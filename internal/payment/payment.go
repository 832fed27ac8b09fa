// Package payment talks to the ZaloPay gateway and stores the
// transactions, refunds and callbacks that tie it to orders.
package payment

import "context"

// Gateway is the outbound half of the ZaloPay integration. It never
// touches storage; callers apply the results to the order store.
type Gateway interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error)
	QueryOrder(ctx context.Context, appTransID string) (*QueryOrderResponse, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	QueryRefund(ctx context.Context, mRefundID string) (*QueryRefundResponse, error)
	VerifyCallback(data, mac string) bool
}
