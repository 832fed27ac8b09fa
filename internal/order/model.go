package order

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

type FulfillmentStatus string

const (
	StatusPending    FulfillmentStatus = "pending"
	StatusProcessing FulfillmentStatus = "processing"
	StatusShipped    FulfillmentStatus = "shipped"
	StatusDelivered  FulfillmentStatus = "delivered"
	StatusCancelled  FulfillmentStatus = "cancelled"
)

type Order struct {
	ID          int64
	OrderNumber string
	UserID      *int64

	CustomerName  string
	CustomerEmail string
	CustomerPhone string

	// Stored as JSONB; the payment flow never looks inside.
	ShippingAddress json.RawMessage
	BillingAddress  json.RawMessage

	Subtotal       decimal.Decimal
	TaxAmount      decimal.Decimal
	ShippingCost   decimal.Decimal
	DiscountAmount decimal.Decimal
	Total          decimal.Decimal

	PaymentMethod     string
	PaymentStatus     PaymentStatus
	FulfillmentStatus FulfillmentStatus

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ShippedAt   *time.Time
	DeliveredAt *time.Time
	CancelledAt *time.Time
}

// Validate checks the money invariant:
// total = subtotal + tax + shipping - discount, every amount non-negative.
func (o *Order) Validate() error {
	amounts := map[string]decimal.Decimal{
		"subtotal":        o.Subtotal,
		"tax_amount":      o.TaxAmount,
		"shipping_cost":   o.ShippingCost,
		"discount_amount": o.DiscountAmount,
		"total":           o.Total,
	}
	for name, v := range amounts {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s is negative", ErrInvalidTotals, name)
		}
	}

	expected := o.Subtotal.Add(o.TaxAmount).Add(o.ShippingCost).Sub(o.DiscountAmount)
	if !expected.Equal(o.Total) {
		return fmt.Errorf("%w: total %s, expected %s", ErrInvalidTotals, o.Total, expected)
	}
	return nil
}

// PayableAmount converts the total into whole VND, the only unit the
// gateway accepts.
func (o *Order) PayableAmount() (int64, error) {
	if !o.Total.IsPositive() {
		return 0, fmt.Errorf("%w: total must be positive", ErrInvalidTotals)
	}
	if !o.Total.Equal(o.Total.Truncate(0)) {
		return 0, fmt.Errorf("%w: total %s is not a whole VND amount", ErrInvalidTotals, o.Total)
	}
	return o.Total.IntPart(), nil
}

func (o *Order) Payable() bool {
	return o.PaymentStatus == PaymentStatusPending || o.PaymentStatus == PaymentStatusFailed
}

// PaymentSession is what the storefront needs to send the buyer to ZaloPay.
type PaymentSession struct {
	OrderID      int64  `json:"orderId"`
	OrderNumber  string `json:"orderNumber"`
	AppTransID   string `json:"appTransId"`
	Amount       int64  `json:"amount"`
	OrderURL     string `json:"orderUrl"`
	ZPTransToken string `json:"zpTransToken,omitempty"`
	QRCode       string `json:"qrCode,omitempty"`
}

// CallbackOutcome tells the webhook how to acknowledge a verified callback.
type CallbackOutcome int

const (
	CallbackRejected CallbackOutcome = iota
	CallbackApplied
	CallbackDuplicate
)

// RefundStatusResult pairs the provider's answer with the stored refund.
// Known is false for refunds this service never issued.
type RefundStatusResult struct {
	MRefundID        string `json:"mRefundId"`
	ReturnCode       int    `json:"returnCode"`
	ReturnMessage    string `json:"returnMessage"`
	SubReturnCode    int    `json:"subReturnCode"`
	SubReturnMessage string `json:"subReturnMessage"`
	State            string `json:"state"`
	Known            bool   `json:"known"`
	Amount           int64  `json:"amount,omitempty"`
}
