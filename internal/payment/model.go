package payment

import (
	"net/url"
	"time"
)

// ZaloPay return codes shared by every endpoint.
const (
	ReturnCodeSuccess    = 1
	ReturnCodeFail       = 2
	ReturnCodeProcessing = 3
)

type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "pending"
	TransactionPaid     TransactionStatus = "paid"
	TransactionFailed   TransactionStatus = "failed"
	TransactionRefunded TransactionStatus = "refunded"
)

type RefundState string

const (
	RefundProcessing RefundState = "processing"
	RefundSucceeded  RefundState = "success"
	RefundFailed     RefundState = "failed"
)

// Transaction links an order to its ZaloPay transaction (1:1).
type Transaction struct {
	ID         int64
	OrderID    int64
	AppTransID string
	ZPTransID  *int64
	Amount     int64
	PaidAmount int64
	Status     TransactionStatus
	OrderURL   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Refund struct {
	MRefundID   string
	AppTransID  string
	ZPTransID   int64
	RefundID    int64
	Amount      int64
	Description string
	Status      RefundState
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Item struct {
	ItemID       string `json:"itemid"`
	ItemName     string `json:"itemname"`
	ItemPrice    int64  `json:"itemprice"`
	ItemQuantity int    `json:"itemquantity"`
}

type CreateOrderRequest struct {
	OrderID     string
	Amount      int64
	Description string
	AppUser     string
	EmbedData   map[string]any
	Items       []Item
	BankCode    string
}

type CreateOrderResponse struct {
	ReturnCode       int    `json:"return_code"`
	ReturnMessage    string `json:"return_message"`
	SubReturnCode    int    `json:"sub_return_code"`
	SubReturnMessage string `json:"sub_return_message"`
	OrderURL         string `json:"order_url"`
	ZPTransToken     string `json:"zp_trans_token"`
	OrderToken       string `json:"order_token"`
	QRCode           string `json:"qr_code"`
}

// CreateOrderResult is returned even when the call fails after the
// request was signed, so the caller can persist AppTransID and poll.
type CreateOrderResult struct {
	Body       url.Values
	Response   CreateOrderResponse
	AppTransID string
}

type QueryOrderResponse struct {
	ReturnCode       int    `json:"return_code"`
	ReturnMessage    string `json:"return_message"`
	SubReturnCode    int    `json:"sub_return_code"`
	SubReturnMessage string `json:"sub_return_message"`
	IsProcessing     bool   `json:"is_processing"`
	Amount           int64  `json:"amount"`
	ZPTransID        int64  `json:"zp_trans_id"`
	ServerTime       int64  `json:"server_time"`
	DiscountAmount   int64  `json:"discount_amount"`
}

func (r *QueryOrderResponse) Paid() bool       { return r.ReturnCode == ReturnCodeSuccess }
func (r *QueryOrderResponse) Failed() bool     { return r.ReturnCode == ReturnCodeFail }
func (r *QueryOrderResponse) Processing() bool { return r.ReturnCode == ReturnCodeProcessing }

type RefundRequest struct {
	ZPTransID      int64
	Amount         int64
	OriginalAmount int64
	Description    string
}

type RefundResponse struct {
	ReturnCode       int    `json:"return_code"`
	ReturnMessage    string `json:"return_message"`
	SubReturnCode    int    `json:"sub_return_code"`
	SubReturnMessage string `json:"sub_return_message"`
	RefundID         int64  `json:"refund_id"`
}

type RefundResult struct {
	Body      url.Values
	Response  RefundResponse
	MRefundID string
}

// State maps the refund return code onto the stored refund state.
func (r *RefundResponse) State() RefundState {
	return refundState(r.ReturnCode)
}

type QueryRefundResponse struct {
	ReturnCode       int    `json:"return_code"`
	ReturnMessage    string `json:"return_message"`
	SubReturnCode    int    `json:"sub_return_code"`
	SubReturnMessage string `json:"sub_return_message"`
}

func (r *QueryRefundResponse) State() RefundState {
	return refundState(r.ReturnCode)
}

func refundState(code int) RefundState {
	switch code {
	case ReturnCodeSuccess:
		return RefundSucceeded
	case ReturnCodeProcessing:
		return RefundProcessing
	default:
		return RefundFailed
	}
}

// CallbackRequest is the envelope ZaloPay posts to the callback URL.
type CallbackRequest struct {
	Data string `json:"data"`
	MAC  string `json:"mac"`
	Type int    `json:"type"`
}

// CallbackData holds the business fields inside CallbackRequest.Data.
// Only decode it after the MAC has been verified.
type CallbackData struct {
	AppID          int64  `json:"app_id"`
	AppTransID     string `json:"app_trans_id"`
	AppTime        int64  `json:"app_time"`
	AppUser        string `json:"app_user"`
	Amount         int64  `json:"amount"`
	EmbedData      string `json:"embed_data"`
	Item           string `json:"item"`
	ZPTransID      int64  `json:"zp_trans_id"`
	ServerTime     int64  `json:"server_time"`
	Channel        int    `json:"channel"`
	MerchantUserID string `json:"merchant_user_id"`
	UserFeeAmount  int64  `json:"user_fee_amount"`
	DiscountAmount int64  `json:"discount_amount"`
}

// CallbackAck is the body ZaloPay expects in reply to a callback.
type CallbackAck struct {
	ReturnCode    int    `json:"return_code"`
	ReturnMessage string `json:"return_message"`
}
