package order

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"banyco-be/internal/logger"
	"banyco-be/internal/payment"
	"banyco-be/internal/utils"

	"go.uber.org/zap"
)

const maxRequestBytes = 16 << 10

// Handler exposes the payment flow over REST.
type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

type startPaymentRequest struct {
	OrderID int64 `json:"orderId"`
}

type refundRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type paymentView struct {
	OrderID    int64                     `json:"orderId"`
	AppTransID string                    `json:"appTransId"`
	ZPTransID  *int64                    `json:"zpTransId,omitempty"`
	Amount     int64                     `json:"amount"`
	PaidAmount int64                     `json:"paidAmount"`
	Status     payment.TransactionStatus `json:"status"`
	UpdatedAt  time.Time                 `json:"updatedAt"`
}

type refundView struct {
	MRefundID   string              `json:"mRefundId"`
	RefundID    int64               `json:"refundId"`
	AppTransID  string              `json:"appTransId"`
	Amount      int64               `json:"amount"`
	Description string              `json:"description"`
	Status      payment.RefundState `json:"status"`
}

// StartPayment handles POST /payments. Guests may only pay guest orders.
func (h *Handler) StartPayment(w http.ResponseWriter, r *http.Request) {
	var req startPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil || req.OrderID <= 0 {
		utils.WriteJSONError(w, "orderId is required", http.StatusBadRequest)
		return
	}

	var userID *int64
	if id, ok := utils.GetUserIDFromContext(r.Context()); ok {
		userID = &id
	}

	session, err := h.svc.StartPayment(r.Context(), req.OrderID, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	utils.WriteJSON(w, http.StatusCreated, session)
}

// GetPayment handles GET /payments/{appTransID}. A pending transaction is
// checked with ZaloPay before answering. Customers only see their own
// orders' transactions; admins and internal services see any.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	appTransID := r.PathValue("appTransID")
	if appTransID == "" {
		utils.WriteJSONError(w, "appTransID is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	privileged := utils.IsInternalRequest(ctx) || utils.GetUserRoleFromContext(ctx) == utils.RoleAdmin

	var (
		tx  *payment.Transaction
		err error
	)
	if privileged {
		tx, err = h.svc.Reconcile(ctx, appTransID)
	} else {
		var userID *int64
		if id, ok := utils.GetUserIDFromContext(ctx); ok {
			userID = &id
		}
		tx, err = h.svc.PaymentStatus(ctx, appTransID, userID)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	view := paymentView{
		OrderID:    tx.OrderID,
		AppTransID: tx.AppTransID,
		Amount:     tx.Amount,
		PaidAmount: tx.PaidAmount,
		Status:     tx.Status,
		UpdatedAt:  tx.UpdatedAt,
	}
	if privileged {
		view.ZPTransID = tx.ZPTransID
	}
	utils.WriteJSON(w, http.StatusOK, view)
}

// RefundOrder handles POST /orders/{id}/refunds (admin only).
func (h *Handler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := utils.ParseID(r.PathValue("id"))
	if !ok {
		utils.WriteJSONError(w, "invalid order id", http.StatusBadRequest)
		return
	}

	var req refundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		utils.WriteJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rf, err := h.svc.RefundOrder(r.Context(), orderID, req.Amount, req.Description)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if rf.Status == payment.RefundProcessing {
		status = http.StatusAccepted
	}
	utils.WriteJSON(w, status, refundView{
		MRefundID:   rf.MRefundID,
		RefundID:    rf.RefundID,
		AppTransID:  rf.AppTransID,
		Amount:      rf.Amount,
		Description: rf.Description,
		Status:      rf.Status,
	})
}

// RefundStatus handles GET /refunds/{mRefundID} (admin only).
func (h *Handler) RefundStatus(w http.ResponseWriter, r *http.Request) {
	mRefundID := r.PathValue("mRefundID")
	if mRefundID == "" {
		utils.WriteJSONError(w, "mRefundID is required", http.StatusBadRequest)
		return
	}

	res, err := h.svc.RefundStatus(r.Context(), mRefundID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, res)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *payment.ProviderError

	switch {
	case errors.Is(err, ErrOrderNotFound),
		errors.Is(err, payment.ErrTransactionNotFound),
		errors.Is(err, payment.ErrRefundNotFound):
		utils.WriteJSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrForbidden):
		utils.WriteJSONError(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, ErrAlreadyPaid),
		errors.Is(err, ErrNotRefundable),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrAmountMismatch),
		errors.Is(err, ErrPaymentInProgress),
		errors.Is(err, payment.ErrTransactionOpen):
		utils.WriteJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidTotals):
		utils.WriteJSONError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, payment.ErrInvalidRefundAmount),
		errors.Is(err, payment.ErrInvalidAmount):
		utils.WriteJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &perr):
		utils.WriteJSONError(w, "payment provider rejected the request: "+perr.Reason(), http.StatusBadGateway)
	case errors.Is(err, context.DeadlineExceeded):
		utils.WriteJSONError(w, "payment provider timed out", http.StatusGatewayTimeout)
	default:
		logger.FromCtx(r.Context()).Error("unhandled service error",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		utils.WriteJSONError(w, "internal server error", http.StatusInternalServerError)
	}
}
