package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"banyco-be/internal/logger"
	"banyco-be/internal/metrics"
	"banyco-be/internal/order"
	"banyco-be/internal/payment"
	"banyco-be/internal/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxCallbackBytes = 64 << 10

// ZaloPay ack codes. Anything other than 1 or 2 makes the provider retry.
const (
	ackSuccess   = 1
	ackDuplicate = 2
	ackRetry     = 0
	ackRejected  = -1
)

type Handler struct {
	OrderSvc    order.Service
	Gateway     payment.Gateway
	PaymentRepo payment.Repository
}

func NewWebhookHandler(orderSvc order.Service, gateway payment.Gateway, paymentRepo payment.Repository) *Handler {
	return &Handler{
		OrderSvc:    orderSvc,
		Gateway:     gateway,
		PaymentRepo: paymentRepo,
	}
}

// ZaloPayCallback handles POST /webhook/payment. Order state is only
// touched after the MAC over data verifies with key2.
func (h *Handler) ZaloPayCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "webhook"),
		zap.String("provider", "zalopay"),
	)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		metrics.RecordCallback("bad_request")
		writeAck(w, http.StatusBadRequest, ackRejected, "failed to read body")
		return
	}
	defer r.Body.Close()

	var req payment.CallbackRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Data == "" || req.MAC == "" {
		metrics.RecordCallback("bad_request")
		log.Warn("malformed callback envelope", zap.Error(err))
		writeAck(w, http.StatusBadRequest, ackRejected, "invalid payload")
		return
	}

	if !h.Gateway.VerifyCallback(req.Data, req.MAC) {
		h.audit(ctx, log, "", body, false)
		metrics.RecordCallback("invalid_mac")
		logger.Security(ctx).Warn("zalopay callback rejected",
			zap.Error(payment.ErrInvalidMAC),
			zap.String("ip", r.RemoteAddr),
		)
		writeAck(w, http.StatusUnauthorized, ackRejected, "mac not equal")
		return
	}

	var data payment.CallbackData
	if err := json.Unmarshal([]byte(req.Data), &data); err != nil {
		id := h.audit(ctx, log, "", body, true)
		h.markFailed(ctx, log, id, "invalid data: "+err.Error())
		metrics.RecordCallback("bad_request")
		log.Error("verified callback carries unreadable data", zap.Error(err))
		writeAck(w, http.StatusBadRequest, ackRejected, "invalid data")
		return
	}

	log = log.With(
		zap.String("app_trans_id", data.AppTransID),
		zap.Int64("zp_trans_id", data.ZPTransID),
	)
	id := h.audit(ctx, log, data.AppTransID, body, true)

	outcome, err := h.OrderSvc.HandleCallback(ctx, data)
	switch {
	case errors.Is(err, payment.ErrTransactionNotFound), errors.Is(err, order.ErrAmountMismatch):
		h.markFailed(ctx, log, id, err.Error())
		metrics.RecordCallback("rejected")
		log.Error("callback rejected", zap.Error(err))
		writeAck(w, http.StatusBadRequest, ackRejected, err.Error())
		return

	case err != nil:
		h.markFailed(ctx, log, id, err.Error())
		metrics.RecordCallback("error")
		log.Error("failed to apply callback", zap.Error(err))
		writeAck(w, http.StatusInternalServerError, ackRetry, "internal error")
		return
	}

	h.markProcessed(ctx, log, id)

	if outcome == order.CallbackDuplicate {
		metrics.RecordCallback("duplicate")
		writeAck(w, http.StatusOK, ackDuplicate, "already processed")
		return
	}

	metrics.RecordCallback("applied")
	log.Info("zalopay callback applied")
	writeAck(w, http.StatusOK, ackSuccess, "success")
}

// audit never blocks the callback; a failed insert is only logged.
func (h *Handler) audit(ctx context.Context, log *zap.Logger, appTransID string, body []byte, valid bool) uuid.UUID {
	id, err := h.PaymentRepo.SaveCallback(ctx, appTransID, json.RawMessage(body), valid)
	if err != nil {
		log.Error("failed to save callback audit record", zap.Error(err))
		return uuid.Nil
	}
	return id
}

func (h *Handler) markProcessed(ctx context.Context, log *zap.Logger, id uuid.UUID) {
	if id == uuid.Nil {
		return
	}
	if err := h.PaymentRepo.MarkCallbackProcessed(ctx, id); err != nil {
		log.Warn("failed to mark callback processed", zap.Error(err))
	}
}

func (h *Handler) markFailed(ctx context.Context, log *zap.Logger, id uuid.UUID, reason string) {
	if id == uuid.Nil {
		return
	}
	if err := h.PaymentRepo.MarkCallbackFailed(ctx, id, reason); err != nil {
		log.Warn("failed to mark callback failed", zap.Error(err))
	}
}

func writeAck(w http.ResponseWriter, status, code int, message string) {
	utils.WriteJSON(w, status, payment.CallbackAck{ReturnCode: code, ReturnMessage: message})
}
