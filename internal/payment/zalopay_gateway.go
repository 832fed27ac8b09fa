package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"banyco-be/internal/logger"
	"banyco-be/internal/metrics"

	"go.uber.org/zap"
)

const (
	DefaultEndpoint = "https://sb-openapi.zalopay.vn"
	DefaultTimeout  = 10 * time.Second

	pathCreate      = "/v2/create"
	pathQuery       = "/v2/query"
	pathRefund      = "/v2/refund"
	pathQueryRefund = "/v2/query_refund"

	maxResponseBytes = 1 << 20
)

type ZaloPayConfig struct {
	AppID       string
	Key1        string // create + query
	Key2        string // inbound callbacks
	RefundKey   string // refund + query_refund, key1 when empty
	Endpoint    string
	CallbackURL string
	RedirectURL string
	Timeout     time.Duration
}

type zaloPayGateway struct {
	cfg        ZaloPayConfig
	httpClient *http.Client
	ids        *idGenerator
}

// ----------------- Constructor -----------------

func NewZaloPayGateway(cfg ZaloPayConfig) Gateway {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.RefundKey == "" {
		cfg.RefundKey = cfg.Key1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	loc, err := time.LoadLocation("Asia/Ho_Chi_Minh")
	if err != nil {
		logger.L().Warn("failed to load Vietnam location, using fixed UTC+7", zap.Error(err))
		loc = time.FixedZone("ICT", 7*60*60)
	}

	return &zaloPayGateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		ids:        newIDGenerator(loc),
	}
}

// ----------------- CreateOrder -----------------

func (z *zaloPayGateway) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	appTransID, appTime, err := z.ids.appTransID(req.OrderID)
	if err != nil {
		return nil, err
	}

	log := logger.FromCtx(ctx).With(
		zap.String("order_id", req.OrderID),
		zap.String("app_trans_id", appTransID),
		zap.Int64("amount", req.Amount),
	)

	embed := make(map[string]any, len(req.EmbedData)+1)
	for k, v := range req.EmbedData {
		embed[k] = v
	}
	if _, ok := embed["redirecturl"]; !ok && z.cfg.RedirectURL != "" {
		embed["redirecturl"] = z.cfg.RedirectURL
	}
	embedJSON, err := json.Marshal(embed)
	if err != nil {
		return nil, fmt.Errorf("marshal embed_data: %w", err)
	}

	items := req.Items
	if items == nil {
		items = []Item{}
	}
	itemJSON, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal item: %w", err)
	}

	appTimeMS := appTime.UnixMilli()
	mac := HMACSHA256Hex(z.cfg.Key1, signCreateOrder(
		z.cfg.AppID, appTransID, req.AppUser, req.Amount, appTimeMS, string(embedJSON), string(itemJSON),
	))

	form := url.Values{}
	form.Set("app_id", z.cfg.AppID)
	form.Set("app_user", req.AppUser)
	form.Set("app_trans_id", appTransID)
	form.Set("app_time", strconv.FormatInt(appTimeMS, 10))
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("item", string(itemJSON))
	form.Set("embed_data", string(embedJSON))
	form.Set("description", req.Description)
	form.Set("bank_code", req.BankCode)
	form.Set("callback_url", z.cfg.CallbackURL)
	form.Set("mac", mac)

	result := &CreateOrderResult{Body: form, AppTransID: appTransID}

	log.Info("creating zalopay order")
	if err := z.post(ctx, "create", pathCreate, form, &result.Response); err != nil {
		log.Error("zalopay create request failed", zap.Error(err))
		return result, err
	}

	if result.Response.ReturnCode != ReturnCodeSuccess {
		perr := &ProviderError{
			Op:               "create",
			ReturnCode:       result.Response.ReturnCode,
			ReturnMessage:    result.Response.ReturnMessage,
			SubReturnCode:    result.Response.SubReturnCode,
			SubReturnMessage: result.Response.SubReturnMessage,
		}
		log.Warn("zalopay rejected order", zap.Error(perr))
		return result, perr
	}

	log.Info("zalopay order created", zap.String("order_url", result.Response.OrderURL))
	return result, nil
}

// ----------------- QueryOrder -----------------

func (z *zaloPayGateway) QueryOrder(ctx context.Context, appTransID string) (*QueryOrderResponse, error) {
	log := logger.FromCtx(ctx).With(zap.String("app_trans_id", appTransID))

	form := url.Values{}
	form.Set("app_id", z.cfg.AppID)
	form.Set("app_trans_id", appTransID)
	form.Set("mac", HMACSHA256Hex(z.cfg.Key1, signQueryOrder(z.cfg.AppID, appTransID, z.cfg.Key1)))

	var res QueryOrderResponse
	if err := z.post(ctx, "query", pathQuery, form, &res); err != nil {
		log.Error("zalopay query request failed", zap.Error(err))
		return nil, err
	}

	log.Debug("zalopay order status",
		zap.Int("return_code", res.ReturnCode),
		zap.Int("sub_return_code", res.SubReturnCode),
		zap.Bool("is_processing", res.IsProcessing),
	)
	return &res, nil
}

// ----------------- Refund -----------------

func (z *zaloPayGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.Amount <= 0 || req.Amount > req.OriginalAmount {
		return nil, ErrInvalidRefundAmount
	}

	mRefundID, ts := z.ids.mRefundID(z.cfg.AppID)
	timestamp := ts.UnixMilli()

	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Banyco refund for transaction %d", req.ZPTransID)
	}

	log := logger.FromCtx(ctx).With(
		zap.String("m_refund_id", mRefundID),
		zap.Int64("zp_trans_id", req.ZPTransID),
		zap.Int64("amount", req.Amount),
	)

	form := url.Values{}
	form.Set("app_id", z.cfg.AppID)
	form.Set("m_refund_id", mRefundID)
	form.Set("zp_trans_id", strconv.FormatInt(req.ZPTransID, 10))
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("timestamp", strconv.FormatInt(timestamp, 10))
	form.Set("description", description)
	form.Set("mac", HMACSHA256Hex(z.cfg.RefundKey, signRefund(
		z.cfg.AppID, req.ZPTransID, req.Amount, description, timestamp,
	)))

	result := &RefundResult{Body: form, MRefundID: mRefundID}

	log.Info("requesting zalopay refund")
	if err := z.post(ctx, "refund", pathRefund, form, &result.Response); err != nil {
		log.Error("zalopay refund request failed", zap.Error(err))
		return result, err
	}

	switch result.Response.ReturnCode {
	case ReturnCodeSuccess, ReturnCodeProcessing:
		log.Info("zalopay refund accepted",
			zap.Int("return_code", result.Response.ReturnCode),
			zap.Int64("refund_id", result.Response.RefundID),
		)
		return result, nil
	default:
		perr := &ProviderError{
			Op:               "refund",
			ReturnCode:       result.Response.ReturnCode,
			ReturnMessage:    result.Response.ReturnMessage,
			SubReturnCode:    result.Response.SubReturnCode,
			SubReturnMessage: result.Response.SubReturnMessage,
		}
		log.Warn("zalopay rejected refund", zap.Error(perr))
		return result, perr
	}
}

// ----------------- QueryRefund -----------------

func (z *zaloPayGateway) QueryRefund(ctx context.Context, mRefundID string) (*QueryRefundResponse, error) {
	log := logger.FromCtx(ctx).With(zap.String("m_refund_id", mRefundID))

	timestamp := time.Now().UnixMilli()

	form := url.Values{}
	form.Set("app_id", z.cfg.AppID)
	form.Set("m_refund_id", mRefundID)
	form.Set("timestamp", strconv.FormatInt(timestamp, 10))
	form.Set("mac", HMACSHA256Hex(z.cfg.RefundKey, signQueryRefund(z.cfg.AppID, mRefundID, timestamp)))

	var res QueryRefundResponse
	if err := z.post(ctx, "query_refund", pathQueryRefund, form, &res); err != nil {
		log.Error("zalopay query_refund request failed", zap.Error(err))
		return nil, err
	}

	log.Debug("zalopay refund status",
		zap.Int("return_code", res.ReturnCode),
		zap.Int("sub_return_code", res.SubReturnCode),
	)
	return &res, nil
}

// ----------------- VerifyCallback -----------------

func (z *zaloPayGateway) VerifyCallback(data, mac string) bool {
	return VerifyCallbackMAC(z.cfg.Key2, data, mac)
}

// post sends a form-encoded request and decodes the JSON reply into out.
// Any non-2xx status is a transport failure; business failures arrive as
// 200 with a return_code and are left to the caller.
func (z *zaloPayGateway) post(ctx context.Context, op, path string, form url.Values, out any) (err error) {
	timer := metrics.StartTimer()
	defer func() {
		metrics.ObserveGatewayCall(op, gatewayOutcome(err, out), timer.Duration())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, z.cfg.Endpoint+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("zalopay %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := z.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("zalopay %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("zalopay %s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("zalopay %s: unexpected http status %d: %s", op, resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("zalopay %s: decode response: %w", op, err)
	}
	return nil
}

func gatewayOutcome(err error, out any) string {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		return "transport_error"
	}
	var code int
	switch r := out.(type) {
	case *CreateOrderResponse:
		code = r.ReturnCode
	case *QueryOrderResponse:
		code = r.ReturnCode
	case *RefundResponse:
		code = r.ReturnCode
	case *QueryRefundResponse:
		code = r.ReturnCode
	}
	switch code {
	case ReturnCodeSuccess:
		return "success"
	case ReturnCodeProcessing:
		return "processing"
	default:
		return "provider_error"
	}
}
