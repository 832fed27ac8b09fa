package payment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockRoundTripper allows us to mock the HTTP response
type MockRoundTripper func(req *http.Request) *http.Response

func (f MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

type MockRoundTripperWithError func(req *http.Request) (*http.Response, error)

func (f MockRoundTripperWithError) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

const (
	testAppID = "2553"
	testKey1  = "order-key-0123456789abcdef"
	testKey2  = testCallbackKey
)

func testConfig() ZaloPayConfig {
	return ZaloPayConfig{
		AppID:       testAppID,
		Key1:        testKey1,
		Key2:        testKey2,
		Endpoint:    "https://zalopay.test/",
		CallbackURL: "https://banyco.test/webhook/payment",
		RedirectURL: "https://banyco.test/checkout/result",
	}
}

func newTestGateway(cfg ZaloPayConfig) *zaloPayGateway {
	return NewZaloPayGateway(cfg).(*zaloPayGateway)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
	}
}

func readForm(t *testing.T, req *http.Request) url.Values {
	t.Helper()
	raw, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	form, err := url.ParseQuery(string(raw))
	require.NoError(t, err)
	return form
}

func TestNewZaloPayGateway_Defaults(t *testing.T) {
	gw := newTestGateway(ZaloPayConfig{AppID: testAppID, Key1: testKey1, Key2: testKey2})

	assert.Equal(t, DefaultEndpoint, gw.cfg.Endpoint)
	assert.Equal(t, testKey1, gw.cfg.RefundKey)
	assert.Equal(t, DefaultTimeout, gw.httpClient.Timeout)
}

func TestZaloPayGateway_CreateOrder(t *testing.T) {
	req := CreateOrderRequest{
		OrderID:     "42",
		Amount:      100000,
		Description: "Test order",
		AppUser:     "user_1",
	}

	t.Run("Success_SignsDocumentedFields", func(t *testing.T) {
		gw := newTestGateway(testConfig())

		var sent url.Values
		gw.httpClient.Transport = MockRoundTripper(func(r *http.Request) *http.Response {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "https://zalopay.test/v2/create", r.URL.String())
			assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
			sent = readForm(t, r)
			return jsonResponse(http.StatusOK, `{
				"return_code": 1,
				"return_message": "Giao dịch thành công",
				"sub_return_code": 1,
				"order_url": "https://qcgateway.zalopay.vn/openinapp?order=abc",
				"zp_trans_token": "AC123",
				"order_token": "AC123",
				"qr_code": "000201"
			}`)
		})

		res, err := gw.CreateOrder(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, res.AppTransID, sent.Get("app_trans_id"))
		assert.Contains(t, res.AppTransID, "_42_")
		assert.Equal(t, "https://qcgateway.zalopay.vn/openinapp?order=abc", res.Response.OrderURL)
		assert.Equal(t, "100000", sent.Get("amount"))
		assert.Equal(t, "Test order", sent.Get("description"))
		assert.Equal(t, "https://banyco.test/webhook/payment", sent.Get("callback_url"))
		assert.Equal(t, "[]", sent.Get("item"))
		assert.JSONEq(t, `{"redirecturl":"https://banyco.test/checkout/result"}`, sent.Get("embed_data"))

		expected := independentMAC(testKey1, fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
			testAppID, sent.Get("app_trans_id"), "user_1", "100000",
			sent.Get("app_time"), sent.Get("embed_data"), sent.Get("item")))
		assert.Equal(t, expected, sent.Get("mac"))
		assert.Equal(t, expected, res.Body.Get("mac"))
	})

	t.Run("MismatchedKeyChangesMAC", func(t *testing.T) {
		cfg := testConfig()
		cfg.Key1 = "another-order-key-0123456789"
		gw := newTestGateway(cfg)
		gw.httpClient.Transport = MockRoundTripper(func(r *http.Request) *http.Response {
			return jsonResponse(http.StatusOK, `{"return_code":1}`)
		})

		res, err := gw.CreateOrder(context.Background(), req)
		require.NoError(t, err)

		b := res.Body
		withConfiguredKey := independentMAC(testKey1, fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
			testAppID, b.Get("app_trans_id"), b.Get("app_user"), b.Get("amount"),
			b.Get("app_time"), b.Get("embed_data"), b.Get("item")))
		assert.NotEqual(t, withConfiguredKey, b.Get("mac"))
	})

	t.Run("EmbedDataAndItems", func(t *testing.T) {
		gw := newTestGateway(testConfig())
		var sent url.Values
		gw.httpClient.Transport = MockRoundTripper(func(r *http.Request) *http.Response {
			sent = readForm(t, r)
			return jsonResponse(http.StatusOK, `{"return_code":1}`)
		})

		withExtras := req
		withExtras.EmbedData = map[string]any{"order_number": "BNY-0042", "redirecturl": "https://custom"}
		withExtras.Items = []Item{{ItemID: "sku-1", ItemName: "Tea", ItemPrice: 50000, ItemQuantity: 2}}

		_, err := gw.CreateOrder(context.Background(), withExtras)
		require.NoError(t, err)

		assert.JSONEq(t, `{"order_number":"BNY-0042","redirecturl":"https://custom"}`, sent.Get("embed_data"))
		assert.JSONEq(t, `[{"itemid":"sku-1","itemname":"Tea","itemprice":50000,"itemquantity":2}]`, sent.Get("item"))
	})

	t.Run("UniqueAppTransIDForRapidCalls", func(t *testing.T) {
		gw := newTestGateway(testConfig())
		gw.httpClient.Transport = MockRoundTripper(func(r *http.Request) *http.Response {
			return jsonResponse(http.StatusOK, `{"return_code":1}`)
		})

		first, err := gw.CreateOrder(context.Background(), req)
		require.NoError(t, err)
		second, err := gw.CreateOrder(context.Background(), req)
		require.NoError(t, err)

		assert.NotEqual(t, first.AppTransID, second.AppTransID)
	})

	t.Run("ProviderFailure", func(t *testing.T) {
		gw := newTestGateway(testConfig())
		gw.httpClient.Transport = MockRoundTripper(func(r *http.Request) *http.Response {
			return jsonResponse(http.StatusOK, `{
				"return_code": 2,
				"return_message": "Giao dịch thất bại",
				"sub_return_code": -2,
				"sub_return_message": "Ứng dụng không hợp lệ"
			}`)
		})

		res, err := gw.CreateOrder(context.Background(), req)
		require.Error(t, err)

		var perr *ProviderError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "create", perr.Op)
		assert.Equal(t, 2, perr.ReturnCode)
		assert.Equal(t, -2, perr.SubReturnCode)
		require.NotNil(t, res)
		assert.NotEmpty(t, res.AppTransID)
	})

	t.Run("NetworkErrorKeepsAppTransID", func(t *testing.T) {
		gw := newTestGateway(testConfig())
		gw.httpClient.Transport = MockRoundTripperWithError(func(r *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		})

		res, err := gw.CreateOrder(context.Background(), req)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
		require.NotNil(t, res)
		assert.NotEmpty(t, res.AppTransID)
	})

	t.Run("HTTPError", func(t *testing.T) {
		gw := newTestGateway(testConfig())
		gw.httpClient.Transport = MockRoundTripper(func(r *http.Request) *http.Response {
			return jsonResponse(http.StatusBadGateway, `upstream down`)
		})

		_, err := gw.CreateOrder(context.Background(), req)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected http status 502")
	})

	t.Run("InvalidJSONResponse", func(t *testing.T) {
		gw := newTestGateway(testConfig())
		gw.httpClient.Transport = MockRoundTripper(func(r *http.Request) *http.Response {
			return jsonResponse(http.StatusOK, `{invalid-json`)
		})

		_, err := gw.CreateOrder(context.Background(), req)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "decode response")
	})

	t.Run("InvalidAmount", func(t *testing.T) {
		gw := newTestGateway(testConfig())
		bad := req
		bad.Amount = 0

		_, err := gw.CreateOrder(context.Background(), bad)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestZaloPayGateway_QueryOrder(t *testing.T) {
	appTransID := "240101_42_103000123000"

	t.Run("Paid", func(t *testing.T) {
		gw := newTestGateway(testConfig())
		gw.httpClient.Transport = MockRoundTripper(func(r *http.Request) *http.Response {
			assert.Equal(t, "https://zalopay.test/v2/query", r.URL.String())
			form := readForm(t, r)
			assert.Equal(t, appTransID, form.Get("app_trans_id"))
			assert.Equal(t, independentMAC(testKey1, testAppID+"|"+appTransID+"|"+testKey1), form.Get("mac"))
			return jsonResponse(http.StatusOK, `{
				"return_code": 1,
				"return_message": "Giao dịch thành công",
				"is_processing": false,
				"amount": 100000,
				"zp_trans_id": 240101000000123
			}`)
		})

		res, err := gw.QueryOrder(context.Background(), appTransID)
		require.NoError(t, err)
		assert.True(t, res.Paid())
		assert.Equal(t, int64(100000), res.Amount)
		assert.Equal(t, int64(240101000000123), res.ZPTransID)
	})

	t.Run("ProcessingIsNotAnError", func(t *testing.T) {
		gw := newTestGateway(testConfig())
		gw.httpClient.Transport = MockRoundTripper(func(r *http.Request) *http.Response {
			return jsonResponse(http.StatusOK, `{"return_code": 3, "is_processing": true}`)
		})

		res, err := gw.QueryOrder(context.Background(), appTransID)
		require.NoError(t, err)
		assert.True(t, res.Processing())
	})

	t.Run("Idempotent", func(t *testing.T) {
		gw := newTestGateway(testConfig())
		var macs []string
		gw.httpClient.Transport = MockRoundTripper(func(r *http.Request) *http.Response {
			macs = append(macs, readForm(t, r).Get("mac"))
			return jsonResponse(http.StatusOK, `{"return_code": 2, "sub_return_code": -49}`)
		})

		for i := 0; i < 3; i++ {
			res, err := gw.QueryOrder(context.Background(), appTransID)
			require.NoError(t, err)
			assert.True(t, res.Failed())
		}
		assert.Equal(t, macs[0], macs[1])
		assert.Equal(t, macs[1], macs[2])
	})

	t.Run("NetworkError", func(t *testing.T) {
		gw := newTestGateway(testConfig())
		gw.httpClient.Transport = MockRoundTripperWithError(func(r *http.Request) (*http.Response, error) {
			return nil, errors.New("network error")
		})

		_, err := gw.QueryOrder(context.Background(), appTransID)
		assert.Error(t, err)
	})
}

func TestZaloPayGateway_Refund(t *testing.T) {
	t.Run("RejectedLocally", func(t *testing.T) {
		gw := newTestGateway(testConfig())
		calls := 0
		gw.httpClient.Transport = MockRoundTripper(func(r *http.Request) *http.Response {
			calls++
			return jsonResponse(http.StatusOK, `{"return_code":1}`)
		})

		cases := []RefundRequest{
			{ZPTransID: 1, Amount: 0, OriginalAmount: 100000},
			{ZPTransID: 1, Amount: -5, OriginalAmount: 100000},
			{ZPTransID: 1, Amount: 100001, OriginalAmount: 100000},
		}
		for _, c := range cases {
			res, err := gw.Refund(context.Background(), c)
			assert.ErrorIs(t, err, ErrInvalidRefundAmount)
			assert.Nil(t, res)
		}
		assert.Equal(t, 0, calls, "no provider call expected")
	})

	t.Run("Success_UsesRefundKey", func(t *testing.T) {
		cfg := testConfig()
		cfg.RefundKey = "refund-key-0123456789abcdef"
		gw := newTestGateway(cfg)

		var sent url.Values
		gw.httpClient.Transport = MockRoundTripper(func(r *http.Request) *http.Response {
			assert.Equal(t, "https://zalopay.test/v2/refund", r.URL.String())
			sent = readForm(t, r)
			return jsonResponse(http.StatusOK, `{"return_code": 1, "return_message": "ok", "refund_id": 777}`)
		})

		res, err := gw.Refund(context.Background(), RefundRequest{
			ZPTransID: 240101000000123, Amount: 100000, OriginalAmount: 100000, Description: "Full refund",
		})
		require.NoError(t, err)

		assert.Equal(t, res.MRefundID, sent.Get("m_refund_id"))
		assert.Contains(t, res.MRefundID, "_"+testAppID+"_")
		assert.Equal(t, int64(777), res.Response.RefundID)
		assert.Equal(t, RefundSucceeded, res.Response.State())

		expected := independentMAC("refund-key-0123456789abcdef", fmt.Sprintf("%s|%s|%s|%s|%s",
			testAppID, "240101000000123", "100000", "Full refund", sent.Get("timestamp")))
		assert.Equal(t, expected, sent.Get("mac"))
	})

	t.Run("DefaultDescription", func(t *testing.T) {
		gw := newTestGateway(testConfig())
		var sent url.Values
		gw.httpClient.Transport = MockRoundTripper(func(r *http.Request) *http.Response {
			sent = readForm(t, r)
			return jsonResponse(http.StatusOK, `{"return_code": 3}`)
		})

		res, err := gw.Refund(context.Background(), RefundRequest{ZPTransID: 9, Amount: 1, OriginalAmount: 1})
		require.NoError(t, err)
		assert.Equal(t, RefundProcessing, res.Response.State())
		assert.Equal(t, "Banyco refund for transaction 9", sent.Get("description"))
	})

	t.Run("ProviderRejects", func(t *testing.T) {
		gw := newTestGateway(testConfig())
		gw.httpClient.Transport = MockRoundTripper(func(r *http.Request) *http.Response {
			return jsonResponse(http.StatusOK, `{"return_code": 2, "sub_return_code": -3, "sub_return_message": "Số tiền hoàn vượt quá số tiền giao dịch"}`)
		})

		res, err := gw.Refund(context.Background(), RefundRequest{ZPTransID: 9, Amount: 10, OriginalAmount: 10})
		var perr *ProviderError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "refund", perr.Op)
		assert.Equal(t, -3, perr.SubReturnCode)
		assert.NotNil(t, res)
	})
}

func TestZaloPayGateway_QueryRefund(t *testing.T) {
	t.Run("UnknownRefundReturnsProviderStatus", func(t *testing.T) {
		gw := newTestGateway(testConfig())
		gw.httpClient.Transport = MockRoundTripper(func(r *http.Request) *http.Response {
			assert.Equal(t, "https://zalopay.test/v2/query_refund", r.URL.String())
			form := readForm(t, r)
			assert.Equal(t, "240101_2553_unknown", form.Get("m_refund_id"))
			assert.Equal(t,
				independentMAC(testKey1, testAppID+"|240101_2553_unknown|"+form.Get("timestamp")),
				form.Get("mac"))
			return jsonResponse(http.StatusOK, `{
				"return_code": 2,
				"return_message": "Giao dịch thất bại",
				"sub_return_code": -101,
				"sub_return_message": "Không tìm thấy yêu cầu hoàn tiền"
			}`)
		})

		res, err := gw.QueryRefund(context.Background(), "240101_2553_unknown")
		require.NoError(t, err)
		assert.Equal(t, ReturnCodeFail, res.ReturnCode)
		assert.Equal(t, -101, res.SubReturnCode)
		assert.Equal(t, RefundFailed, res.State())
	})

	t.Run("Succeeded", func(t *testing.T) {
		gw := newTestGateway(testConfig())
		gw.httpClient.Transport = MockRoundTripper(func(r *http.Request) *http.Response {
			return jsonResponse(http.StatusOK, `{"return_code": 1}`)
		})

		res, err := gw.QueryRefund(context.Background(), "240101_2553_1")
		require.NoError(t, err)
		assert.Equal(t, RefundSucceeded, res.State())
	})

	t.Run("NetworkError", func(t *testing.T) {
		gw := newTestGateway(testConfig())
		gw.httpClient.Transport = MockRoundTripperWithError(func(r *http.Request) (*http.Response, error) {
			return nil, errors.New("net error")
		})

		_, err := gw.QueryRefund(context.Background(), "240101_2553_1")
		assert.Error(t, err)
	})
}

func TestZaloPayGateway_VerifyCallback(t *testing.T) {
	gw := newTestGateway(testConfig())
	data := callbackBody(t)

	assert.True(t, gw.VerifyCallback(data, independentMAC(testKey2, data)))
	assert.False(t, gw.VerifyCallback(data, independentMAC(testKey1, data)))
	assert.False(t, gw.VerifyCallback(data+" ", independentMAC(testKey2, data)))
}

func TestGatewayOutcome(t *testing.T) {
	assert.Equal(t, "timeout", gatewayOutcome(fmt.Errorf("x: %w", context.DeadlineExceeded), nil))
	assert.Equal(t, "transport_error", gatewayOutcome(errors.New("boom"), nil))
	assert.Equal(t, "success", gatewayOutcome(nil, &CreateOrderResponse{ReturnCode: 1}))
	assert.Equal(t, "processing", gatewayOutcome(nil, &RefundResponse{ReturnCode: 3}))
	assert.Equal(t, "provider_error", gatewayOutcome(nil, &QueryRefundResponse{ReturnCode: 2}))
}
