package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// HMACSHA256Hex returns the lowercase hex HMAC-SHA256 of data under key.
func HMACSHA256Hex(key, data string) string {
	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyCallbackMAC reports whether mac is the callback-key MAC of the raw
// callback data. The comparison is exact (case-sensitive) and constant time.
func VerifyCallbackMAC(key, data, mac string) bool {
	expected := HMACSHA256Hex(key, data)
	return hmac.Equal([]byte(expected), []byte(mac))
}

// The sign* helpers build the provider-defined, '|'-joined MAC input for
// each endpoint. Field order is part of the protocol.

func signCreateOrder(appID, appTransID, appUser string, amount, appTime int64, embedData, item string) string {
	return joinFields(appID, appTransID, appUser, strconv.FormatInt(amount, 10),
		strconv.FormatInt(appTime, 10), embedData, item)
}

func signQueryOrder(appID, appTransID, key1 string) string {
	return joinFields(appID, appTransID, key1)
}

func signRefund(appID string, zpTransID, amount int64, description string, timestamp int64) string {
	return joinFields(appID, strconv.FormatInt(zpTransID, 10), strconv.FormatInt(amount, 10),
		description, strconv.FormatInt(timestamp, 10))
}

func signQueryRefund(appID, mRefundID string, timestamp int64) string {
	return joinFields(appID, mRefundID, strconv.FormatInt(timestamp, 10))
}

func joinFields(fields ...string) string {
	return strings.Join(fields, "|")
}
