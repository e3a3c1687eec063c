package payplus

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// Signature computes the gateway's webhook hash: HMAC-SHA256 of the raw body
// keyed with the secret key, base64 encoded.
func Signature(secretKey string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the hash header and the gateway user agent on a
// webhook delivery.
func VerifySignature(secretKey string, payload []byte, receivedHash, userAgent string) bool {
	if strings.TrimSpace(receivedHash) == "" {
		return false
	}
	if !strings.EqualFold(strings.TrimSpace(userAgent), gatewayUserAgent) {
		return false
	}
	expected := Signature(secretKey, payload)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(receivedHash)))
}
