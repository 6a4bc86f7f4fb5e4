package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/noah-isme/toko-orders/internal/common"
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyNotification checks signature against the HMAC-SHA256 of body.
func VerifyNotification(secret string, body []byte, signature string) error {
	secret = strings.TrimSpace(secret)
	signature = strings.ToLower(strings.TrimSpace(signature))
	if secret == "" || signature == "" {
		return common.Security(ErrInvalidSignature, "missing secret or signature")
	}
	if !hmac.Equal([]byte(Sign(secret, body)), []byte(signature)) {
		return common.Security(ErrInvalidSignature, "signature mismatch")
	}
	return nil
}
