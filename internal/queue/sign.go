package queue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the delivery signature on callback requests.
const SignatureHeader = "X-Queue-Signature"

// Sign computes the hex HMAC-SHA256 of body under key. The managed delivery
// service signs every callback with the shared key; the callback endpoint
// refuses anything it cannot verify.
func Sign(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a callback signature in constant time.
func VerifySignature(key string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(key, body)), []byte(signature))
}
