// Package signing computes and verifies HMAC-SHA256 signatures over webhook bodies.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sign returns the lowercase hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignPayload serializes v once and signs the resulting bytes. The returned
// body is the exact byte sequence the signature covers.
func SignPayload(secret string, v any) (body []byte, signature string, err error) {
	body, err = json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("serialize payload: %w", err)
	}
	return body, Sign(secret, body), nil
}

// Verify reports whether signature is the HMAC of rawBody under secret.
func Verify(rawBody []byte, signature, secret string) bool {
	// hex-encoded SHA-256 is always 64 characters
	if len(signature) != hex.EncodedLen(sha256.Size) {
		return false
	}
	expected := Sign(secret, rawBody)
	return hmac.Equal([]byte(expected), []byte(signature))
}
