package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// SignatureHeader carries base64(HMAC-SHA256(secret, url + body)).
const SignatureHeader = "X-Yardlink-Signature"

var ErrSignatureInvalid = errors.New("delivery: webhook signature invalid")

// Sign computes the callback signature over the full URL and raw body.
func Sign(secret []byte, fullURL string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(fullURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks signature in constant time.
func Verify(secret []byte, fullURL string, body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if len(secret) == 0 || signature == "" {
		return ErrSignatureInvalid
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrSignatureInvalid
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(fullURL))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignatureInvalid
	}
	return nil
}
