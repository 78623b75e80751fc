// Package gateway adapts the external payment providers (a card-network
// processor, a redirect-based wallet, and manual bank transfers) to the
// payment.Gateway contract. All provider-specific wire formats and
// branching stay inside this package.
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/xenking/orderflow/internal/domain/payment"
)

// Sign computes the hex HMAC-SHA256 of payload under secret. Providers
// in this package sign webhook bodies this way; tests and the fake
// provider harness reuse it.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature in constant time.
// Returns payment.ErrBadSignature on any mismatch or malformed input.
func VerifySignature(secret, payload []byte, signature string) error {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return payment.ErrBadSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	want := mac.Sum(nil)
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return payment.ErrBadSignature
	}
	return nil
}
