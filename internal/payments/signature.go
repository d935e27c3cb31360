package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// SignatureVerifier checks gateway payment callbacks. The expected signature is the lowercase hex
// HMAC-SHA256 of "gatewayOrderId|gatewayPaymentId" keyed with the gateway secret.
type SignatureVerifier struct {
	secret []byte
}

// NewSignatureVerifier constructs a verifier for secret.
func NewSignatureVerifier(secret string) (*SignatureVerifier, error) {
	if secret == "" {
		return nil, errors.New("payments: gateway secret is required")
	}
	return &SignatureVerifier{secret: []byte(secret)}, nil
}

// Sign computes the expected signature for the pair.
func (v *SignatureVerifier) Sign(gatewayOrderID, gatewayPaymentID string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(gatewayOrderID + "|" + gatewayPaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is exactly the lowercase hex signature of the pair. The
// comparison runs in constant time and the supplied bytes are not normalised.
func (v *SignatureVerifier) Verify(gatewayOrderID, gatewayPaymentID, signature string) bool {
	expected := v.Sign(gatewayOrderID, gatewayPaymentID)
	return hmac.Equal([]byte(expected), []byte(signature))
}
