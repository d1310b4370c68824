package reservation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// PaymentProof is what the payment collaborator reports for a checkout.
// The service trusts Confirmed; the signature is only checked when a
// secret is configured.
type PaymentProof struct {
	Confirmed      bool   `json:"confirmed"`
	AmountCaptured int64  `json:"amount_captured"`
	Provider       string `json:"provider"`
	OrderID        string `json:"order_id"`
	PaymentID      string `json:"payment_id"`
	Signature      string `json:"signature"`
}

// SignatureVerifier checks a provider signature over order and payment ids.
type SignatureVerifier interface {
	Verify(orderID, paymentID, signature string) bool
}

// HMACVerifier verifies hex HMAC-SHA256 signatures of "order_id|payment_id".
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier returns nil for an empty secret, which disables checks.
func NewHMACVerifier(secret string) *HMACVerifier {
	if secret == "" {
		return nil
	}
	return &HMACVerifier{secret: []byte(secret)}
}

// Sign returns the signature Verify accepts.
func (v *HMACVerifier) Sign(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify implements SignatureVerifier.  A nil verifier accepts everything.
func (v *HMACVerifier) Verify(orderID, paymentID, signature string) bool {
	if v == nil {
		return true
	}
	want := v.Sign(orderID, paymentID)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// checkPayment returns a non-nil error when the proof does not confirm a
// payment of amount.
func checkPayment(p PaymentProof, amount int64, v SignatureVerifier) error {
	if !p.Confirmed {
		return invalidPayment("payment not confirmed")
	}
	if p.AmountCaptured != 0 && p.AmountCaptured != amount {
		return invalidPayment("captured amount does not match booking amount")
	}
	if v != nil && p.Signature != "" && !v.Verify(p.OrderID, p.PaymentID, p.Signature) {
		return invalidPayment("invalid payment signature")
	}
	return nil
}

func invalidPayment(msg string) error {
	return &SeatError{Kind: ErrPaymentNotConfirmed, Cause: paymentError(msg)}
}

type paymentError string

func (e paymentError) Error() string { return string(e) }
