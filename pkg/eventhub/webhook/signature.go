package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
)

// Delivery headers.
const (
	HeaderSignature = "X-Eventhub-Signature-256"
	HeaderDelivery  = "X-Eventhub-Delivery"
	HeaderEvent     = "X-Eventhub-Event"
)

const signaturePrefix = "sha256="

// Payload is the body POSTed to a subscriber.
type Payload struct {
	SubscriptionID string      `json:"subscriptionId"`
	Event          event.Event `json:"event"`
	Attempt        int         `json:"attempt"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Encode returns the canonical JSON form of p, which is what gets signed.
func (p Payload) Encode() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("webhook: encode payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("webhook: canonicalize payload: %w", err)
	}
	return canonical, nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value against body. Subscribers can use
// it as-is. The error never includes the expected signature.
func Verify(secret string, body []byte, signature string) error {
	if secret == "" {
		return errors.New("webhook signature: secret is empty")
	}
	raw, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return errors.New("webhook signature: missing sha256= prefix")
	}
	got, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("webhook signature: invalid hex: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errors.New("webhook signature: mismatch")
	}
	return nil
}
