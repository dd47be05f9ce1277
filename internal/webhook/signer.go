package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the envelope, keyed by the
// endpoint secret. Receivers recompute it to authenticate the sender.
const SignatureHeader = "X-Webhook-Signature"

// Envelope is the wire format delivered to vendor endpoints. Field order is
// fixed by the struct so the signed bytes are stable.
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func NewEnvelope(event string, at time.Time, data json.RawMessage) Envelope {
	return Envelope{
		Event:     event,
		Timestamp: at.UTC().Format(time.RFC3339),
		Data:      data,
	}
}

func (e Envelope) Marshal() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook envelope: %w", err)
	}
	return body, nil
}

// Sign computes the hex HMAC-SHA256 of payload under secret.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
