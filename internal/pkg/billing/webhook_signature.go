package billing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// DefaultWebhookTolerance matches the provider's documented replay window.
const DefaultWebhookTolerance = webhook.DefaultTolerance

// Verifier authenticates Stripe-Signature headers against the signing secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier. A zero tolerance uses DefaultWebhookTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	return &Verifier{secret: strings.TrimSpace(secret), tolerance: tolerance, now: time.Now}
}

type webhookEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Verify checks the HMAC over "timestamp.payload" in constant time, then
// rejects timestamps outside the tolerance window in either direction. A
// forged header is reported as invalid whatever its timestamp.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (Envelope, error) {
	header := strings.TrimSpace(signatureHeader)
	if header == "" || v.secret == "" {
		return Envelope{}, ErrSignatureInvalid
	}

	if err := webhook.ValidatePayloadIgnoringTolerance(payload, header, v.secret); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	ts, ok := signatureTimestamp(header)
	if !ok {
		return Envelope{}, ErrSignatureInvalid
	}
	skew := v.now().Sub(ts)
	if skew > v.tolerance || -skew > v.tolerance {
		return Envelope{}, ErrReplayedTimestamp
	}

	return envelopeFromPayload(payload)
}

func signatureTimestamp(header string) (time.Time, bool) {
	for _, part := range strings.Split(header, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || k != "t" {
			continue
		}
		sec, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(sec, 0), true
	}
	return time.Time{}, false
}

// envelopeFromPayload decodes a payload that was verified when it was received.
func envelopeFromPayload(payload []byte) (Envelope, error) {
	var raw webhookEnvelope
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(raw.ID) == "" || strings.TrimSpace(raw.Type) == "" {
		return Envelope{}, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}
	return Envelope{
		EventID: strings.TrimSpace(raw.ID),
		Type:    strings.TrimSpace(raw.Type),
		Created: raw.Created,
		Object:  raw.Data.Object,
		Payload: payload,
	}, nil
}
