package consumer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/snehjoshi/epochalarm/internal/scheduler"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>" when the
// subscription has a secret.
const SignatureHeader = "X-Alarmd-Signature"

// Payload is the JSON body POSTed to the webhook URL.
type Payload struct {
	Type      string `json:"type"` // "fired"
	ID        int    `json:"id"`
	Ticket    string `json:"ticket"`
	Seconds   int    `json:"seconds"`
	Message   string `json:"message"`
	FireAt    int64  `json:"fire_at"`  // unix ms
	FiredAt   int64  `json:"fired_at"` // unix ms
	ElapsedMs int64  `json:"elapsed_ms"`
}

func payloadOf(d scheduler.Delivery) Payload {
	return Payload{
		Type:      "fired",
		ID:        d.ID,
		Ticket:    d.Ticket,
		Seconds:   d.Seconds(),
		Message:   d.Payload,
		FireAt:    d.FireAt.UnixMilli(),
		FiredAt:   d.FiredAt.UnixMilli(),
		ElapsedMs: d.Elapsed.Milliseconds(),
	}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// post sends one fired alarm to the subscription URL.
// Returns nil only when the endpoint responds with a 2xx status.
func post(ctx context.Context, client *http.Client, sub *Subscription, d scheduler.Delivery) error {
	body, err := json.Marshal(payloadOf(d))
	if err != nil {
		return fmt.Errorf("consumer: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("consumer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sub.secret != "" {
		req.Header.Set(SignatureHeader, Sign(sub.secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("consumer: POST to %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("consumer: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
