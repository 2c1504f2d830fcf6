package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// challengeResponse is the body a pending endpoint must echo to activate.
type challengeResponse struct {
	Challenge string `json:"challenge"`
}

// Activate verifies a pending subscription by challenge-response: a signed
// POST carrying a random challenge token is sent to the endpoint, which
// must echo the token back with a 2xx status. On success the subscription
// becomes active.
func (d *Deliverer) Activate(ctx context.Context, subscriptionID string) error {
	sub, err := d.subs.Get(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status == SubscriptionActive {
		return nil
	}
	if sub.Status != SubscriptionPending {
		return fmt.Errorf("subscription %s is %s, not pending", sub.ID, sub.Status)
	}

	challenge := uuid.NewString()
	body, err := json.Marshal(map[string]string{
		"type":      "subscription.challenge",
		"challenge": challenge,
	})
	if err != nil {
		return err
	}
	ts := d.now().UTC().Unix()

	rctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, body))
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", ts))
	req.Header.Set(HeaderEventType, "subscription.challenge")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("challenge request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("challenge rejected with status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("read challenge response: %w", err)
	}
	var echoed challengeResponse
	if err := json.Unmarshal(raw, &echoed); err != nil {
		return fmt.Errorf("malformed challenge response: %w", err)
	}
	if echoed.Challenge != challenge {
		return fmt.Errorf("challenge token mismatch")
	}

	if err := d.subs.SetStatus(ctx, sub.ID, SubscriptionActive); err != nil {
		return err
	}
	d.logger.Info(ctx, "webhook subscription activated", "subscription", sub.ID)
	return nil
}
