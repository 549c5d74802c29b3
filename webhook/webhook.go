package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/use-agent/renderd/logging"
)

// EventBatchCompleted is sent when every URL of a batch job has a result.
const EventBatchCompleted = "batch.completed"

// SignatureHeader carries the HMAC-SHA256 signature of the request body.
const SignatureHeader = "X-Renderd-Signature"

// maxRetries is the number of redeliveries after the first attempt.
const maxRetries = 3

var (
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
)

// Event is the payload sent to webhook endpoints.
type Event struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// Sign returns the signature header value for body: sha256=<hex>.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Deliver sends a webhook event synchronously.
// The request body is signed with HMAC-SHA256 if secret is non-empty.
func Deliver(ctx context.Context, url, secret string, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Renderd-Webhook/1.0")
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, body))
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// DeliverAsync sends a webhook event in the background, retrying failed
// deliveries up to maxRetries times with growing delays (1s, 5s, 25s). The
// returned channel receives the final error (nil on success) and is then
// closed.
func DeliverAsync(url, secret string, event *Event) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		log := logging.NewLogger("webhook")

		attempt := 0
		err := failsafe.With[any](retryPolicy()).Run(func() error {
			attempt++
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := Deliver(ctx, url, secret, event); err != nil {
				log.Warn().
					Err(err).
					Str("url", url).
					Str("event", event.Type).
					Str("job_id", event.JobID).
					Int("attempt", attempt).
					Msg("webhook delivery failed")
				return err
			}
			return nil
		})
		if err != nil {
			log.Error().
				Str("url", url).
				Str("event", event.Type).
				Str("job_id", event.JobID).
				Msg("webhook delivery exhausted all retries")
			done <- err
			return
		}
		log.Info().
			Str("url", url).
			Str("event", event.Type).
			Str("job_id", event.JobID).
			Int("attempt", attempt).
			Msg("webhook delivered")
		done <- nil
	}()
	return done
}

func retryPolicy() retrypolicy.RetryPolicy[any] {
	return retrypolicy.NewBuilder[any]().
		WithBackoffFactor(retryBaseDelay, retryMaxDelay, 5).
		WithMaxRetries(maxRetries).
		ReturnLastFailure().
		Build()
}
