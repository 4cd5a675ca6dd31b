// Package webhook implements the two outbound HTTP collaborators treated
// as black boxes by spec.md §1: the per-message forwarding POST and the
// fire-and-forget finish notification. Both are built on the standard
// library's http.Client — no pack example reaches for a third-party HTTP
// client for outbound calls, so this is the one ambient concern kept on
// stdlib rather than a pack dependency (see DESIGN.md).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Outcome categorizes the result of a webhook POST per spec.md §4.E step 7:
// any received HTTP response counts as delivered, regardless of status.
type Outcome int

const (
	// Delivered means an HTTP response was received (2xx, 4xx, or 5xx
	// alike). The webhook owns semantic validation of its own status.
	Delivered Outcome = iota
	// TransportError means no HTTP response was received at all.
	TransportError
)

// Client posts JSON payloads to per-queue webhooks.
type Client struct {
	http *http.Client
}

// NewClient returns a Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Result is the outcome of one webhook POST.
type Result struct {
	Outcome    Outcome
	StatusCode int
}

// Post sends payload as a JSON body to url. A transport failure (DNS,
// connection refused, timeout, etc.) yields TransportError; any received
// response, even a 4xx/5xx, yields Delivered.
func (c *Client) Post(ctx context.Context, url string, payload any) (Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Outcome: TransportError}, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	return Result{Outcome: Delivered, StatusCode: resp.StatusCode}, nil
}

// finishPayload is the body POSTed to FINISH_WEBHOOK on drain or stop
// (spec.md §6, "Finish notification").
type finishPayload struct {
	Queue       string `json:"queue"`
	LastMessage any    `json:"lastMessage"`
}

// Notifier sends the fire-and-forget finish notification.
type Notifier struct {
	client *Client
	url    string
}

// NewNotifier returns a Notifier posting to url.
func NewNotifier(url string, timeout time.Duration) *Notifier {
	return &Notifier{client: NewClient(timeout), url: url}
}

// NotifyFinish posts {"queue": queue, "lastMessage": lastMessage}. Failure
// is logged, never returned: the caller's queue-removal path must not
// block on it (spec.md: "Fire-and-forget: failure is logged but does not
// block queue removal").
func (n *Notifier) NotifyFinish(ctx context.Context, queue string, lastMessage any) {
	_, err := n.client.Post(ctx, n.url, finishPayload{Queue: queue, LastMessage: lastMessage})
	if err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("finish webhook notification failed")
	}
}
