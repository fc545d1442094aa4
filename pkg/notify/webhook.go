// Package notify announces handoff tickets to a chat-ops channel through an
// incoming webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-call/pkg/core/tools"
)

// Webhook posts {"text": ...} messages, the payload Slack, Mattermost and
// Discord-compatible incoming webhooks accept.
type Webhook struct {
	url        string
	httpClient *http.Client
}

func NewWebhook(url string, httpClient *http.Client) *Webhook {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Webhook{url: strings.TrimSpace(url), httpClient: httpClient}
}

func (w *Webhook) Configured() bool {
	return w != nil && w.url != ""
}

func (w *Webhook) Post(ctx context.Context, text string) error {
	if !w.Configured() {
		return fmt.Errorf("webhook url is not configured")
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

// HandoffNotifier opens tickets through Next and then announces them.
// A failed announcement is logged; the ticket still stands.
type HandoffNotifier struct {
	Next    tools.HandoffTicketer
	Webhook *Webhook
	Logger  *slog.Logger
}

var _ tools.HandoffTicketer = (*HandoffNotifier)(nil)

func (n *HandoffNotifier) RequestHandoff(ctx context.Context, req tools.HandoffRequest) (string, error) {
	if n.Next == nil {
		return "", fmt.Errorf("handoff ticketing is not configured")
	}
	ticketID, err := n.Next.RequestHandoff(ctx, req)
	if err != nil {
		return "", err
	}
	if n.Webhook.Configured() {
		if err := n.Webhook.Post(ctx, FormatHandoff(ticketID, req)); err != nil {
			n.logger().Warn("handoff notification failed", "call_id", req.CallID, "ticket_id", ticketID, "error", err)
		}
	}
	return ticketID, nil
}

func (n *HandoffNotifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

func FormatHandoff(ticketID string, req tools.HandoffRequest) string {
	return fmt.Sprintf(":telephone_receiver: Caller on %s asked for a human (ticket %s): %s", req.CallID, ticketID, req.Reason)
}
