// Package backend talks to the call backend over HTTP: minting realtime
// sessions, relaying SDP, logging call events and running the agent's
// server-side tools.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vango-go/vai-call/pkg/core/call"
	"github.com/vango-go/vai-call/pkg/core/tools"
)

const (
	DefaultRealtimeURL = "https://api.openai.com/v1/realtime/calls"

	maxErrorBody = 8192
)

type Config struct {
	// BaseURL is the backend root, e.g. https://calls.example.com.
	BaseURL string
	// RealtimeURL receives SDP offers. Defaults to DefaultRealtimeURL.
	RealtimeURL string
	// APIKey is sent as a bearer token to the backend. The realtime
	// endpoint is authorized with the minted ephemeral credential instead.
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	baseURL     string
	realtimeURL string
	apiKey      string
	httpClient  *http.Client
	logger      *slog.Logger
}

var (
	_ call.SessionMinter    = (*Client)(nil)
	_ call.SDPRelay         = (*Client)(nil)
	_ call.EventSink        = (*Client)(nil)
	_ tools.LeadStore       = (*Client)(nil)
	_ tools.WebSearcher     = (*Client)(nil)
	_ tools.HandoffTicketer = (*Client)(nil)
)

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("backend base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid backend base url: %w", err)
	}
	realtime := strings.TrimSpace(cfg.RealtimeURL)
	if realtime == "" {
		realtime = DefaultRealtimeURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:     base,
		realtimeURL: realtime,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

type mintRequest struct {
	AgentID    string `json:"agentId"`
	CampaignID string `json:"campaignId,omitempty"`
}

// MintSession asks the backend for a realtime session for the agent.
func (c *Client) MintSession(ctx context.Context, agentID, campaignID string) (call.Credentials, error) {
	var creds call.Credentials
	err := c.postJSON(ctx, "/v1/sessions", mintRequest{AgentID: agentID, CampaignID: campaignID}, &creds)
	if err != nil {
		return call.Credentials{}, err
	}
	return creds, nil
}

// ExchangeSDP posts the offer to the realtime endpoint and returns the raw
// answer.
func (c *Client) ExchangeSDP(ctx context.Context, offer, credential string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.realtimeURL, strings.NewReader(offer))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sdp exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", decodeAPIError(resp)
	}
	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read answer: %w", err)
	}
	if strings.TrimSpace(string(answer)) == "" {
		return "", fmt.Errorf("sdp exchange: empty answer")
	}
	return string(answer), nil
}

type eventRequest struct {
	EventType string    `json:"eventType"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

func (c *Client) LogEvent(ctx context.Context, rec call.LogRecord) error {
	if rec.CallID == "" {
		return fmt.Errorf("call id is required")
	}
	path := "/v1/calls/" + url.PathEscape(rec.CallID) + "/events"
	return c.postJSON(ctx, path, eventRequest{EventType: rec.EventType, Payload: rec.Payload, At: rec.At}, nil)
}

func (c *Client) PersistLead(ctx context.Context, lead tools.Lead) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, "/v1/leads", lead, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("lead response is missing the record id")
	}
	return out.ID, nil
}

func (c *Client) RequestHandoff(ctx context.Context, req tools.HandoffRequest) (string, error) {
	var out struct {
		TicketID string `json:"ticketId"`
	}
	if err := c.postJSON(ctx, "/v1/handoffs", req, &out); err != nil {
		return "", err
	}
	if out.TicketID == "" {
		return "", fmt.Errorf("handoff response is missing the ticket id")
	}
	return out.TicketID, nil
}

// Search runs a web lookup through the backend, keeping search keys off
// the client.
func (c *Client) Search(ctx context.Context, query string) ([]tools.SearchResult, error) {
	var out struct {
		Results []tools.SearchResult `json:"results"`
	}
	if err := c.postJSON(ctx, "/v1/search", map[string]string{"query": query}, &out); err != nil {
		return nil, err
	}
	if out.Results == nil {
		out.Results = []tools.SearchResult{}
	}
	return out.Results, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	c.logger.Debug("backend request", "path", path, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
