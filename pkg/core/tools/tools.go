// Package tools executes the function calls a realtime voice agent makes
// during a call: saving a lead, looking something up on the web, and asking
// for a human to take over.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	ToolPersistLead    = "save_lead"
	ToolWebLookup      = "web_search"
	ToolRequestHandoff = "request_human_handoff"
)

// Invocation is a single function call received from the agent.
type Invocation struct {
	ID   string
	Name string

	// Arguments is the decoded argument object. When nil, RawArguments is
	// decoded at execution time.
	Arguments    map[string]any
	RawArguments string
}

func (inv Invocation) args() (map[string]any, error) {
	if inv.Arguments != nil {
		return inv.Arguments, nil
	}
	raw := strings.TrimSpace(inv.RawArguments)
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Result is what goes back to the agent for an Invocation. Output is always
// populated; on failure it carries an "error" key.
type Result struct {
	InvocationID string
	Name         string
	Output       map[string]any
	Err          error
	Duration     time.Duration
}

func (r Result) Success() bool { return r.Err == nil }

// JSON encodes Output for the function-call output message.
func (r Result) JSON() string {
	b, err := json.Marshal(r.Output)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, "result encoding failed: "+err.Error())
	}
	return string(b)
}

func errorOutput(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

// Utterance is one finalized line of the call transcript.
type Utterance struct {
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// FormatTranscript renders utterances one per line as "speaker: text".
func FormatTranscript(lines []Utterance) string {
	var b strings.Builder
	for i, u := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(u.Speaker)
		b.WriteString(": ")
		b.WriteString(u.Text)
	}
	return b.String()
}

// Lead is the contact captured by the agent.
type Lead struct {
	CallID     string      `json:"callId"`
	Name       string      `json:"name,omitempty"`
	Email      string      `json:"email,omitempty"`
	Phone      string      `json:"phone,omitempty"`
	Company    string      `json:"company,omitempty"`
	Notes      string      `json:"notes,omitempty"`
	Transcript []Utterance `json:"transcript,omitempty"`
}

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Summary string `json:"summary"`
}

type HandoffRequest struct {
	CallID string `json:"callId"`
	Reason string `json:"reason"`
}

type LeadStore interface {
	PersistLead(ctx context.Context, lead Lead) (recordID string, err error)
}

type WebSearcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

type HandoffTicketer interface {
	RequestHandoff(ctx context.Context, req HandoffRequest) (ticketID string, err error)
}

// Definition is a function tool declaration in the realtime session format.
type Definition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// Definitions returns the declarations for every supported tool, in a stable
// order.
func Definitions() []Definition {
	return []Definition{
		{
			Type:        "function",
			Name:        ToolPersistLead,
			Description: "Save the caller's contact details once they have shared them.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":    stringProp("Caller's full name"),
					"email":   stringProp("Caller's email address"),
					"phone":   stringProp("Caller's phone number"),
					"company": stringProp("Caller's company"),
					"notes":   stringProp("Short summary of what the caller needs"),
				},
			},
		},
		{
			Type:        "function",
			Name:        ToolWebLookup,
			Description: "Search the web for current information. Do not repeat a query already searched on this call.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": stringProp("Search query"),
				},
				"required": []string{"query"},
			},
		},
		{
			Type:        "function",
			Name:        ToolRequestHandoff,
			Description: "Ask for a human operator to take over the call.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": stringProp("Why the caller needs a human"),
				},
				"required": []string{"reason"},
			},
		},
	}
}
