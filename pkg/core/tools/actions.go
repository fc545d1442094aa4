package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const alreadySearchedMessage = "This query was already searched during this call. Use the earlier results."

func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}

type persistLead struct {
	store      LeadStore
	callID     func() string
	transcript func() []Utterance
}

func (p *persistLead) Name() string { return ToolPersistLead }

func (p *persistLead) Execute(ctx context.Context, _ Invocation, args map[string]any) (map[string]any, error) {
	if p.store == nil {
		return nil, errors.New("lead store is not configured")
	}
	lead := Lead{
		Name:    stringArg(args, "name"),
		Email:   stringArg(args, "email"),
		Phone:   stringArg(args, "phone"),
		Company: stringArg(args, "company"),
		Notes:   stringArg(args, "notes"),
	}
	if lead.Name == "" && lead.Email == "" && lead.Phone == "" {
		return nil, errors.New("at least one of name, email, or phone is required")
	}
	if p.callID != nil {
		lead.CallID = p.callID()
	}
	if p.transcript != nil {
		lead.Transcript = p.transcript()
	}
	id, err := p.store.PersistLead(ctx, lead)
	if err != nil {
		return nil, fmt.Errorf("save lead: %w", err)
	}
	return map[string]any{"success": true, "recordId": id}, nil
}

type webLookup struct {
	searcher WebSearcher
	queries  *QuerySet
	observer Observer
}

func (w *webLookup) Name() string { return ToolWebLookup }

func (w *webLookup) Execute(ctx context.Context, inv Invocation, args map[string]any) (map[string]any, error) {
	query := stringArg(args, "query")
	if query == "" {
		return nil, errors.New("query is required")
	}
	fresh := w.queries.Claim(query)
	w.observer.LookupRequested(inv, query, !fresh)
	if !fresh {
		return map[string]any{
			"results":         []SearchResult{},
			"alreadySearched": true,
			"message":         alreadySearchedMessage,
		}, nil
	}
	if w.searcher == nil {
		return nil, errors.New("web search is not configured")
	}
	results, err := w.searcher.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}
	if results == nil {
		results = []SearchResult{}
	}
	return map[string]any{"query": query, "results": results}, nil
}

type requestHandoff struct {
	ticketer HandoffTicketer
	callID   func() string
}

func (h *requestHandoff) Name() string { return ToolRequestHandoff }

func (h *requestHandoff) Execute(ctx context.Context, _ Invocation, args map[string]any) (map[string]any, error) {
	if h.ticketer == nil {
		return nil, errors.New("handoff is not configured")
	}
	reason := stringArg(args, "reason")
	if reason == "" {
		return nil, errors.New("reason is required")
	}
	req := HandoffRequest{Reason: reason}
	if h.callID != nil {
		req.CallID = h.callID()
	}
	id, err := h.ticketer.RequestHandoff(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("request handoff: %w", err)
	}
	return map[string]any{"success": true, "ticketId": id}, nil
}
