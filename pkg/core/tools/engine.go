package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Observer receives diagnostics for every invocation. It must not block.
type Observer interface {
	ToolInvoked(inv Invocation)
	LookupRequested(inv Invocation, query string, duplicate bool)
	ToolCompleted(inv Invocation, res Result)
}

type nopObserver struct{}

func (nopObserver) ToolInvoked(Invocation)                    {}
func (nopObserver) LookupRequested(Invocation, string, bool) {}
func (nopObserver) ToolCompleted(Invocation, Result)          {}

type Dependencies struct {
	Leads    LeadStore
	Search   WebSearcher
	Handoff  HandoffTicketer
	Queries  *QuerySet
	Observer Observer
	Logger   *slog.Logger

	// CallID and Transcript are read at execution time; both may be nil.
	CallID     func() string
	Transcript func() []Utterance

	Timeout time.Duration
	Now     func() time.Time
}

// Engine dispatches invocations to the registered actions. It never panics
// and never returns without a Result.
type Engine struct {
	registry *Registry
	observer Observer
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
}

func NewEngine(deps Dependencies) *Engine {
	if deps.Queries == nil {
		deps.Queries = NewQuerySet()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 10 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		registry: NewRegistry(
			&persistLead{store: deps.Leads, callID: deps.CallID, transcript: deps.Transcript},
			&webLookup{searcher: deps.Search, queries: deps.Queries, observer: deps.Observer},
			&requestHandoff{ticketer: deps.Handoff, callID: deps.CallID},
		),
		observer: deps.Observer,
		logger:   deps.Logger,
		timeout:  deps.Timeout,
		now:      deps.Now,
	}
}

// Dispatch executes inv and returns its result. Unknown tools, invalid
// arguments, collaborator errors and panics all become error results.
func (e *Engine) Dispatch(ctx context.Context, inv Invocation) Result {
	e.observer.ToolInvoked(inv)
	start := e.now()

	output, err := e.execute(ctx, inv)
	if err != nil {
		output = errorOutput(err)
		e.logger.Warn("tool invocation failed", "tool", inv.Name, "invocation_id", inv.ID, "error", err)
	}
	res := Result{
		InvocationID: inv.ID,
		Name:         inv.Name,
		Output:       output,
		Err:          err,
		Duration:     e.now().Sub(start),
	}
	e.observer.ToolCompleted(inv, res)
	return res
}

func (e *Engine) execute(ctx context.Context, inv Invocation) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("tool %s panicked: %v", inv.Name, r)
		}
	}()

	ex, ok := e.registry.Lookup(inv.Name)
	if !ok {
		return nil, fmt.Errorf("Unknown tool: %s", inv.Name)
	}
	args, err := inv.args()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return ex.Execute(ctx, inv, args)
}
