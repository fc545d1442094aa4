package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/vango-go/vai-call/pkg/backend"
	"github.com/vango-go/vai-call/pkg/config"
	"github.com/vango-go/vai-call/pkg/core/call"
	"github.com/vango-go/vai-call/pkg/core/tools"
	"github.com/vango-go/vai-call/pkg/media"
	"github.com/vango-go/vai-call/pkg/monitor"
	"github.com/vango-go/vai-call/pkg/notify"
	"github.com/vango-go/vai-call/pkg/rtc"
	"github.com/vango-go/vai-call/pkg/store/postgres"
	"github.com/vango-go/vai-call/pkg/tools/adapters/tavily"
)

// recordStore persists call events, leads and handoff tickets in place of
// the backend.
type recordStore interface {
	call.EventSink
	tools.LeadStore
	tools.HandoffTicketer
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

type callDeps struct {
	loadDotenv   func(filenames ...string) error
	loadConfig   func() (config.Config, error)
	openStore    func(ctx context.Context, dsn string, logger *slog.Logger) (recordStore, error)
	newDevices   func(logger *slog.Logger) (call.MediaDevices, func())
	newPeers     func(logger *slog.Logger) call.PeerFactory
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
	stdin        *os.File
}

func defaultCallDeps() callDeps {
	return callDeps{
		loadDotenv: godotenv.Load,
		loadConfig: config.LoadFromEnv,
		openStore: func(ctx context.Context, dsn string, logger *slog.Logger) (recordStore, error) {
			return postgres.Open(ctx, dsn, logger)
		},
		newDevices: func(logger *slog.Logger) (call.MediaDevices, func()) {
			d := media.NewDevices(media.Options{Logger: logger})
			return d, d.Close
		},
		newPeers: func(logger *slog.Logger) call.PeerFactory {
			return rtc.NewFactory(rtc.Options{Logger: logger})
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
		stdin:      os.Stdin,
	}
}

type callFlags struct {
	AgentID     string
	CampaignID  string
	MonitorAddr string
	NoKeyboard  bool
}

func parseFlags(args []string) (callFlags, error) {
	var f callFlags
	fs := flag.NewFlagSet("vai-call", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&f.AgentID, "agent", "", "agent id (overrides VAI_CALL_AGENT_ID)")
	fs.StringVar(&f.CampaignID, "campaign", "", "campaign id (overrides VAI_CALL_CAMPAIGN_ID)")
	fs.StringVar(&f.MonitorAddr, "monitor", "", "monitor listen address (overrides VAI_CALL_MONITOR_ADDR)")
	fs.BoolVar(&f.NoKeyboard, "no-keyboard", false, "disable single-key call controls")
	if err := fs.Parse(args); err != nil {
		return callFlags{}, err
	}
	if fs.NArg() > 0 {
		return callFlags{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return f, nil
}

func applyFlags(cfg config.Config, f callFlags) (config.Config, error) {
	if v := strings.TrimSpace(f.AgentID); v != "" {
		cfg.AgentID = v
	}
	if v := strings.TrimSpace(f.CampaignID); v != "" {
		cfg.CampaignID = v
	}
	if v := strings.TrimSpace(f.MonitorAddr); v != "" {
		cfg.MonitorAddr = v
	}
	if f.NoKeyboard {
		cfg.Keyboard = false
	}
	if strings.TrimSpace(cfg.AgentID) == "" {
		return config.Config{}, errors.New("agent id is required (set -agent or VAI_CALL_AGENT_ID)")
	}
	return cfg, nil
}

// collaborators are the adapters behind one call.
type collaborators struct {
	client  *backend.Client
	sink    call.EventSink
	leads   tools.LeadStore
	search  tools.WebSearcher
	handoff tools.HandoffTicketer
	store   monitor.Pinger
	closers []func()
}

func (c *collaborators) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func buildCollaborators(ctx context.Context, cfg config.Config, logger *slog.Logger, deps callDeps) (*collaborators, error) {
	client, err := backend.NewClient(backend.Config{
		BaseURL:     cfg.BackendURL,
		RealtimeURL: cfg.RealtimeURL,
		APIKey:      cfg.BackendAPIKey,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("backend client: %w", err)
	}
	out := &collaborators{
		client:  client,
		sink:    client,
		leads:   client,
		search:  client,
		handoff: client,
	}

	if cfg.DatabaseURL != "" {
		st, err := deps.openStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		if cfg.Migrate {
			if err := st.Migrate(ctx); err != nil {
				st.Close()
				return nil, fmt.Errorf("migrate store: %w", err)
			}
		}
		out.closers = append(out.closers, st.Close)
		out.sink, out.leads, out.handoff = st, st, st
		out.store = st
		logger.Info("persisting to postgres")
	}

	if cfg.TavilyAPIKey != "" {
		out.search = tavily.NewClient(cfg.TavilyAPIKey, cfg.TavilyBaseURL, nil, tavily.WithMaxResults(cfg.TavilyMaxResults))
		logger.Info("web lookups via tavily")
	}

	if hook := notify.NewWebhook(cfg.ChatOpsWebhookURL, nil); hook.Configured() {
		out.handoff = &notify.HandoffNotifier{Next: out.handoff, Webhook: hook, Logger: logger}
	}
	return out, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.MonitorAddr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// keyController is the part of *call.Call the keyboard drives.
type keyController interface {
	End()
	BargeIn() bool
	ForceResume() error
}

// handleKey applies one keypress and reports whether the user asked to quit.
func handleKey(key byte, c keyController, logger *slog.Logger) bool {
	switch key {
	case 'b', 'B':
		if !c.BargeIn() {
			logger.Info("barge-in ignored: call not connected")
		}
	case 'r', 'R':
		if err := c.ForceResume(); err != nil {
			logger.Warn("resume audio failed", "error", err)
		}
	case 'q', 'Q', 0x03, 0x04:
		c.End()
		return true
	}
	return false
}

// readKeys feeds keypresses to c until r fails or the user quits.
func readKeys(r io.Reader, c keyController, logger *slog.Logger) {
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if err != nil {
			return
		}
		if n == 1 && handleKey(buf[0], c, logger) {
			return
		}
	}
}

// startKeyboard puts stdin in raw mode and reads controls in the
// background. The returned func restores the terminal.
func startKeyboard(stdin *os.File, c keyController, logger *slog.Logger) func() {
	if stdin == nil {
		return func() {}
	}
	fd := int(stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		logger.Warn("keyboard controls unavailable", "error", err)
		return func() {}
	}
	fmt.Fprint(os.Stderr, "keys: [b] barge-in  [r] resume audio  [q] hang up\r\n")
	go readKeys(stdin, c, logger)
	return func() { _ = term.Restore(fd, oldState) }
}

// waitForEnd returns once the call reports call.ended, or ctx is done.
func waitForEnd(ctx context.Context, events <-chan call.Event, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case *call.StateChangedEvent:
				logger.Info("call state", "from", e.From, "to", e.To)
			case *call.TranscriptEvent:
				logger.Info("transcript", "speaker", e.Speaker, "text", e.Text)
			case *call.CallEndedEvent:
				logger.Info("call ended", "call_id", e.CallID, "reason", e.Reason, "duration_ms", e.Duration.Milliseconds())
				return nil
			}
		}
	}
}

func runCall(ctx context.Context, logger *slog.Logger, cfg config.Config, deps callDeps) error {
	if deps.openStore == nil || deps.newDevices == nil || deps.newPeers == nil {
		return errors.New("missing call dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	collab, err := buildCollaborators(ctx, cfg, logger, deps)
	if err != nil {
		return err
	}
	defer collab.close()

	devices, closeDevices := deps.newDevices(logger)
	defer closeDevices()

	c, err := call.New(cfg.CallConfig(), call.Dependencies{
		Devices: devices,
		Minter:  collab.client,
		Relay:   collab.client,
		Peers:   deps.newPeers(logger),
		Sink:    collab.sink,
		Leads:   collab.leads,
		Search:  collab.search,
		Handoff: collab.handoff,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	defer c.Close()

	mon, err := monitor.New(monitor.Dependencies{
		Call:           c,
		Metrics:        monitor.NewMetrics(""),
		Logger:         logger,
		PingInterval:   cfg.MonitorPingInterval,
		AllowedOrigins: cfg.AllowedOrigins,
		Store:          collab.store,
	})
	if err != nil {
		return fmt.Errorf("create monitor: %w", err)
	}

	// Subscribe before Start so no transition is missed.
	events, unsubscribe := c.Subscribe(64)
	defer unsubscribe()

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return mon.Run(gctx) })

	if cfg.MonitorAddr != "" {
		httpSrv := buildHTTPServer(cfg, mon.Handler())
		g.Go(func() error {
			logger.Info("monitor listening", "addr", cfg.MonitorAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve monitor: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			mon.SetDraining(true)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("hanging up", "signal", sig.String())
			c.End()
		case <-gctx.Done():
		}
		return nil
	})

	if cfg.Keyboard {
		restore := startKeyboard(deps.stdin, c, logger)
		defer restore()
	}

	g.Go(func() error {
		// The rest of the group only lives as long as the call.
		defer stopRun()
		logger.Info("calling agent", "agent_id", cfg.AgentID, "campaign_id", cfg.CampaignID)
		if err := c.Start(gctx); err != nil {
			var callErr *call.Error
			if errors.As(err, &callErr) && callErr.Kind == call.ErrAborted {
				logger.Info("call abandoned before connect")
				return nil
			}
			return fmt.Errorf("start call: %w", err)
		}
		err := waitForEnd(gctx, events, logger)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if err := c.Emitter().Wait(ctx); err != nil {
		return fmt.Errorf("flush event log: %w", err)
	}
	return nil
}

type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps callDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if deps.loadConfig == nil {
		fmt.Fprintln(stderr, "vai-call: missing loadConfig dependency")
		return 1
	}

	if deps.loadDotenv != nil {
		// A missing .env is not an error.
		if err := deps.loadDotenv(); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(stderr, "vai-call: load .env: %v\n", err)
			return 1
		}
	}

	flags, err := parseFlags(args)
	if err != nil {
		fmt.Fprintf(stderr, "vai-call: %v\n", err)
		return 2
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "vai-call: load config: %v\n", err)
		return 1
	}
	cfg, err = applyFlags(cfg, flags)
	if err != nil {
		fmt.Fprintf(stderr, "vai-call: %v\n", err)
		return 1
	}

	if cfg.Keyboard && deps.stdin != nil && term.IsTerminal(int(deps.stdin.Fd())) {
		// Raw mode drops the carriage return from newlines.
		stderr = crlfWriter{w: stderr}
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	if err := runCall(ctx, logger, cfg, deps); err != nil {
		fmt.Fprintf(stderr, "vai-call: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultCallDeps()))
}
