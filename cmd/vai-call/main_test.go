package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-call/pkg/backend"
	"github.com/vango-go/vai-call/pkg/config"
	"github.com/vango-go/vai-call/pkg/core/call"
	"github.com/vango-go/vai-call/pkg/core/tools"
	"github.com/vango-go/vai-call/pkg/monitor"
	"github.com/vango-go/vai-call/pkg/notify"
	"github.com/vango-go/vai-call/pkg/tools/adapters/tavily"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig() config.Config {
	return config.Config{
		AgentID:             "agent_1",
		BackendURL:          "http://127.0.0.1:1",
		RealtimeURL:         "http://127.0.0.1:1/realtime",
		TavilyMaxResults:    5,
		MonitorPingInterval: time.Second,
		ReadHeaderTimeout:   time.Second,
		ShutdownGracePeriod: time.Second,
		MinRingDuration:     5 * time.Second,
		BargeInMuteWindow:   50 * time.Millisecond,
		ToolTimeout:         time.Second,
	}
}

type fakeStore struct {
	migrated bool
	closed   bool
}

func (s *fakeStore) LogEvent(context.Context, call.LogRecord) error { return nil }
func (s *fakeStore) PersistLead(context.Context, tools.Lead) (string, error) {
	return "lead_1", nil
}
func (s *fakeStore) RequestHandoff(context.Context, tools.HandoffRequest) (string, error) {
	return "ticket_1", nil
}
func (s *fakeStore) Migrate(context.Context) error {
	s.migrated = true
	return nil
}
func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close()                     { s.closed = true }

type deniedDevices struct{}

func (deniedDevices) AcquireMicrophone(context.Context, call.Constraints) (call.MediaStream, error) {
	return nil, call.NewPermissionDeniedError(errors.New("not allowed"))
}

func (deniedDevices) NewAudioContext() (call.AudioContext, error) {
	return nil, errors.New("no output")
}

type unusedPeers struct{ t *testing.T }

func (p unusedPeers) NewPeer(call.PeerConfig) (call.Peer, error) {
	p.t.Fatalf("peer should not be created")
	return nil, nil
}

func testDeps(t *testing.T, store recordStore) callDeps {
	return callDeps{
		loadConfig: func() (config.Config, error) { return baseConfig(), nil },
		openStore: func(context.Context, string, *slog.Logger) (recordStore, error) {
			if store == nil {
				t.Fatalf("store should not be opened")
			}
			return store, nil
		},
		newDevices:   func(*slog.Logger) (call.MediaDevices, func()) { return deniedDevices{}, func() {} },
		newPeers:     func(*slog.Logger) call.PeerFactory { return unusedPeers{t: t} },
		signalNotify: func(chan<- os.Signal, ...os.Signal) {},
		signalStop:   func(chan<- os.Signal) {},
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	var stderr bytes.Buffer
	deps := testDeps(t, nil)
	deps.loadConfig = func() (config.Config, error) { return config.Config{}, errors.New("boom") }

	if code := runMain(context.Background(), nil, &stderr, deps); code != 1 {
		t.Fatalf("exitCode=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "boom") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestRunMain_BadFlagsExitTwo(t *testing.T) {
	var stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"-nope"}, &stderr, testDeps(t, nil)); code != 2 {
		t.Fatalf("exitCode=%d, want 2", code)
	}
}

func TestRunMain_MicrophoneDeniedFailsStart(t *testing.T) {
	var stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-no-keyboard"}, &stderr, testDeps(t, nil))
	if code != 1 {
		t.Fatalf("exitCode=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "Microphone access was denied") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestParseFlags_RejectsPositionalArgs(t *testing.T) {
	if _, err := parseFlags([]string{"-agent", "a", "extra"}); err == nil {
		t.Fatalf("expected error for positional args")
	}
}

func TestApplyFlags_OverridesEnvironment(t *testing.T) {
	cfg := baseConfig()
	cfg.Keyboard = true
	f, err := parseFlags([]string{"-agent", "agent_2", "-campaign", "fall", "-monitor", ":0", "-no-keyboard"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	out, err := applyFlags(cfg, f)
	if err != nil {
		t.Fatalf("applyFlags: %v", err)
	}
	if out.AgentID != "agent_2" || out.CampaignID != "fall" || out.MonitorAddr != ":0" || out.Keyboard {
		t.Fatalf("config=%+v", out)
	}

	cfg.AgentID = ""
	if _, err := applyFlags(cfg, callFlags{}); err == nil {
		t.Fatalf("expected missing agent error")
	}
}

func TestBuildCollaborators_BackendOnly(t *testing.T) {
	collab, err := buildCollaborators(context.Background(), baseConfig(), discardLogger(), testDeps(t, nil))
	if err != nil {
		t.Fatalf("buildCollaborators: %v", err)
	}
	defer collab.close()
	if collab.store != nil {
		t.Fatalf("readiness should not check a store that was never opened")
	}
	if _, ok := collab.sink.(*backend.Client); !ok {
		t.Fatalf("sink=%T, want *backend.Client", collab.sink)
	}
	if _, ok := collab.search.(*backend.Client); !ok {
		t.Fatalf("search=%T, want *backend.Client", collab.search)
	}
	if _, ok := collab.handoff.(*backend.Client); !ok {
		t.Fatalf("handoff=%T, want *backend.Client", collab.handoff)
	}
}

func TestBuildCollaborators_StoreTavilyAndWebhook(t *testing.T) {
	store := &fakeStore{}
	cfg := baseConfig()
	cfg.DatabaseURL = "postgres://localhost/calls"
	cfg.Migrate = true
	cfg.TavilyAPIKey = "tvly-test"
	cfg.ChatOpsWebhookURL = "https://hooks.example.com/T1"

	collab, err := buildCollaborators(context.Background(), cfg, discardLogger(), testDeps(t, store))
	if err != nil {
		t.Fatalf("buildCollaborators: %v", err)
	}
	if !store.migrated {
		t.Fatalf("store was not migrated")
	}
	if collab.sink != recordStore(store) || collab.leads != tools.LeadStore(store) || collab.store != monitor.Pinger(store) {
		t.Fatalf("sink/leads not routed to the store")
	}
	if _, ok := collab.search.(*tavily.Client); !ok {
		t.Fatalf("search=%T, want *tavily.Client", collab.search)
	}
	n, ok := collab.handoff.(*notify.HandoffNotifier)
	if !ok || n.Next != tools.HandoffTicketer(store) {
		t.Fatalf("handoff=%T, want notifier over the store", collab.handoff)
	}
	collab.close()
	if !store.closed {
		t.Fatalf("store was not closed")
	}
}

func TestBuildCollaborators_InvalidBackendURL(t *testing.T) {
	cfg := baseConfig()
	cfg.BackendURL = ""
	if _, err := buildCollaborators(context.Background(), cfg, discardLogger(), testDeps(t, nil)); err == nil {
		t.Fatalf("expected backend error")
	}
}

type fakeKeys struct {
	ended     int
	bargeIns  int
	resumes   int
	connected bool
	resumeErr error
}

func (f *fakeKeys) End() { f.ended++ }
func (f *fakeKeys) BargeIn() bool {
	f.bargeIns++
	return f.connected
}
func (f *fakeKeys) ForceResume() error {
	f.resumes++
	return f.resumeErr
}

func TestHandleKey(t *testing.T) {
	k := &fakeKeys{resumeErr: errors.New("blocked")}
	logger := discardLogger()
	if handleKey('b', k, logger) || handleKey('r', k, logger) || handleKey('x', k, logger) {
		t.Fatalf("only quit keys should stop the loop")
	}
	if k.bargeIns != 1 || k.resumes != 1 || k.ended != 0 {
		t.Fatalf("keys=%+v", k)
	}
	if !handleKey(0x03, k, logger) || k.ended != 1 {
		t.Fatalf("ctrl-c should hang up")
	}
}

func TestReadKeys_StopsOnQuit(t *testing.T) {
	k := &fakeKeys{connected: true}
	readKeys(strings.NewReader("bbqb"), k, discardLogger())
	if k.bargeIns != 2 || k.ended != 1 {
		t.Fatalf("keys=%+v", k)
	}
}

func TestCRLFWriter(t *testing.T) {
	var buf bytes.Buffer
	n, err := crlfWriter{w: &buf}.Write([]byte("a\nb\n"))
	if err != nil || n != 4 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if buf.String() != "a\r\nb\r\n" {
		t.Fatalf("out=%q", buf.String())
	}
}
