// Package monitor serves health, metrics, a live event stream and call
// controls over HTTP for a running call.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-call/pkg/core/call"
)

// Controller is the part of *call.Call the monitor drives.
type Controller interface {
	Subscribe(buffer int) (<-chan call.Event, func())
	Snapshot() call.Snapshot
	End()
	BargeIn() bool
	ForceResume() error
}

var _ Controller = (*call.Call)(nil)

// Pinger is a dependency /readyz checks, such as the event store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Dependencies struct {
	Call    Controller
	Metrics *Metrics
	Logger  *slog.Logger

	// PingInterval keeps idle event streams alive. Default: 30s.
	PingInterval time.Duration
	// AllowedOrigins lists browser origins that may open event streams and
	// post controls. Empty allows only same-origin pages.
	AllowedOrigins []string

	// Store is optional; when set /readyz fails while it is unreachable.
	Store Pinger
}

type Server struct {
	call     Controller
	metrics  *Metrics
	logger   *slog.Logger
	ping     time.Duration
	origins  map[string]struct{}
	store    Pinger
	mux      *http.ServeMux
	draining atomic.Bool
	streams  atomic.Int64
}

func New(deps Dependencies) (*Server, error) {
	if deps.Call == nil {
		return nil, errors.New("monitor: call is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics("")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.PingInterval <= 0 {
		deps.PingInterval = 30 * time.Second
	}
	s := &Server{
		call:    deps.Call,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		ping:    deps.PingInterval,
		origins: make(map[string]struct{}, len(deps.AllowedOrigins)),
		store:   deps.Store,
		mux:     http.NewServeMux(),
	}
	for _, o := range deps.AllowedOrigins {
		s.origins[o] = struct{}{}
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	s.mux.Handle("GET /metrics", s.metrics.Handler())
	s.mux.HandleFunc("GET /v1/call", s.handleSnapshot)
	s.mux.HandleFunc("GET /v1/call/events", s.handleEvents)
	s.mux.HandleFunc("POST /v1/call/end", s.sameOrigin(s.handleEnd))
	s.mux.HandleFunc("POST /v1/call/barge-in", s.sameOrigin(s.handleBargeIn))
	s.mux.HandleFunc("POST /v1/call/resume", s.sameOrigin(s.handleResume))
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = withRecover(s.logger, h)
	h = withAccessLog(s.logger, h)
	h = withRequestID(h)
	return h
}

// SetDraining makes /readyz fail so load balancers stop routing here.
func (s *Server) SetDraining(draining bool) { s.draining.Store(draining) }

// Run feeds call events into the metrics until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	events, cancel := s.call.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.metrics.Observe(ev)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool     `json:"ok"`
		State    string   `json:"state"`
		Draining bool     `json:"draining,omitempty"`
		Issues   []string `json:"issues,omitempty"`
	}
	var issues []string
	draining := s.draining.Load()
	if draining {
		issues = append(issues, "draining")
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.store.Ping(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("store ping failed", "error", err)
			issues = append(issues, "store unreachable")
		}
	}
	status := http.StatusOK
	if len(issues) > 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{OK: len(issues) == 0, State: s.call.Snapshot().State.String(), Draining: draining, Issues: issues})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.call.Snapshot())
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	s.call.End()
	writeJSON(w, http.StatusOK, map[string]string{"state": s.call.Snapshot().State.String()})
}

func (s *Server) handleBargeIn(w http.ResponseWriter, r *http.Request) {
	applied := s.call.BargeIn()
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.call.ForceResume(); err != nil {
		code := string(call.KindOf(err))
		if code == "" {
			code = "resume_failed"
		}
		writeJSONError(w, r, http.StatusConflict, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resumed": true})
}

// checkOrigin admits clients that send no Origin (not a browser), origins
// on the allow-list, and with an empty list pages served by this host.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.origins) > 0 {
		_, ok := s.origins[origin]
		return ok
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// sameOrigin rejects control requests posted from foreign pages.
func (s *Server) sameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.checkOrigin(r) {
			s.logger.Warn("control request rejected", "origin", r.Header.Get("Origin"), "path", r.URL.Path)
			writeJSONError(w, r, http.StatusForbidden, "origin_not_allowed", "origin not allowed")
			return
		}
		next(w, r)
	}
}

// Streams is the number of open event streams.
func (s *Server) Streams() int64 { return s.streams.Load() }

type wireEvent struct {
	Type string     `json:"type"`
	At   time.Time  `json:"at"`
	Data call.Event `json:"data"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.streams.Add(1)
	s.metrics.EventSubscribers.Inc()
	defer func() {
		s.streams.Add(-1)
		s.metrics.EventSubscribers.Dec()
	}()

	events, cancel := s.call.Subscribe(64)
	defer cancel()

	// Clients only listen; reading detects when they go away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(map[string]any{"type": "snapshot", "data": s.call.Snapshot()}); err != nil {
		return
	}

	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call closed"),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(wireEvent{Type: ev.EventType(), At: ev.Time(), Data: ev}); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
