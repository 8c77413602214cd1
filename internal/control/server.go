package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"craftpilot.ai/internal/persistence/indexdb"
	"craftpilot.ai/internal/supervisor"
	"craftpilot.ai/internal/survival"
)

// Bot is the operator surface of a running supervisor.
type Bot interface {
	Status() supervisor.Status
	State(ctx context.Context) (supervisor.WorldState, error)
	Craftable(ctx context.Context) ([]string, error)
	StartRun() error
	StopRun() bool
	Action(ctx context.Context, name, item string, count int) error
}

// History is the run index; nil disables /v1/runs.
type History interface {
	RecentRuns(ctx context.Context, limit int) ([]indexdb.RunRow, error)
	RunEvents(ctx context.Context, runID string) ([]survival.Event, error)
	Stats() indexdb.Stats
}

type Config struct {
	Agent string
	// AllowRemote lets non-loopback clients call mutating endpoints.
	AllowRemote bool
	// ActionTimeout bounds one manual action request.
	ActionTimeout time.Duration
}

type Server struct {
	bot     Bot
	history History
	cfg     Config
	logger  *log.Logger
	started time.Time
}

func New(bot Bot, history History, cfg Config, logger *log.Logger) *Server {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 2 * time.Minute
	}
	return &Server{bot: bot, history: history, cfg: cfg, logger: logger, started: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /v1/status", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, s.bot.Status())
	})
	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.HandleFunc("GET /v1/recipes/craftable", s.handleCraftable)
	mux.HandleFunc("POST /v1/run/start", s.guard(s.handleStart))
	mux.HandleFunc("POST /v1/run/stop", s.guard(s.handleStop))
	mux.HandleFunc("POST /v1/actions/{name}", s.guard(s.handleAction))
	mux.HandleFunc("GET /v1/runs", s.handleRuns)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handleRunEvents)
	return mux
}

// Serve listens on addr until ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx2)
	}()
	if s.logger != nil {
		s.logger.Printf("control listening on %s", addr)
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) guard(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.cfg.AllowRemote && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func (s *Server) handleState(rw http.ResponseWriter, r *http.Request) {
	ws, err := s.bot.State(r.Context())
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, ws)
}

func (s *Server) handleCraftable(rw http.ResponseWriter, r *http.Request) {
	ids, err := s.bot.Craftable(r.Context())
	if err != nil {
		writeError(rw, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"craftable": ids})
}

func (s *Server) handleStart(rw http.ResponseWriter, r *http.Request) {
	if err := s.bot.StartRun(); err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleStop(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "stopped": s.bot.StopRun()})
}

// ActionRequest is the body of POST /v1/actions/{name}.
type ActionRequest struct {
	Item  string `json:"item,omitempty"`
	Count int    `json:"count,omitempty"`
}

func (s *Server) handleAction(rw http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req ActionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "bad json: " + err.Error()})
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ActionTimeout)
	defer cancel()
	if err := s.bot.Action(ctx, name, req.Item, req.Count); err != nil {
		if s.logger != nil {
			s.logger.Printf("control: action=%s item=%s count=%d err=%v", name, req.Item, req.Count, err)
		}
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "action": name})
}

func (s *Server) handleRuns(rw http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(rw, "run index disabled", http.StatusNotFound)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(rw, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.history.RecentRuns(r.Context(), limit)
	if err != nil {
		writeError(rw, err)
		return
	}
	if runs == nil {
		runs = []indexdb.RunRow{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRunEvents(rw http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(rw, "run index disabled", http.StatusNotFound)
		return
	}
	evs, err := s.history.RunEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(rw, err)
		return
	}
	if len(evs) == 0 {
		http.Error(rw, "unknown run", http.StatusNotFound)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	st := s.bot.Status()
	agent := s.cfg.Agent

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP craftpilot_connected Whether the world link is up.\n")
	fmt.Fprintf(rw, "# TYPE craftpilot_connected gauge\n")
	fmt.Fprintf(rw, "craftpilot_connected{agent=%q} %d\n", agent, b2i(st.Connected))

	fmt.Fprintf(rw, "# HELP craftpilot_busy Whether an actuation sequence holds the busy flag.\n")
	fmt.Fprintf(rw, "# TYPE craftpilot_busy gauge\n")
	fmt.Fprintf(rw, "craftpilot_busy{agent=%q} %d\n", agent, b2i(st.Busy))

	fmt.Fprintf(rw, "# HELP craftpilot_connects_total World connections opened.\n")
	fmt.Fprintf(rw, "# TYPE craftpilot_connects_total counter\n")
	fmt.Fprintf(rw, "craftpilot_connects_total{agent=%q} %d\n", agent, st.Connects)

	fmt.Fprintf(rw, "# HELP craftpilot_restarts_total Supervisor restarts.\n")
	fmt.Fprintf(rw, "# TYPE craftpilot_restarts_total counter\n")
	fmt.Fprintf(rw, "craftpilot_restarts_total{agent=%q} %d\n", agent, st.Restarts)

	fmt.Fprintf(rw, "# HELP craftpilot_run_stage_index Index of the current stage in the plan.\n")
	fmt.Fprintf(rw, "# TYPE craftpilot_run_stage_index gauge\n")
	fmt.Fprintf(rw, "craftpilot_run_stage_index{agent=%q,status=%q} %d\n", agent, st.Run.Status, st.Run.Index)

	fmt.Fprintf(rw, "# HELP craftpilot_opportunist Opportunist tick counters.\n")
	fmt.Fprintf(rw, "# TYPE craftpilot_opportunist counter\n")
	fmt.Fprintf(rw, "craftpilot_opportunist{agent=%q,metric=%q} %d\n", agent, "ticks", st.Opportunist.Ticks)
	fmt.Fprintf(rw, "craftpilot_opportunist{agent=%q,metric=%q} %d\n", agent, "skipped", st.Opportunist.Skipped)
	fmt.Fprintf(rw, "craftpilot_opportunist{agent=%q,metric=%q} %d\n", agent, "acted", st.Opportunist.Acted)
	fmt.Fprintf(rw, "craftpilot_opportunist{agent=%q,metric=%q} %d\n", agent, "failed", st.Opportunist.Failed)

	fmt.Fprintf(rw, "# HELP craftpilot_uptime_seconds Process uptime.\n")
	fmt.Fprintf(rw, "# TYPE craftpilot_uptime_seconds gauge\n")
	fmt.Fprintf(rw, "craftpilot_uptime_seconds{agent=%q} %.0f\n", agent, time.Since(s.started).Seconds())

	if s.history != nil {
		hs := s.history.Stats()
		fmt.Fprintf(rw, "# HELP craftpilot_index_queue_depth Run index writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE craftpilot_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "craftpilot_index_queue_depth{agent=%q} %d\n", agent, hs.QueueDepth)
		fmt.Fprintf(rw, "# HELP craftpilot_index_dropped_total Events dropped by a full index queue.\n")
		fmt.Fprintf(rw, "# TYPE craftpilot_index_dropped_total counter\n")
		fmt.Fprintf(rw, "craftpilot_index_dropped_total{agent=%q} %d\n", agent, hs.QueueDroppedTotal)
	}
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}

// writeError maps bot errors to status codes; the body carries the failure
// kind so clients can tell a busy bot from a missing resource.
func writeError(rw http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	kind := survival.Classify(err)
	switch {
	case errors.Is(err, supervisor.ErrNotConnected):
		code = http.StatusServiceUnavailable
	case errors.Is(err, survival.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, supervisor.ErrUnknownAction):
		code = http.StatusBadRequest
	case kind == survival.FailMissing || kind == survival.FailStructural:
		code = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	writeJSON(rw, code, map[string]any{"ok": false, "failure": kind.String(), "error": err.Error()})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
