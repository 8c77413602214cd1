package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"craftpilot.ai/internal/actuator"
	"craftpilot.ai/internal/protocol"
)

type Config struct {
	URL             string
	AgentName       string
	WorldPreference string
	// StatePath persists the resume token across restarts; empty disables it.
	StatePath string

	HandshakeTimeout time.Duration
	ActionTimeout    time.Duration
	ActRate          float64
	ActBurst         int

	Logger *log.Logger
}

func (c *Config) defaults() {
	if c.AgentName == "" {
		c.AgentName = "craftpilot"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 30 * time.Second
	}
	if c.ActRate <= 0 {
		c.ActRate = 5
	}
	if c.ActBurst <= 0 {
		c.ActBurst = 1
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
}

// Session is one live world connection. It implements actuator.Actuator.
// A Session never reconnects by itself: once Done is closed it is spent and
// the caller dials a new one.
type Session struct {
	cfg    Config
	logger *log.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter
	seq     atomic.Uint64

	mu          sync.RWMutex
	agentID     string
	resumeToken string
	welcome     protocol.WelcomeMsg
	gotWelcome  bool
	catalogs    map[string]catalogEntry
	palette     []string
	obs         protocol.ObsMsg
	lastObsTick uint64
	voxels      voxelWindow
	lastErr     string
	// held is the main-hand item as the server spells it. The world has no
	// equip instant, so it only lives here and rides along on PLACE and EAT.
	held string

	waiters  map[string]chan error
	inflight map[string]bool

	obsNotify chan struct{}
	done      chan struct{}
	doneOnce  sync.Once
}

type catalogEntry struct {
	Digest string
	Data   json.RawMessage
}

var _ actuator.Actuator = (*Session)(nil)

// Dial connects and completes the handshake, retrying with backoff
// (200ms doubling to 5s) until ctx ends.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	cfg.defaults()
	backoff := 200 * time.Millisecond
	for {
		s, err := connect(ctx, cfg)
		if err == nil {
			return s, nil
		}
		cfg.Logger.Printf("bridge: connect failed url=%s err=%v retry_in=%s", cfg.URL, err, backoff)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
		}
	}
}

func connect(ctx context.Context, cfg Config) (*Session, error) {
	state, err := loadStateFile(cfg.StatePath)
	if err != nil {
		cfg.Logger.Printf("bridge: ignoring state file: %v", err)
		state = map[string]persistedSession{}
	}
	prev := state[cfg.AgentName]

	d := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, resp, err := d.DialContext(ctx, cfg.URL, http.Header{})
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s := &Session{
		cfg:         cfg,
		logger:      cfg.Logger,
		conn:        conn,
		limiter:     rate.NewLimiter(rate.Limit(cfg.ActRate), cfg.ActBurst),
		agentID:     prev.AgentID,
		resumeToken: prev.ResumeToken,
		catalogs:    map[string]catalogEntry{},
		waiters:     map[string]chan error{},
		inflight:    map[string]bool{},
		obsNotify:   make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	hello := protocol.HelloMsg{
		Type:              protocol.TypeHello,
		ProtocolVersion:   protocol.Version,
		SupportedVersions: protocol.SupportedVersions(),
		AgentName:         cfg.AgentName,
		WorldPreference:   cfg.WorldPreference,
		Capabilities: protocol.HelloCapabilities{
			DeltaVoxels: true,
			MaxQueue:    8,
		},
	}
	if rt := strings.TrimSpace(prev.ResumeToken); rt != "" {
		hello.Auth = &protocol.HelloAuth{Token: rt}
		s.logger.Printf("bridge: resuming agent_id=%s last_connected=%s", prev.AgentID, prev.connectedTime().Format(time.RFC3339))
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go s.readLoop()

	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := s.waitReady(hctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.mu.RLock()
	ps := persistedSession{
		ResumeToken:     s.resumeToken,
		AgentID:         s.agentID,
		LastConnectedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.mu.RUnlock()
	if err := saveSession(cfg.StatePath, cfg.AgentName, ps); err != nil {
		s.logger.Printf("bridge: persist session: %v", err)
	}
	s.logger.Printf("bridge: connected agent_id=%s url=%s", ps.AgentID, cfg.URL)
	return s, nil
}

// waitReady blocks until WELCOME and the first OBS arrived.
func (s *Session) waitReady(ctx context.Context) error {
	for {
		s.mu.RLock()
		ready := s.gotWelcome && s.lastObsTick > 0
		s.mu.RUnlock()
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("handshake: %w", actuator.ErrTimeout)
		case <-s.done:
			return fmt.Errorf("handshake: %w", actuator.ErrDisconnected)
		case <-s.obsNotify:
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (s *Session) Close() error {
	err := s.conn.Close()
	s.markDone(errors.New("closed"))
	return err
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) markDone(cause error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		if cause != nil {
			s.lastErr = cause.Error()
		}
		waiters := s.waiters
		s.waiters = map[string]chan error{}
		s.mu.Unlock()
		for _, ch := range waiters {
			ch <- actuator.ErrDisconnected
		}
		close(s.done)
	})
}

func (s *Session) readLoop() {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			_ = s.conn.Close()
			s.markDone(err)
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			if !protocol.IsSupportedVersion(w.ProtocolVersion) {
				s.logger.Printf("bridge: unsupported protocol version %q", w.ProtocolVersion)
				continue
			}
			s.mu.Lock()
			s.welcome = w
			s.gotWelcome = true
			s.agentID = w.AgentID
			s.resumeToken = w.ResumeToken
			s.mu.Unlock()

		case protocol.TypeCatalog:
			var c protocol.CatalogMsg
			if err := json.Unmarshal(msg, &c); err != nil {
				continue
			}
			s.handleCatalog(c)

		case protocol.TypeAck:
			var a protocol.AckMsg
			if err := json.Unmarshal(msg, &a); err != nil {
				continue
			}
			if !a.Accepted {
				s.logger.Printf("bridge: act rejected ack_for=%s code=%s msg=%s", a.AckFor, a.Code, a.Message)
			}

		case protocol.TypeObs:
			var o protocol.ObsMsg
			if err := json.Unmarshal(msg, &o); err != nil {
				continue
			}
			s.handleObs(o)
		}
	}
}

func (s *Session) handleCatalog(c protocol.CatalogMsg) {
	name := strings.ToLower(strings.TrimSpace(c.Name))
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalogs[name] = catalogEntry{Digest: c.Digest, Data: append(json.RawMessage(nil), c.Data...)}
	if name == "block_palette" {
		var pal []string
		if err := json.Unmarshal(c.Data, &pal); err != nil {
			s.logger.Printf("bridge: bad block_palette: %v", err)
			return
		}
		s.palette = pal
	}
}

func (s *Session) handleObs(o protocol.ObsMsg) {
	s.mu.Lock()
	if err := s.voxels.apply(o.Voxels); err != nil {
		s.logger.Printf("bridge: tick=%d %v", o.Tick, err)
	}
	s.obs = o
	s.lastObsTick = o.Tick
	if o.AgentID != "" {
		s.agentID = o.AgentID
	}
	var resolved []func()
	for _, ev := range o.Events {
		var id string
		var res error
		switch ev.Type() {
		case protocol.EventTaskDone:
			id = ev.TaskID()
		case protocol.EventTaskFail:
			id = ev.TaskID()
			res = &actuator.RejectedError{Code: ev.Code(), Message: ev.Message()}
		case protocol.EventActionResult:
			id = ev.Ref()
			if !ev.OK() {
				res = &actuator.RejectedError{Code: ev.Code(), Message: ev.Message()}
			}
		default:
			continue
		}
		ch, ok := s.waiters[id]
		if !ok {
			continue
		}
		delete(s.waiters, id)
		delete(s.inflight, id)
		err := res
		resolved = append(resolved, func() { ch <- err })
	}
	s.mu.Unlock()

	for _, f := range resolved {
		f()
	}
	select {
	case s.obsNotify <- struct{}{}:
	default:
	}
}

func (s *Session) nextID(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixMilli(), s.seq.Add(1))
}

func (s *Session) send(ctx context.Context, act protocol.ActMsg) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return mapCtxErr(err)
	}
	s.mu.RLock()
	act.Type = protocol.TypeAct
	act.ProtocolVersion = protocol.Version
	act.Tick = s.lastObsTick
	act.AgentID = s.agentID
	s.mu.RUnlock()
	if act.ActID == "" {
		act.ActID = s.nextID("A")
	}
	b, err := json.Marshal(act)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return actuator.ErrDisconnected
	default:
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("%w: %v", actuator.ErrDisconnected, err)
	}
	return nil
}

// await registers id, sends act and blocks for the matching result event.
func (s *Session) await(ctx context.Context, id string, act protocol.ActMsg) error {
	ch := make(chan error, 1)
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return actuator.ErrDisconnected
	default:
	}
	s.waiters[id] = ch
	s.inflight[id] = true
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.waiters, id)
		delete(s.inflight, id)
		s.mu.Unlock()
	}
	if err := s.send(ctx, act); err != nil {
		forget()
		return err
	}

	timer := time.NewTimer(s.cfg.ActionTimeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		forget()
		return mapCtxErr(ctx.Err())
	case <-timer.C:
		forget()
		return fmt.Errorf("%s: %w", id, actuator.ErrTimeout)
	}
}

func (s *Session) runTask(ctx context.Context, req protocol.TaskReq) error {
	req.ID = s.nextID("K")
	return s.await(ctx, req.ID, protocol.ActMsg{Tasks: []protocol.TaskReq{req}})
}

func (s *Session) runInstant(ctx context.Context, req protocol.InstantReq) error {
	req.ID = s.nextID("I")
	return s.await(ctx, req.ID, protocol.ActMsg{Instants: []protocol.InstantReq{req}})
}

func mapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", actuator.ErrTimeout, err)
	}
	return err
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	connected := true
	select {
	case <-s.done:
		connected = false
	default:
	}
	dig := map[string]string{}
	if s.welcome.Catalogs.BlockPalette.Digest != "" {
		dig["block_palette"] = s.welcome.Catalogs.BlockPalette.Digest
	}
	if s.welcome.Catalogs.ItemPalette.Digest != "" {
		dig["item_palette"] = s.welcome.Catalogs.ItemPalette.Digest
	}
	if s.welcome.Catalogs.RecipesDigest != "" {
		dig["recipes"] = s.welcome.Catalogs.RecipesDigest
	}
	names := make([]string, 0, len(s.catalogs))
	for k := range s.catalogs {
		names = append(names, k)
	}
	sort.Strings(names)
	return Status{
		Connected:      connected,
		AgentID:        s.agentID,
		URL:            s.cfg.URL,
		LastObsTick:    s.lastObsTick,
		CurrentWorldID: s.welcome.CurrentWorldID,
		CatalogDigests: dig,
		Catalogs:       names,
		InFlight:       len(s.inflight),
		LastError:      s.lastErr,
	}
}
