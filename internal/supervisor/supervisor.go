// Package supervisor owns the world link: it connects, runs the survival
// plan and opportunist against the link, and rebuilds everything after a
// fixed delay when the link drops or a run aborts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"craftpilot.ai/internal/actuator"
	"craftpilot.ai/internal/inventory"
	"craftpilot.ai/internal/opportunist"
	"craftpilot.ai/internal/survival"
)

var (
	ErrNotConnected    = errors.New("supervisor: not connected")
	ErrTooManyRestarts = errors.New("supervisor: restart limit reached")
	ErrUnknownAction   = errors.New("supervisor: unknown action")
)

// Connector opens one world link.
type Connector func(ctx context.Context) (actuator.Actuator, error)

// EnvFactory wraps a fresh link in a survival Env.
type EnvFactory func(act actuator.Actuator) *survival.Env

type Config struct {
	RestartDelay  time.Duration
	MaxRestarts   int
	RetryCooldown time.Duration
	// CommandTimeout bounds each on-connect command.
	CommandTimeout    time.Duration
	OnConnectCommands []string
	// AutoStart begins a full run right after every connect.
	AutoStart   bool
	Opportunist opportunist.Config
}

type Status struct {
	Connected   bool              `json:"connected"`
	Connects    int               `json:"connects"`
	Restarts    int               `json:"restarts"`
	LastRestart string            `json:"last_restart_reason,omitempty"`
	Busy        bool              `json:"busy"`
	Run         survival.State    `json:"run"`
	LastResult  *RunSummary       `json:"last_result,omitempty"`
	Opportunist opportunist.Stats `json:"opportunist"`
}

type RunSummary struct {
	RunID  string          `json:"run_id"`
	Status survival.Status `json:"status"`
	Stage  string          `json:"stage,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type Supervisor struct {
	connect Connector
	newEnv  EnvFactory
	stages  []survival.Stage
	cfg     Config
	busy    *survival.Busy
	logger  *log.Logger

	mu          sync.Mutex
	env         *survival.Env
	runner      *survival.Runner
	opp         *opportunist.Opportunist
	connects    int
	restarts    int
	lastRestart string
	lastResult  *RunSummary
	serveCtx    context.Context
	wg          sync.WaitGroup
	restartCh   chan string
}

func New(connect Connector, newEnv EnvFactory, stages []survival.Stage, cfg Config, logger *log.Logger) *Supervisor {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	return &Supervisor{
		connect:   connect,
		newEnv:    newEnv,
		stages:    stages,
		cfg:       cfg,
		busy:      &survival.Busy{},
		logger:    logger,
		restartCh: make(chan string, 1),
	}
}

func (s *Supervisor) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Supervisor) Busy() *survival.Busy { return s.busy }

// Run connects and serves until ctx ends. Every lost link or restart-worthy
// run ends the connection; the next one starts after RestartDelay with a
// fresh Env and no memory of the previous run.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		act, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logf("connect failed err=%v", err)
			if err := s.backoff(ctx, "connect_failed"); err != nil {
				return err
			}
			continue
		}

		reason := s.serve(ctx, act)
		if c, ok := act.(io.Closer); ok {
			_ = c.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := s.backoff(ctx, reason); err != nil {
			return err
		}
	}
}

func (s *Supervisor) backoff(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.restarts++
	s.lastRestart = reason
	n := s.restarts
	s.mu.Unlock()
	if s.cfg.MaxRestarts > 0 && n > s.cfg.MaxRestarts {
		return fmt.Errorf("%w: %d (last: %s)", ErrTooManyRestarts, s.cfg.MaxRestarts, reason)
	}
	s.logf("restarting reason=%s restarts=%d delay=%s", reason, n, s.cfg.RestartDelay)
	t := time.NewTimer(s.cfg.RestartDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-t.C:
		return nil
	}
}

// serve drives one connection and returns why it ended.
func (s *Supervisor) serve(ctx context.Context, act actuator.Actuator) string {
	sctx, cancel := context.WithCancel(ctx)
	env := s.newEnv(act)
	runner := survival.NewRunner(env, s.stages, s.busy, s.cfg.RetryCooldown)
	opp := opportunist.New(env, s.busy, s.cfg.Opportunist, s.logger)

	s.mu.Lock()
	s.connects++
	s.env, s.runner, s.opp, s.serveCtx = env, runner, opp, sctx
	s.mu.Unlock()
	select {
	case <-s.restartCh:
	default:
	}
	s.logf("connected connects=%d", s.connects)

	defer func() {
		cancel()
		runner.Cancel()
		s.mu.Lock()
		s.env, s.runner, s.opp, s.serveCtx = nil, nil, nil, nil
		s.mu.Unlock()
		s.wg.Wait()
	}()

	for _, cmd := range s.cfg.OnConnectCommands {
		cctx, ccancel := context.WithTimeout(sctx, s.cfg.CommandTimeout)
		err := act.IssueCommand(cctx, cmd)
		ccancel()
		if err != nil {
			s.logf("on-connect command failed cmd=%q err=%v", cmd, err)
			if errors.Is(err, actuator.ErrDisconnected) {
				return survival.FailConnection.String()
			}
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := opp.Run(sctx); err != nil {
			s.logf("opportunist stopped err=%v", err)
		}
	}()
	if s.cfg.AutoStart {
		if s.busy.TryAcquire() {
			s.launch(sctx, runner)
		} else {
			s.logf("autostart skipped err=%v", survival.ErrBusy)
		}
	}

	select {
	case <-ctx.Done():
		return "shutdown"
	case <-act.Done():
		return survival.FailConnection.String()
	case reason := <-s.restartCh:
		return reason
	}
}

// launch starts a run in the background. The caller must hold the busy
// flag; the run releases it.
func (s *Supervisor) launch(ctx context.Context, runner *survival.Runner) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := runner.RunHeld(ctx)
		sum := &RunSummary{RunID: res.RunID, Status: res.Status, Stage: res.Stage, Reason: res.Reason}
		if res.Err != nil {
			sum.Error = res.Err.Error()
		}
		s.mu.Lock()
		s.lastResult = sum
		s.mu.Unlock()
		if res.NeedsRestart() {
			select {
			case s.restartCh <- res.Reason:
			default:
			}
		}
	}()
}

// StartRun begins a full run on the current connection. The busy flag is
// taken before it returns, so a nil error means the run owns the world.
func (s *Supervisor) StartRun() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner == nil {
		return ErrNotConnected
	}
	if !s.busy.TryAcquire() {
		return survival.ErrBusy
	}
	s.launch(s.serveCtx, s.runner)
	return nil
}

// StopRun cancels the in-flight run, if any. The connection stays up.
func (s *Supervisor) StopRun() bool {
	s.mu.Lock()
	runner := s.runner
	s.mu.Unlock()
	return runner != nil && runner.Cancel()
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Connected:   s.env != nil,
		Connects:    s.connects,
		Restarts:    s.restarts,
		LastRestart: s.lastRestart,
		Busy:        s.busy.Held(),
		LastResult:  s.lastResult,
	}
	if s.runner != nil {
		st.Run = s.runner.State()
	}
	if s.opp != nil {
		st.Opportunist = s.opp.Stats()
	}
	return st
}

// WorldState is the full readout for operators.
type WorldState struct {
	Position  actuator.Vec3      `json:"position"`
	Health    int                `json:"health"`
	Hunger    int                `json:"hunger"`
	Inventory inventory.Snapshot `json:"inventory"`
}

func (s *Supervisor) current() (*survival.Env, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.env == nil {
		return nil, ErrNotConnected
	}
	return s.env, nil
}

func (s *Supervisor) State(ctx context.Context) (WorldState, error) {
	env, err := s.current()
	if err != nil {
		return WorldState{}, err
	}
	var ws WorldState
	if ws.Position, err = env.Act.Position(ctx); err != nil {
		return WorldState{}, err
	}
	if ws.Health, ws.Hunger, err = env.Act.Vitals(ctx); err != nil {
		return WorldState{}, err
	}
	if ws.Inventory, err = env.Snapshot(ctx); err != nil {
		return WorldState{}, err
	}
	return ws, nil
}

// Craftable lists recipe ids the current inventory covers.
func (s *Supervisor) Craftable(ctx context.Context) ([]string, error) {
	env, err := s.current()
	if err != nil {
		return nil, err
	}
	snap, err := env.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return env.Resolver.FindAllCraftable(snap, env.Catalog), nil
}

// Action runs one manual step: "gather" (count logs), "craft" (count crafts
// of item) or "mine" (count more cobblestone). It holds the busy flag like
// a run.
func (s *Supervisor) Action(ctx context.Context, name, item string, count int) error {
	env, err := s.current()
	if err != nil {
		return err
	}
	if count <= 0 {
		count = 1
	}
	if !s.busy.TryAcquire() {
		return survival.ErrBusy
	}
	defer s.busy.Release()

	err = runAction(ctx, env, name, item, count)
	ev := survival.Event{Time: time.Now().UTC(), Kind: survival.EventAction, Stage: "manual_" + name, Reason: item}
	if err != nil {
		ev.Failure = survival.Classify(err).String()
		ev.Error = err.Error()
	}
	if env.Sink != nil {
		env.Sink.Emit(ev)
	}
	return err
}

func runAction(ctx context.Context, env *survival.Env, name, item string, count int) error {
	switch name {
	case "gather":
		snap, err := env.Snapshot(ctx)
		if err != nil {
			return err
		}
		return env.GatherLogs(ctx, snap.Count(survival.LogItem)+count)
	case "craft":
		if item == "" {
			return fmt.Errorf("craft: item required: %w", ErrUnknownAction)
		}
		return env.Craft(ctx, item, count)
	case "mine":
		snap, err := env.Snapshot(ctx)
		if err != nil {
			return err
		}
		return env.MineStone(ctx, snap.Count(survival.CobbleItem)+count)
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, name)
}
