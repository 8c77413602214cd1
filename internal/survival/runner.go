package survival

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusRetrying  Status = "RETRYING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusAborted   Status = "ABORTED"
)

// State is a copy of the run cursor for status readers.
type State struct {
	RunID     string    `json:"run_id,omitempty"`
	Status    Status    `json:"status"`
	Stage     string    `json:"stage,omitempty"`
	Index     int       `json:"index"`
	Attempt   int       `json:"attempt"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Result is how a run ended.
type Result struct {
	RunID  string
	Status Status
	Stage  string
	Kind   FailureKind
	Reason string
	Err    error
}

// NeedsRestart reports whether the supervisor should rebuild the world link.
func (r Result) NeedsRestart() bool {
	return r.Status == StatusAborted && r.Kind != FailCanceled
}

// Runner executes a stage list against one Env. It holds no state across
// runs beyond the last State for status readers.
type Runner struct {
	env           *Env
	stages        []Stage
	busy          *Busy
	retryCooldown time.Duration
	stopTimeout   time.Duration

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

func NewRunner(env *Env, stages []Stage, busy *Busy, retryCooldown time.Duration) *Runner {
	if busy == nil {
		busy = &Busy{}
	}
	return &Runner{
		env:           env,
		stages:        stages,
		busy:          busy,
		retryCooldown: retryCooldown,
		stopTimeout:   5 * time.Second,
		state:         State{Status: StatusPending},
	}
}

func (r *Runner) Env() *Env { return r.env }

func (r *Runner) Stages() []Stage { return r.stages }

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(fn func(*State)) {
	r.mu.Lock()
	fn(&r.state)
	r.mu.Unlock()
}

// Cancel stops an in-flight run. The run ends ABORTED with kind canceled.
func (r *Runner) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return false
	}
	r.cancel()
	return true
}

func (r *Runner) emit(ev Event) {
	ev.Time = time.Now().UTC()
	if r.env.Sink != nil {
		r.env.Sink.Emit(ev)
	}
}

// excerpt is a best-effort inventory line for events.
func (r *Runner) excerpt(ctx context.Context) string {
	snap, err := r.env.Snapshot(ctx)
	if err != nil {
		return ""
	}
	return snap.Excerpt()
}

// Run executes the plan from the first stage. It returns ErrBusy without
// touching the world when another run or action holds the flag.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	if !r.busy.TryAcquire() {
		return Result{}, ErrBusy
	}
	return r.RunHeld(ctx), nil
}

// RunHeld executes the plan for a caller that already took the busy flag.
// The flag is released when the run ends.
func (r *Runner) RunHeld(ctx context.Context) Result {
	defer r.busy.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runID := uuid.NewString()
	r.mu.Lock()
	r.cancel = cancel
	r.state = State{RunID: runID, Status: StatusRunning, StartedAt: time.Now().UTC()}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.state.EndedAt = time.Now().UTC()
		r.mu.Unlock()
	}()

	r.emit(Event{RunID: runID, Kind: EventRunStart, Inventory: r.excerpt(ctx)})

	for i, st := range r.stages {
		res, done := r.runStage(ctx, runID, i, st)
		if done {
			return res
		}
	}

	inv := r.excerpt(ctx)
	r.setState(func(s *State) {
		s.Status = StatusSucceeded
		s.Stage = ""
		s.Index = len(r.stages)
	})
	r.emit(Event{RunID: runID, Kind: EventRunDone, Index: len(r.stages), Inventory: inv})
	r.env.logf("run succeeded run=%s inventory=[%s]", runID, inv)
	return Result{RunID: runID, Status: StatusSucceeded}
}

// runStage drives RUNNING(i)/RETRYING(i,n) for one stage. done is true when
// the run ended here.
func (r *Runner) runStage(ctx context.Context, runID string, i int, st Stage) (Result, bool) {
	for attempt := 0; ; attempt++ {
		status := StatusRunning
		if attempt > 0 {
			status = StatusRetrying
		}
		r.setState(func(s *State) {
			s.Status = status
			s.Stage = st.Name
			s.Index = i
			s.Attempt = attempt
		})
		if attempt == 0 {
			r.emit(Event{RunID: runID, Kind: EventStageStart, Stage: st.Name, Index: i})
		}

		if err := r.env.MaybeEat(ctx); err != nil {
			if k := Classify(err); k == FailConnection || k == FailCanceled {
				return r.abort(ctx, runID, i, st, attempt, err), true
			}
			r.env.logf("eat failed stage=%s err=%v", st.Name, err)
		}

		err := r.attempt(ctx, runID, i, st, attempt)
		if err == nil {
			return Result{}, false
		}
		if errors.Is(err, errSatisfied) {
			return Result{}, false
		}

		kind := Classify(err)
		ev := Event{RunID: runID, Stage: st.Name, Index: i, Attempt: attempt, Failure: kind.String(), Error: err.Error(), Inventory: r.excerpt(ctx)}
		switch {
		case kind == FailConnection || kind == FailCanceled:
			return r.abort(ctx, runID, i, st, attempt, err), true
		case kind.Retryable() && attempt < st.MaxRetries:
			ev.Kind = EventRetry
			r.emit(ev)
			r.env.logf("stage retry stage=%s attempt=%d/%d err=%v inventory=[%s]", st.Name, attempt+1, st.MaxRetries+1, err, ev.Inventory)
			if err := sleepCtx(ctx, r.retryCooldown); err != nil {
				return r.abort(ctx, runID, i, st, attempt, err), true
			}
			continue
		case st.Fatal:
			return r.abort(ctx, runID, i, st, attempt, err), true
		default:
			ev.Kind = EventStageSkip
			ev.Reason = "skippable"
			r.emit(ev)
			r.env.logf("stage skipped stage=%s attempts=%d failure=%s err=%v", st.Name, attempt+1, kind, err)
			return Result{}, false
		}
	}
}

var errSatisfied = errors.New("stage already satisfied")

func (r *Runner) attempt(ctx context.Context, runID string, i int, st Stage, attempt int) error {
	snap, err := r.env.Snapshot(ctx)
	if err != nil {
		return err
	}
	if st.Done != nil && st.Done(snap) {
		r.emit(Event{RunID: runID, Kind: EventStageSatisfied, Stage: st.Name, Index: i, Attempt: attempt, Inventory: snap.Excerpt()})
		return errSatisfied
	}
	r.emit(Event{RunID: runID, Kind: EventAttempt, Stage: st.Name, Index: i, Attempt: attempt, Inventory: snap.Excerpt()})
	if st.Action == nil {
		return fmt.Errorf("stage %s has no action: %w", st.Name, ErrStructural)
	}
	if err := st.Action(ctx, r.env); err != nil {
		return err
	}
	after, err := r.env.Snapshot(ctx)
	if err != nil {
		return err
	}
	r.emit(Event{RunID: runID, Kind: EventStageOK, Stage: st.Name, Index: i, Attempt: attempt, Inventory: after.Excerpt()})
	return nil
}

// abort neutralizes the actuator before declaring the run over.
func (r *Runner) abort(ctx context.Context, runID string, i int, st Stage, attempt int, cause error) Result {
	kind := Classify(cause)
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stopTimeout)
	if err := r.env.Act.Stop(stopCtx); err != nil {
		r.env.logf("stop on abort failed err=%v", err)
	}
	cancel()

	reason := kind.String()
	if kind != FailConnection && kind != FailCanceled {
		reason = "fatal_stage"
	}
	inv := ""
	if kind != FailConnection {
		inv = r.excerpt(context.WithoutCancel(ctx))
	}
	r.setState(func(s *State) {
		s.Status = StatusAborted
		s.Reason = reason
	})
	r.emit(Event{RunID: runID, Kind: EventAbort, Stage: st.Name, Index: i, Attempt: attempt, Failure: kind.String(), Reason: reason, Error: cause.Error(), Inventory: inv})
	r.env.logf("run aborted run=%s stage=%s attempt=%d failure=%s err=%v inventory=[%s]", runID, st.Name, attempt+1, kind, cause, inv)
	return Result{RunID: runID, Status: StatusAborted, Stage: st.Name, Kind: kind, Reason: reason, Err: cause}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
