package survival

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"craftpilot.ai/internal/actuator"
	"craftpilot.ai/internal/config"
	"craftpilot.ai/internal/inventory"
	"craftpilot.ai/internal/recipes"
	"craftpilot.ai/internal/worldtest"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) of(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) stageEvents(kind EventKind, stage string) int {
	n := 0
	for _, e := range r.of(kind) {
		if e.Stage == stage {
			n++
		}
	}
	return n
}

func defaultCatalog(t *testing.T) *recipes.Catalog {
	t.Helper()
	cat, err := recipes.Defaults()
	require.NoError(t, err)
	return cat
}

func newEnv(t *testing.T, w *worldtest.World, cat *recipes.Catalog) (*Env, *recorder) {
	t.Helper()
	cfg := config.Defaults()
	res := recipes.NewResolver(cfg.TagTable(), cfg.Policy(), nil)
	env := NewEnv(w, cat, res, cfg, nil)
	rec := &recorder{}
	env.Sink = rec
	return env, rec
}

func emptyWorld(t *testing.T) (*worldtest.World, *recipes.Catalog) {
	t.Helper()
	cat := defaultCatalog(t)
	return worldtest.New(cat, recipes.NewResolver(nil, recipes.PolicySkip, nil)), cat
}

func generatedWorld(t *testing.T, cat *recipes.Catalog) *worldtest.World {
	t.Helper()
	return worldtest.Generate(cat, recipes.NewResolver(nil, recipes.PolicySkip, nil), worldtest.Options{Seed: 1, Radius: 16})
}

func stageByName(t *testing.T, stages []Stage, name string) Stage {
	t.Helper()
	for _, st := range stages {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("no stage %s", name)
	return Stage{}
}

func TestCraftPlanksComputesLogsNeeded(t *testing.T) {
	w, cat := emptyWorld(t)
	w.Give("oak_log", 4)
	env, _ := newEnv(t, w, cat)

	st := stageByName(t, Plan(config.Defaults().Plan), "craft_planks")
	res, err := NewRunner(env, []Stage{st}, nil, 0).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, res.Status)

	snap := w.Snapshot()
	require.GreaterOrEqual(t, snap.Count("oak_planks"), 12)
	require.Equal(t, 1, snap.Count("oak_log"))
	require.Equal(t, 3, w.CountCalls("craft oak_planks"))
}

func TestMalformedRecipeAbortsWithoutRetry(t *testing.T) {
	dir := t.TempDir()
	_, err := recipes.Bootstrap(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wooden_pickaxe.json"),
		[]byte(`{"type":"minecraft:crafting_shaped","pattern":`), 0o644))
	cat, err := recipes.LoadDir(dir)
	require.NoError(t, err)

	w := generatedWorld(t, cat)
	env, rec := newEnv(t, w, cat)
	busy := &Busy{}
	res, err := NewRunner(env, Plan(config.Defaults().Plan), busy, 0).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, StatusAborted, res.Status)
	require.Equal(t, "craft_wooden_pickaxe", res.Stage)
	require.Equal(t, FailStructural, res.Kind)
	require.True(t, errors.Is(res.Err, recipes.ErrNotFound))
	require.True(t, res.NeedsRestart())
	require.Equal(t, 1, rec.stageEvents(EventAttempt, "craft_wooden_pickaxe"))
	require.Zero(t, rec.stageEvents(EventRetry, "craft_wooden_pickaxe"))
	require.Zero(t, rec.stageEvents(EventAttempt, "craft_wooden_axe"))
	require.Contains(t, w.Calls(), "stop")
	require.False(t, busy.Held())
}

func TestRetryBound(t *testing.T) {
	w, cat := emptyWorld(t)
	env, rec := newEnv(t, w, cat)
	calls := 0
	st := Stage{
		Name:       "flaky",
		MaxRetries: 2,
		Fatal:      true,
		Action: func(ctx context.Context, e *Env) error {
			calls++
			return errors.New("flaky")
		},
	}
	res, err := NewRunner(env, []Stage{st}, nil, 0).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, StatusAborted, res.Status)
	require.Equal(t, FailTransient, res.Kind)
	require.Equal(t, "fatal_stage", res.Reason)
	require.Len(t, rec.of(EventRetry), 2)
	require.Len(t, rec.of(EventAbort), 1)
}

func TestStageOrderAndSkippable(t *testing.T) {
	w, cat := emptyWorld(t)
	env, rec := newEnv(t, w, cat)
	var order []string
	step := func(name string, err error) func(context.Context, *Env) error {
		return func(context.Context, *Env) error {
			order = append(order, name)
			return err
		}
	}
	stages := []Stage{
		{Name: "a", Action: step("a", nil), Fatal: true},
		{Name: "b", Action: step("b", errors.New("nope")), MaxRetries: 1},
		{Name: "c", Action: step("c", nil), Fatal: true},
		{Name: "d", Done: func(inventory.Snapshot) bool { return true }, Action: step("d", nil), Fatal: true},
	}
	res, err := NewRunner(env, stages, nil, 0).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, res.Status)
	require.Equal(t, []string{"a", "b", "b", "c"}, order)
	require.Equal(t, 1, rec.stageEvents(EventStageSkip, "b"))
	require.Equal(t, 1, rec.stageEvents(EventStageSatisfied, "d"))

	last := -1
	for _, e := range rec.of(EventAttempt) {
		require.GreaterOrEqual(t, e.Index, last)
		last = e.Index
	}
}

func TestMissingResourceIsNotRetried(t *testing.T) {
	w, cat := emptyWorld(t)
	env, rec := newEnv(t, w, cat)
	st := stageByName(t, Plan(config.Defaults().Plan), "gather_logs")
	res, err := NewRunner(env, []Stage{st}, nil, 0).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusAborted, res.Status)
	require.Equal(t, FailMissing, res.Kind)
	require.Len(t, rec.of(EventAttempt), 1)
}

func TestConnectionLossAbortsImmediately(t *testing.T) {
	w, cat := emptyWorld(t)
	env, rec := newEnv(t, w, cat)
	calls := 0
	stages := []Stage{
		{Name: "drop", MaxRetries: 5, Fatal: true, Action: func(ctx context.Context, e *Env) error {
			calls++
			w.Disconnect()
			return e.Act.Dig(ctx, actuator.Vec3{})
		}},
		{Name: "never", Action: func(context.Context, *Env) error { t.Fatal("ran after disconnect"); return nil }},
	}
	res, err := NewRunner(env, stages, nil, 0).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, FailConnection, res.Kind)
	require.Equal(t, "connection_lost", res.Reason)
	require.True(t, res.NeedsRestart())
	require.Empty(t, rec.of(EventRetry))
}

func TestBusyRunIsRejected(t *testing.T) {
	w, cat := emptyWorld(t)
	env, _ := newEnv(t, w, cat)
	busy := &Busy{}
	require.True(t, busy.TryAcquire())
	_, err := NewRunner(env, Plan(config.Defaults().Plan), busy, 0).Run(context.Background())
	require.ErrorIs(t, err, ErrBusy)
	require.Empty(t, w.Calls())
}

func TestCancelEndsRunWithoutRestart(t *testing.T) {
	w, cat := emptyWorld(t)
	env, _ := newEnv(t, w, cat)
	started := make(chan struct{})
	st := Stage{Name: "wait", Fatal: true, MaxRetries: 3, Action: func(ctx context.Context, e *Env) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	r := NewRunner(env, []Stage{st}, nil, 0)
	done := make(chan Result, 1)
	go func() {
		res, _ := r.Run(context.Background())
		done <- res
	}()
	<-started
	require.True(t, r.Cancel())
	select {
	case res := <-done:
		require.Equal(t, StatusAborted, res.Status)
		require.Equal(t, FailCanceled, res.Kind)
		require.False(t, res.NeedsRestart())
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	require.Contains(t, w.Calls(), "stop")
}

func TestEatsWhenHungry(t *testing.T) {
	w, cat := emptyWorld(t)
	w.SetVitals(20, 4)
	w.Give("bread", 2)
	env, _ := newEnv(t, w, cat)
	st := Stage{Name: "idle", Done: func(inventory.Snapshot) bool { return true }}
	_, err := NewRunner(env, []Stage{st}, nil, 0).Run(context.Background())
	require.NoError(t, err)
	require.Contains(t, w.Commands(), "eat")
	_, hunger, err := w.Vitals(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, hunger)
}

func TestFullRunOffline(t *testing.T) {
	cat := defaultCatalog(t)
	w := generatedWorld(t, cat)
	env, rec := newEnv(t, w, cat)
	res, err := NewRunner(env, Plan(config.Defaults().Plan), nil, 0).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, res.Status, "run ended: %+v", res)

	snap := w.Snapshot()
	for _, item := range []string{"wooden_pickaxe", "wooden_axe", "stone_pickaxe", "stone_axe", "furnace"} {
		require.True(t, snap.Has(item), "missing %s in %s", item, snap.Excerpt())
	}
	require.GreaterOrEqual(t, snap.Count("raw_iron"), 3)
	require.Equal(t, 1, rec.stageEvents(EventStageSkip, "craft_iron_pickaxe"))
	_, ok := env.Station()
	require.True(t, ok)
	require.Contains(t, w.Commands(), "say I've mined 5 blocks so far!")
	require.Len(t, rec.of(EventRunDone), 1)
}

// stalledReads never answers BlockAt until its context ends.
type stalledReads struct {
	*worldtest.World
	calls atomic.Int32
}

func (s *stalledReads) BlockAt(ctx context.Context, _ actuator.Vec3) (string, error) {
	s.calls.Add(1)
	<-ctx.Done()
	return "", ctx.Err()
}

func TestEnsureStation_BlockReadsHonorActionTimeout(t *testing.T) {
	w, cat := emptyWorld(t)
	table := actuator.Vec3{X: 2}
	w.SetBlock(table, TableItem)
	act := &stalledReads{World: w}
	env, _ := newEnv(t, w, cat)
	env.Act = act
	env.ActionTimeout = 20 * time.Millisecond
	stale := actuator.Vec3{X: -3}
	env.station = &stale

	type result struct {
		pos actuator.Vec3
		err error
	}
	done := make(chan result, 1)
	go func() {
		pos, err := env.EnsureStation(context.Background(), 0)
		done <- result{pos, err}
	}()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, table, r.pos)
	case <-time.After(5 * time.Second):
		t.Fatal("EnsureStation hung on a block read")
	}
	require.Equal(t, int32(1), act.calls.Load())
}
