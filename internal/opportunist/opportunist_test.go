package opportunist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"craftpilot.ai/internal/actuator"
	"craftpilot.ai/internal/config"
	"craftpilot.ai/internal/recipes"
	"craftpilot.ai/internal/survival"
	"craftpilot.ai/internal/worldtest"
)

func setup(t *testing.T, act actuator.Actuator) (*survival.Env, *survival.Busy, *Opportunist) {
	t.Helper()
	cat, err := recipes.Defaults()
	require.NoError(t, err)
	cfg := config.Defaults()
	env := survival.NewEnv(act, cat, recipes.NewResolver(cfg.TagTable(), cfg.Policy(), nil), cfg, nil)
	busy := &survival.Busy{}
	o := New(env, busy, Config{
		Interval:       time.Millisecond,
		GatherCooldown: time.Minute,
		LogFloor:       2,
		Ladder:         []string{"wooden_pickaxe", "wooden_axe", "stone_pickaxe"},
	}, nil)
	return env, busy, o
}

func newWorld(t *testing.T) *worldtest.World {
	t.Helper()
	cat, err := recipes.Defaults()
	require.NoError(t, err)
	return worldtest.New(cat, recipes.NewResolver(nil, recipes.PolicySkip, nil))
}

func TestTick_SkipsWhileBusy(t *testing.T) {
	w := newWorld(t)
	_, busy, o := setup(t, w)
	require.True(t, busy.TryAcquire())

	act, _, err := o.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, ActionBusy, act)
	require.Empty(t, w.Calls())
	require.Equal(t, int64(1), o.Stats().Skipped)
	require.True(t, busy.Held(), "a skipped tick must not release someone else's flag")
}

func TestTick_PriorityOrder(t *testing.T) {
	w := newWorld(t)
	w.SetBlock(actuator.Vec3{X: 1}, "oak_log")
	w.SetBlock(actuator.Vec3{X: 1, Y: 1}, "oak_log")
	w.SetBlock(actuator.Vec3{X: -2}, "crafting_table")
	w.SetBlock(actuator.Vec3{Y: -2}, "stone")
	w.SetBlock(actuator.Vec3{Y: -3}, "stone")
	env, busy, o := setup(t, w)
	ctx := context.Background()

	act, _, err := o.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionGather, act)
	require.Equal(t, 2, w.Snapshot().Count("oak_log"))
	require.False(t, busy.Held())

	// Nothing craftable and no pickaxe: idle.
	act, _, err = o.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionNone, act)

	_, err = env.EnsureStation(ctx, 0)
	require.NoError(t, err)
	w.Give("oak_planks", 3)
	w.Give("stick", 2)
	act, item, err := o.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionCraft, act)
	require.Equal(t, "wooden_pickaxe", item)
	require.True(t, w.Snapshot().Has("wooden_pickaxe"))

	act, _, err = o.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionMine, act)
	require.Equal(t, 1, w.Snapshot().Count("cobblestone"))
	require.Equal(t, "wooden_pickaxe", w.MainHand())
}

func TestTick_GatherRespectsCooldown(t *testing.T) {
	w := newWorld(t)
	w.SetBlock(actuator.Vec3{X: 1}, "oak_log")
	w.SetBlock(actuator.Vec3{X: 2}, "oak_log")
	_, _, o := setup(t, w)
	o.cfg.LogFloor = 3

	_, _, err := o.Tick(context.Background())
	require.ErrorIs(t, err, survival.ErrMissingResource)
	require.Equal(t, 2, w.Snapshot().Count("oak_log"))

	act, _, err := o.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, ActionNone, act, "gather must wait for the cooldown")

	o.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	act, _, _ = o.Tick(context.Background())
	require.Equal(t, ActionGather, act)
}

// blockingWorld parks the first Inventory call until released.
type blockingWorld struct {
	*worldtest.World
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingWorld) Inventory(ctx context.Context) ([]actuator.Item, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.World.Inventory(ctx)
}

func TestTick_ExcludesRunsAndItself(t *testing.T) {
	bw := &blockingWorld{World: newWorld(t), entered: make(chan struct{}), release: make(chan struct{})}
	env, busy, o := setup(t, bw)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = o.Tick(context.Background())
	}()
	<-bw.entered
	require.True(t, busy.Held())

	act, _, err := o.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, ActionBusy, act)

	runner := survival.NewRunner(env, survival.Plan(config.Defaults().Plan), busy, 0)
	_, err = runner.Run(context.Background())
	require.ErrorIs(t, err, survival.ErrBusy)

	close(bw.release)
	<-done
	require.False(t, busy.Held())
}

func TestRun_StopsOnDisconnect(t *testing.T) {
	w := newWorld(t)
	_, _, o := setup(t, w)
	errc := make(chan error, 1)
	go func() { errc <- o.Run(context.Background()) }()
	require.Eventually(t, func() bool { return o.Stats().Ticks > 0 }, 5*time.Second, time.Millisecond)
	w.Disconnect()
	select {
	case <-errc:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after disconnect")
	}
}
