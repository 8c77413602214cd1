package worldtest

import (
	"context"
	"errors"
	"testing"

	"craftpilot.ai/internal/actuator"
	"craftpilot.ai/internal/protocol"
	"craftpilot.ai/internal/recipes"
)

func newWorld(t *testing.T) *World {
	t.Helper()
	cat, err := recipes.Defaults()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	return New(cat, recipes.NewResolver(nil, recipes.PolicySkip, nil))
}

func rejectCode(err error) string {
	var rej *actuator.RejectedError
	if errors.As(err, &rej) {
		return rej.Code
	}
	return ""
}

func TestDigAndCollect(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	log := actuator.Vec3{X: 2, Y: 0, Z: 0}
	w.SetBlock(log, "minecraft:oak_log")

	p, ok, err := w.LocateBlock(ctx, actuator.MatchAny("oak_log"), 8)
	if err != nil || !ok || p != log {
		t.Fatalf("locate: %v %v %v", p, ok, err)
	}
	if err := w.Dig(ctx, log); err != nil {
		t.Fatalf("dig: %v", err)
	}
	if b := w.Block(log); b != "air" {
		t.Fatalf("block after dig=%s", b)
	}
	if w.Snapshot().Count("oak_log") != 0 {
		t.Fatalf("drop should not be held before collection")
	}
	if err := w.CollectDrops(ctx, log, 3); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := w.Snapshot().Count("oak_log"); got != 1 {
		t.Fatalf("oak_log=%d", got)
	}
	if err := w.Dig(ctx, log); rejectCode(err) != protocol.ErrInvalidTarget {
		t.Fatalf("dig air: %v", err)
	}
}

func TestDig_StoneDropsCobblestoneAndToolSpeed(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	a := actuator.Vec3{X: 1, Y: -1}
	b := actuator.Vec3{X: -1, Y: -1}
	w.SetBlock(a, "stone")
	w.SetBlock(b, "stone")

	start := w.Tick()
	if err := w.Dig(ctx, a); err != nil {
		t.Fatalf("dig: %v", err)
	}
	bare := w.Tick() - start

	w.Give("wooden_pickaxe", 1)
	if err := w.Equip(ctx, "wooden_pickaxe"); err != nil {
		t.Fatalf("equip: %v", err)
	}
	start = w.Tick()
	if err := w.Dig(ctx, b); err != nil {
		t.Fatalf("dig: %v", err)
	}
	if tooled := w.Tick() - start; tooled >= bare {
		t.Fatalf("tool should be faster: bare=%d tooled=%d", bare, tooled)
	}
	_ = w.CollectDrops(ctx, actuator.Vec3{}, 4)
	if got := w.Snapshot().Count("cobblestone"); got != 2 {
		t.Fatalf("cobblestone=%d", got)
	}
}

func TestCraft_StationAndInputs(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.Give("oak_planks", 3)
	w.Give("stick", 2)

	err := w.Craft(ctx, "wooden_pickaxe", 1, nil)
	if rejectCode(err) != protocol.ErrBlocked {
		t.Fatalf("want E_BLOCKED without station, got %v", err)
	}

	table := actuator.Vec3{X: 1, Y: 0, Z: 0}
	w.SetBlock(table, "crafting_table")
	if err := w.Craft(ctx, "wooden_pickaxe", 1, &table); err != nil {
		t.Fatalf("craft: %v", err)
	}
	snap := w.Snapshot()
	if snap.Count("wooden_pickaxe") != 1 || snap.Count("oak_planks") != 0 || snap.Count("stick") != 0 {
		t.Fatalf("inventory after craft: %v", snap.Excerpt())
	}

	err = w.Craft(ctx, "wooden_pickaxe", 1, &table)
	if rejectCode(err) != protocol.ErrNoResource {
		t.Fatalf("want E_NO_RESOURCE, got %v", err)
	}
	if !protocol.IsMissingResource(rejectCode(err)) {
		t.Fatalf("code should classify as missing resource")
	}
}

func TestCraft_PlanksBatch(t *testing.T) {
	w := newWorld(t)
	w.Give("oak_log", 3)
	if err := w.Craft(context.Background(), "oak_planks", 3, nil); err != nil {
		t.Fatalf("craft: %v", err)
	}
	if got := w.Snapshot().Count("oak_planks"); got != 12 {
		t.Fatalf("oak_planks=%d", got)
	}
}

func TestPlace(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	floor := actuator.Vec3{X: 1, Y: -1}
	w.SetBlock(floor, "dirt")
	w.Give("crafting_table", 1)

	if err := w.Place(ctx, floor, actuator.Up); rejectCode(err) != protocol.ErrNoResource {
		t.Fatalf("place without holding: %v", err)
	}
	if err := w.Equip(ctx, "crafting_table"); err != nil {
		t.Fatalf("equip: %v", err)
	}
	if err := w.Place(ctx, floor, actuator.Up); err != nil {
		t.Fatalf("place: %v", err)
	}
	if b := w.Block(floor.Add(actuator.Up)); b != "crafting_table" {
		t.Fatalf("placed=%s", b)
	}
	if w.MainHand() != "" || w.Snapshot().Has("crafting_table") {
		t.Fatalf("table should be consumed")
	}
}

func TestEatCommand(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.SetVitals(20, 5)
	w.Give("bread", 1)
	if err := w.Equip(ctx, "bread"); err != nil {
		t.Fatalf("equip: %v", err)
	}
	if err := w.IssueCommand(ctx, "eat"); err != nil {
		t.Fatalf("eat: %v", err)
	}
	_, hunger, _ := w.Vitals(ctx)
	if hunger != 11 {
		t.Fatalf("hunger=%d", hunger)
	}
	if err := w.IssueCommand(ctx, "eat"); rejectCode(err) != protocol.ErrNoResource {
		t.Fatalf("eat with nothing: %v", err)
	}
}

func TestFaultsAndDisconnect(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.FailNext("move", actuator.ErrTimeout, 1)
	if err := w.MoveTo(ctx, actuator.Vec3{X: 3}, 1); !errors.Is(err, actuator.ErrTimeout) {
		t.Fatalf("want injected timeout, got %v", err)
	}
	if err := w.MoveTo(ctx, actuator.Vec3{X: 3}, 1); err != nil {
		t.Fatalf("second move: %v", err)
	}
	if p, _ := w.Position(ctx); p != (actuator.Vec3{X: 3}) {
		t.Fatalf("pos=%v", p)
	}

	w.Disconnect()
	select {
	case <-w.Done():
	default:
		t.Fatalf("Done should be closed")
	}
	if _, err := w.Inventory(ctx); !errors.Is(err, actuator.ErrDisconnected) {
		t.Fatalf("inventory after disconnect: %v", err)
	}
	if err := w.Dig(ctx, actuator.Vec3{}); !errors.Is(err, actuator.ErrDisconnected) {
		t.Fatalf("dig after disconnect: %v", err)
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	cat, _ := recipes.Defaults()
	res := recipes.NewResolver(nil, recipes.PolicySkip, nil)
	a := Generate(cat, res, Options{Seed: 7, Radius: 10})
	b := Generate(cat, res, Options{Seed: 7, Radius: 10})
	if len(a.blocks) != len(b.blocks) {
		t.Fatalf("block counts differ: %d vs %d", len(a.blocks), len(b.blocks))
	}
	for p, blk := range a.blocks {
		if b.blocks[p] != blk {
			t.Fatalf("mismatch at %v: %s vs %s", p, blk, b.blocks[p])
		}
	}
	if a.Block(actuator.Vec3{Y: SurfaceY}) != "grass_block" {
		t.Fatalf("surface missing at origin")
	}
	if a.Block(actuator.Vec3{Y: 0}) != "air" {
		t.Fatalf("spawn should be clear")
	}
	if _, ok, _ := a.LocateBlock(context.Background(), actuator.MatchAny("stone"), 12); !ok {
		t.Fatalf("no stone generated")
	}
}
