// Package worldtest is an in-memory world that implements actuator.Actuator.
// Tests drive it directly; cmd/bot uses a generated one for offline runs.
package worldtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"craftpilot.ai/internal/actuator"
	"craftpilot.ai/internal/inventory"
	"craftpilot.ai/internal/protocol"
	"craftpilot.ai/internal/recipes"
)

// Reach is how far the agent can dig, place or use a station.
const Reach = 5

type drop struct {
	pos   actuator.Vec3
	item  string
	count int
}

type fault struct {
	err error
	n   int
}

type World struct {
	mu sync.Mutex

	catalog  *recipes.Catalog
	resolver *recipes.Resolver

	blocks   map[actuator.Vec3]string
	inv      inventory.Snapshot
	pos      actuator.Vec3
	health   int
	hunger   int
	mainHand string
	drops    []drop
	tick     uint64

	// TickDelay is the wall time one tick takes; zero in tests.
	TickDelay time.Duration
	// Gravity drops the agent onto the first solid block after a move.
	Gravity bool

	faults   map[string]*fault
	calls    []string
	commands []string

	done     chan struct{}
	doneOnce sync.Once
}

var _ actuator.Actuator = (*World)(nil)

// New returns an empty (all air) world with the agent at the origin.
func New(cat *recipes.Catalog, res *recipes.Resolver) *World {
	return &World{
		catalog:  cat,
		resolver: res,
		blocks:   map[actuator.Vec3]string{},
		inv:      inventory.Snapshot{},
		health:   20,
		hunger:   20,
		faults:   map[string]*fault{},
		done:     make(chan struct{}),
	}
}

func (w *World) SetBlock(p actuator.Vec3, block string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setBlockLocked(p, block)
}

func (w *World) setBlockLocked(p actuator.Vec3, block string) {
	block = inventory.Normalize(block)
	if actuator.IsAir(block) {
		delete(w.blocks, p)
		return
	}
	w.blocks[p] = block
}

func (w *World) Block(p actuator.Vec3) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.blockLocked(p)
}

func (w *World) blockLocked(p actuator.Vec3) string {
	if b, ok := w.blocks[p]; ok {
		return b
	}
	return "air"
}

// Fill sets every block in the inclusive box.
func (w *World) Fill(from, to actuator.Vec3, block string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for y := min(from.Y, to.Y); y <= max(from.Y, to.Y); y++ {
		for z := min(from.Z, to.Z); z <= max(from.Z, to.Z); z++ {
			for x := min(from.X, to.X); x <= max(from.X, to.X); x++ {
				w.setBlockLocked(actuator.Vec3{X: x, Y: y, Z: z}, block)
			}
		}
	}
}

func (w *World) SetPos(p actuator.Vec3) {
	w.mu.Lock()
	w.pos = p
	w.mu.Unlock()
}

func (w *World) Give(item string, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := inventory.Normalize(item)
	w.inv[id] += n
	if w.inv[id] <= 0 {
		delete(w.inv, id)
	}
}

func (w *World) SetVitals(health, hunger int) {
	w.mu.Lock()
	w.health, w.hunger = health, hunger
	w.mu.Unlock()
}

func (w *World) Snapshot() inventory.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inv.Clone()
}

func (w *World) MainHand() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mainHand
}

// FailNext makes the next n calls of op ("dig", "craft", ...) return err.
func (w *World) FailNext(op string, err error, n int) {
	w.mu.Lock()
	w.faults[op] = &fault{err: err, n: n}
	w.mu.Unlock()
}

// Calls lists every actuation in order as "op arg".
func (w *World) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func (w *World) CountCalls(prefix string) int {
	n := 0
	for _, c := range w.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (w *World) Commands() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.commands...)
}

func (w *World) Tick() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tick
}

// Disconnect simulates losing the world link.
func (w *World) Disconnect() {
	w.doneOnce.Do(func() { close(w.done) })
}

func (w *World) Done() <-chan struct{} { return w.done }

// begin records op and returns an injected or link error. Callers hold mu.
func (w *World) begin(ctx context.Context, op, arg string) error {
	select {
	case <-w.done:
		return actuator.ErrDisconnected
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.calls = append(w.calls, strings.TrimSpace(op+" "+arg))
	if f := w.faults[op]; f != nil && f.n > 0 {
		f.n--
		return f.err
	}
	return nil
}

func rejected(code, format string, args ...any) error {
	return &actuator.RejectedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// advance moves the clock n ticks, sleeping TickDelay per tick without
// holding the lock.
func (w *World) advance(ctx context.Context, n int) error {
	w.tick += uint64(n)
	if w.TickDelay <= 0 || n <= 0 {
		return nil
	}
	w.mu.Unlock()
	defer w.mu.Lock()
	t := time.NewTimer(time.Duration(n) * w.TickDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return actuator.ErrDisconnected
	case <-t.C:
		return nil
	}
}

func (w *World) LocateBlock(ctx context.Context, match actuator.BlockMatch, maxDist int) (actuator.Vec3, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.begin(ctx, "locate", ""); err != nil {
		return actuator.Vec3{}, false, err
	}
	limit := maxDist * maxDist
	var hits []actuator.Vec3
	for p, b := range w.blocks {
		if match(b) && p.DistSq(w.pos) <= limit {
			hits = append(hits, p)
		}
	}
	if len(hits) == 0 {
		return actuator.Vec3{}, false, nil
	}
	sort.Slice(hits, func(i, j int) bool {
		di, dj := hits[i].DistSq(w.pos), hits[j].DistSq(w.pos)
		if di != dj {
			return di < dj
		}
		if hits[i].Y != hits[j].Y {
			return hits[i].Y > hits[j].Y
		}
		if hits[i].X != hits[j].X {
			return hits[i].X < hits[j].X
		}
		return hits[i].Z < hits[j].Z
	})
	return hits[0], true, nil
}

func (w *World) BlockAt(ctx context.Context, p actuator.Vec3) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return "", actuator.ErrDisconnected
	default:
	}
	return w.blockLocked(p), nil
}

func (w *World) MoveTo(ctx context.Context, p actuator.Vec3, tolerance float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.begin(ctx, "move", p.String()); err != nil {
		return err
	}
	d := w.pos.DistSq(p)
	w.pos = p
	w.settle()
	steps := 1
	for steps*steps < d {
		steps++
	}
	return w.advance(ctx, steps)
}

// settle applies gravity, at most one world height.
func (w *World) settle() {
	if !w.Gravity {
		return
	}
	for i := 0; i < 64 && actuator.IsAir(w.blockLocked(w.pos.Add(actuator.Down))); i++ {
		w.pos.Y--
	}
}

func (w *World) inReach(p actuator.Vec3) bool { return w.pos.DistSq(p) <= Reach*Reach }

func (w *World) Dig(ctx context.Context, p actuator.Vec3) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.begin(ctx, "dig", p.String()); err != nil {
		return err
	}
	b := w.blockLocked(p)
	if actuator.IsAir(b) {
		return rejected(protocol.ErrInvalidTarget, "nothing to mine at %s", p)
	}
	if !w.inReach(p) {
		return rejected(protocol.ErrBlocked, "%s out of reach", p)
	}
	tier := 0
	if fam, t := inventory.ToolTier(w.mainHand); fam != inventory.ToolNone && fam == inventory.ToolFamilyForBlock(b) {
		tier = t
	}
	if err := w.advance(ctx, inventory.MineParamsForTier(tier)); err != nil {
		return err
	}
	delete(w.blocks, p)
	w.drops = append(w.drops, drop{pos: p, item: dropFor(b), count: 1})
	return nil
}

func dropFor(block string) string {
	switch block {
	case "stone":
		return "cobblestone"
	case "grass_block":
		return "dirt"
	case "iron_ore", "deepslate_iron_ore":
		return "raw_iron"
	}
	return block
}

func (w *World) Place(ctx context.Context, ref actuator.Vec3, offset actuator.Vec3) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	target := ref.Add(offset)
	if err := w.begin(ctx, "place", w.mainHand+" "+target.String()); err != nil {
		return err
	}
	item := w.mainHand
	if item == "" || w.inv[item] <= 0 {
		return rejected(protocol.ErrNoResource, "nothing to place")
	}
	if actuator.IsAir(w.blockLocked(ref)) {
		return rejected(protocol.ErrInvalidTarget, "no block to place against at %s", ref)
	}
	if !actuator.IsAir(w.blockLocked(target)) {
		return rejected(protocol.ErrBlocked, "%s is occupied", target)
	}
	if !w.inReach(target) {
		return rejected(protocol.ErrBlocked, "%s out of reach", target)
	}
	w.blocks[target] = item
	w.inv[item]--
	if w.inv[item] <= 0 {
		delete(w.inv, item)
		w.mainHand = ""
	}
	return w.advance(ctx, 1)
}

func (w *World) Equip(ctx context.Context, item string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := inventory.Normalize(item)
	if err := w.begin(ctx, "equip", id); err != nil {
		return err
	}
	if w.inv[id] <= 0 {
		return rejected(protocol.ErrNoResource, "%s not held", id)
	}
	w.mainHand = id
	return nil
}

func (w *World) Craft(ctx context.Context, recipeID string, count int, station *actuator.Vec3) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.begin(ctx, "craft", fmt.Sprintf("%s x%d", recipeID, count)); err != nil {
		return err
	}
	if count <= 0 {
		return nil
	}
	rec, err := w.catalog.Get(recipeID)
	if err != nil {
		return rejected(protocol.ErrInvalidTarget, "unknown recipe %s", recipeID)
	}
	if rec.NeedsTable() {
		if station == nil || w.blockLocked(*station) != "crafting_table" {
			return rejected(protocol.ErrBlocked, "need crafting bench nearby")
		}
		if !w.inReach(*station) {
			w.pos = station.Add(actuator.Vec3{X: 1})
			w.settle()
		}
	}
	need, err := w.resolver.InputsFor(rec, count)
	if err != nil {
		return rejected(protocol.ErrInvalidTarget, "recipe %s: %v", recipeID, err)
	}
	if missing := w.inv.Missing(need); missing != nil {
		return rejected(protocol.ErrNoResource, "missing %v", missing)
	}
	for it, n := range need {
		w.inv[it] -= n
		if w.inv[it] <= 0 {
			delete(w.inv, it)
		}
	}
	w.inv[rec.Result.Item] += rec.Result.Count * count
	if w.mainHand != "" && w.inv[w.mainHand] <= 0 {
		w.mainHand = ""
	}
	return w.advance(ctx, count)
}

func (w *World) CollectDrops(ctx context.Context, center actuator.Vec3, radius int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.begin(ctx, "collect", center.String()); err != nil {
		return err
	}
	kept := w.drops[:0]
	for _, d := range w.drops {
		if d.pos.DistSq(center) <= radius*radius {
			w.inv[d.item] += d.count
			continue
		}
		kept = append(kept, d)
	}
	w.drops = kept
	return w.advance(ctx, 1)
}

func (w *World) WaitTicks(ctx context.Context, n int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.begin(ctx, "wait", fmt.Sprint(n)); err != nil {
		return err
	}
	return w.advance(ctx, n)
}

func (w *World) IssueCommand(ctx context.Context, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.begin(ctx, "command", text); err != nil {
		return err
	}
	w.commands = append(w.commands, text)
	if strings.TrimSpace(text) == "eat" {
		food := w.mainHand
		if food == "" || w.inv[food] <= 0 {
			return rejected(protocol.ErrNoResource, "nothing to eat")
		}
		w.inv[food]--
		if w.inv[food] <= 0 {
			delete(w.inv, food)
			w.mainHand = ""
		}
		w.hunger = min(20, w.hunger+6)
	}
	return nil
}

func (w *World) Inventory(ctx context.Context) ([]actuator.Item, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return nil, actuator.ErrDisconnected
	default:
	}
	ids := make([]string, 0, len(w.inv))
	for id := range w.inv {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]actuator.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, actuator.Item{ID: id, Count: w.inv[id]})
	}
	return out, nil
}

func (w *World) Position(ctx context.Context) (actuator.Vec3, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return actuator.Vec3{}, actuator.ErrDisconnected
	default:
	}
	return w.pos, nil
}

func (w *World) Vitals(ctx context.Context) (int, int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return 0, 0, actuator.ErrDisconnected
	default:
	}
	return w.health, w.hunger, nil
}

func (w *World) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, "stop")
	return nil
}
