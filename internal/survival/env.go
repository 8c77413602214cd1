package survival

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"craftpilot.ai/internal/actuator"
	"craftpilot.ai/internal/config"
	"craftpilot.ai/internal/inventory"
	"craftpilot.ai/internal/recipes"
)

// Item ids the plan relies on.
const (
	LogItem       = "oak_log"
	PlanksItem    = "oak_planks"
	StickItem     = "stick"
	TableItem     = "crafting_table"
	CobbleItem    = "cobblestone"
	RawIronItem   = "raw_iron"
	IronOreItem   = "iron_ore"
	stationReach  = 2.0
	dropRadius    = 3
	confirmTicks  = 10
	maxPrereqRuns = 8
)

// Env is everything an action needs. One Env lives per world connection and
// is only touched by whoever holds the Busy flag.
type Env struct {
	Act      actuator.Actuator
	Catalog  *recipes.Catalog
	Resolver *recipes.Resolver
	Logger   *log.Logger
	Sink     EventSink

	Plan          config.PlanConfig
	Placement     PlacementParams
	SearchRadius  int
	ActionTimeout time.Duration

	station    *actuator.Vec3
	held       string
	mined      int
	lastGather time.Time
	now        func() time.Time
}

func NewEnv(act actuator.Actuator, cat *recipes.Catalog, res *recipes.Resolver, cfg config.Config, logger *log.Logger) *Env {
	return &Env{
		Act:      act,
		Catalog:  cat,
		Resolver: res,
		Logger:   logger,
		Plan:     cfg.Plan,
		Placement: PlacementParams{
			Radius:    cfg.Placement.Radius,
			Step:      cfg.Placement.Step,
			Footprint: cfg.Placement.Footprint,
		},
		SearchRadius:  cfg.World.SearchRadius,
		ActionTimeout: cfg.World.ActionTimeout(),
		now:           time.Now,
	}
}

func (e *Env) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

func (e *Env) clock() time.Time {
	if e.now == nil {
		return time.Now()
	}
	return e.now()
}

// LastGather is when logs were last gathered by this Env.
func (e *Env) LastGather() time.Time { return e.lastGather }

// Mined counts blocks dug by this Env.
func (e *Env) Mined() int { return e.mined }

// do runs one actuator call under ActionTimeout. A deadline hit by the
// per-call bound surfaces as actuator.ErrTimeout.
func (e *Env) do(ctx context.Context, fn func(context.Context) error) error {
	if e.ActionTimeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, e.ActionTimeout)
	defer cancel()
	err := fn(cctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", actuator.ErrTimeout, err)
	}
	return err
}

// Snapshot rebuilds the inventory view from the world.
func (e *Env) Snapshot(ctx context.Context) (inventory.Snapshot, error) {
	var items []actuator.Item
	err := e.do(ctx, func(ctx context.Context) error {
		var err error
		items, err = e.Act.Inventory(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return inventory.FromStacks(items), nil
}

func (e *Env) locate(ctx context.Context, match actuator.BlockMatch) (actuator.Vec3, bool, error) {
	var (
		pos actuator.Vec3
		ok  bool
	)
	err := e.do(ctx, func(ctx context.Context) error {
		var err error
		pos, ok, err = e.Act.LocateBlock(ctx, match, e.SearchRadius)
		return err
	})
	return pos, ok, err
}

func (e *Env) equip(ctx context.Context, item string) error {
	if err := e.do(ctx, func(ctx context.Context) error { return e.Act.Equip(ctx, item) }); err != nil {
		return fmt.Errorf("equip %s: %w", item, err)
	}
	e.held = item
	return nil
}

// equipFor holds the strongest tool for block, if any is carried.
func (e *Env) equipFor(ctx context.Context, block string, snap inventory.Snapshot) error {
	id, _ := snap.BestTool(inventory.ToolFamilyForBlock(block))
	if id == "" || id == e.held {
		return nil
	}
	return e.equip(ctx, id)
}

// Harvest digs blocks matching match until count(snapshot) reaches target.
func (e *Env) Harvest(ctx context.Context, what string, match actuator.BlockMatch, count func(inventory.Snapshot) int, target int) error {
	for {
		snap, err := e.Snapshot(ctx)
		if err != nil {
			return err
		}
		have := count(snap)
		if have >= target {
			return nil
		}
		pos, ok, err := e.locate(ctx, match)
		if err != nil {
			return fmt.Errorf("locate %s: %w", what, err)
		}
		if !ok {
			return fmt.Errorf("%s: none within %d blocks: %w", what, e.SearchRadius, ErrMissingResource)
		}
		if err := e.mineAt(ctx, pos, snap); err != nil {
			return fmt.Errorf("%s at %s: %w", what, pos, err)
		}
		after, err := e.Snapshot(ctx)
		if err != nil {
			return err
		}
		if count(after) <= have {
			return fmt.Errorf("%s at %s: nothing collected", what, pos)
		}
	}
}

func (e *Env) blockAt(ctx context.Context, pos actuator.Vec3) (string, error) {
	var block string
	err := e.do(ctx, func(ctx context.Context) error {
		var err error
		block, err = e.Act.BlockAt(ctx, pos)
		return err
	})
	return block, err
}

func (e *Env) mineAt(ctx context.Context, pos actuator.Vec3, snap inventory.Snapshot) error {
	block, err := e.blockAt(ctx, pos)
	if err == nil {
		if err := e.equipFor(ctx, block, snap); err != nil {
			return err
		}
	} else if errors.Is(err, actuator.ErrDisconnected) {
		return err
	}
	if err := e.do(ctx, func(ctx context.Context) error { return e.Act.MoveTo(ctx, pos, stationReach) }); err != nil {
		return fmt.Errorf("move: %w", err)
	}
	if err := e.do(ctx, func(ctx context.Context) error { return e.Act.Dig(ctx, pos) }); err != nil {
		return fmt.Errorf("dig: %w", err)
	}
	e.mined++
	if err := e.do(ctx, func(ctx context.Context) error { return e.Act.CollectDrops(ctx, pos, dropRadius) }); err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	return e.announce(ctx)
}

func (e *Env) announce(ctx context.Context) error {
	every := e.Plan.AnnounceEvery
	if every <= 0 || e.mined%every != 0 {
		return nil
	}
	msg := fmt.Sprintf("say I've mined %d blocks so far!", e.mined)
	err := e.do(ctx, func(ctx context.Context) error { return e.Act.IssueCommand(ctx, msg) })
	if err != nil && Classify(err) == FailConnection {
		return err
	}
	if err != nil {
		e.logf("announce failed mined=%d err=%v", e.mined, err)
	}
	return nil
}

// GatherLogs chops logs until target are held.
func (e *Env) GatherLogs(ctx context.Context, target int) error {
	err := e.Harvest(ctx, "gather "+LogItem, actuator.MatchAny(LogItem), countOf(LogItem), target)
	e.lastGather = e.clock()
	return err
}

// MineStone digs stone until target cobblestone are held.
func (e *Env) MineStone(ctx context.Context, target int) error {
	return e.Harvest(ctx, "mine stone", actuator.MatchAny("stone"), countOf(CobbleItem), target)
}

// MineIron digs iron ore until target raw iron (or ore) are held.
func (e *Env) MineIron(ctx context.Context, target int) error {
	return e.Harvest(ctx, "mine iron", actuator.MatchAny(IronOreItem, "deepslate_iron_ore"), countOf(RawIronItem, IronOreItem), target)
}

func countOf(items ...string) func(inventory.Snapshot) int {
	return func(s inventory.Snapshot) int {
		n := 0
		for _, it := range items {
			n += s.Count(it)
		}
		return n
	}
}

// CraftAtLeast crafts item until target are held.
func (e *Env) CraftAtLeast(ctx context.Context, item string, target int) error {
	rec, err := e.Catalog.ForItem(item)
	if err != nil {
		return fmt.Errorf("craft %s: %w", item, err)
	}
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return err
	}
	return e.craft(ctx, rec, recipes.CraftsNeeded(target, snap.Count(rec.Result.Item), rec.Result.Count), 0)
}

// Craft runs crafts crafts of the recipe producing item, first making or
// gathering whatever inputs are short.
func (e *Env) Craft(ctx context.Context, item string, crafts int) error {
	rec, err := e.Catalog.ForItem(item)
	if err != nil {
		return fmt.Errorf("craft %s: %w", item, err)
	}
	return e.craft(ctx, rec, crafts, 0)
}

func (e *Env) craft(ctx context.Context, rec recipes.Recipe, crafts, depth int) error {
	if crafts <= 0 {
		return nil
	}
	need, err := e.Resolver.InputsFor(rec, crafts)
	if err != nil {
		return fmt.Errorf("craft %s: %w", rec.ID, err)
	}
	var station *actuator.Vec3
	if rec.NeedsTable() {
		pos, err := e.EnsureStation(ctx, depth)
		if err != nil {
			return fmt.Errorf("craft %s: %w", rec.ID, err)
		}
		station = &pos
	}
	if err := e.ensure(ctx, need, depth); err != nil {
		return fmt.Errorf("craft %s: %w", rec.ID, err)
	}
	for i := 0; i < crafts; i++ {
		err := e.do(ctx, func(ctx context.Context) error { return e.Act.Craft(ctx, rec.ID, 1, station) })
		if err != nil {
			return fmt.Errorf("craft %s (%d/%d): %w", rec.ID, i+1, crafts, err)
		}
	}
	return nil
}

// ensure makes the snapshot cover need, crafting intermediates and
// gathering logs one shortfall at a time.
func (e *Env) ensure(ctx context.Context, need recipes.Requirements, depth int) error {
	for round := 0; round < maxPrereqRuns; round++ {
		snap, err := e.Snapshot(ctx)
		if err != nil {
			return err
		}
		missing := snap.Missing(need)
		if missing == nil {
			return nil
		}
		items := make([]string, 0, len(missing))
		for it := range missing {
			items = append(items, it)
		}
		sort.Strings(items)
		item := items[0]
		switch {
		case item == LogItem:
			if err := e.GatherLogs(ctx, need[item]); err != nil {
				return err
			}
		case depth < 3 && e.Catalog.Produces(item):
			rec, err := e.Catalog.ForItem(item)
			if err != nil {
				return err
			}
			crafts := recipes.CraftsNeeded(need[item], snap.Count(item), rec.Result.Count)
			if err := e.craft(ctx, rec, crafts, depth+1); err != nil {
				return err
			}
		default:
			return fmt.Errorf("need %d more %s: %w", missing[item], item, ErrMissingResource)
		}
	}
	return fmt.Errorf("inputs still short after %d rounds: %w", maxPrereqRuns, ErrMissingResource)
}

// Station returns the crafting table in use, if one is known.
func (e *Env) Station() (actuator.Vec3, bool) {
	if e.station == nil {
		return actuator.Vec3{}, false
	}
	return *e.station, true
}

// EnsureStation finds a crafting table nearby or crafts and places one.
func (e *Env) EnsureStation(ctx context.Context, depth int) (actuator.Vec3, error) {
	if e.station != nil {
		b, err := e.blockAt(ctx, *e.station)
		if err == nil && inventory.Normalize(b) == TableItem {
			return *e.station, nil
		}
		if errors.Is(err, actuator.ErrDisconnected) {
			return actuator.Vec3{}, err
		}
		e.station = nil
	}
	if pos, ok, err := e.locate(ctx, actuator.MatchAny(TableItem)); err != nil {
		return actuator.Vec3{}, err
	} else if ok {
		e.station = &pos
		return pos, nil
	}
	return e.PlaceTable(ctx, depth)
}

// PlaceTable crafts a crafting table if none is held, searches for a site
// and places it, then waits a bounded number of ticks for the world to show
// it.
func (e *Env) PlaceTable(ctx context.Context, depth int) (actuator.Vec3, error) {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return actuator.Vec3{}, err
	}
	if !snap.Has(TableItem) {
		rec, err := e.Catalog.ForItem(TableItem)
		if err != nil {
			return actuator.Vec3{}, fmt.Errorf("craft %s: %w", TableItem, err)
		}
		if err := e.craft(ctx, rec, 1, depth+1); err != nil {
			return actuator.Vec3{}, err
		}
	}
	var self actuator.Vec3
	if err := e.do(ctx, func(ctx context.Context) error {
		var err error
		self, err = e.Act.Position(ctx)
		return err
	}); err != nil {
		return actuator.Vec3{}, err
	}
	site, ok, err := FindPlacementSite(ctx, e.Act, self, e.Placement)
	if err != nil {
		return actuator.Vec3{}, fmt.Errorf("placement search: %w", err)
	}
	if !ok {
		return actuator.Vec3{}, fmt.Errorf("no placement site within %d of %s: %w", e.Placement.Radius, self, ErrMissingResource)
	}
	stand := site.Add(actuator.Vec3{X: 1})
	if err := e.do(ctx, func(ctx context.Context) error { return e.Act.MoveTo(ctx, stand, 1) }); err != nil {
		return actuator.Vec3{}, fmt.Errorf("move to site: %w", err)
	}
	if err := e.equip(ctx, TableItem); err != nil {
		return actuator.Vec3{}, err
	}
	if err := e.do(ctx, func(ctx context.Context) error { return e.Act.Place(ctx, site.Add(actuator.Down), actuator.Up) }); err != nil {
		return actuator.Vec3{}, fmt.Errorf("place %s at %s: %w", TableItem, site, err)
	}
	e.held = ""
	for i := 0; i <= confirmTicks; i++ {
		b, err := e.blockAt(ctx, site)
		if err == nil && inventory.Normalize(b) == TableItem {
			e.station = &site
			e.logf("crafting table placed at=%s", site)
			return site, nil
		}
		if errors.Is(err, actuator.ErrDisconnected) {
			return actuator.Vec3{}, err
		}
		if i == confirmTicks {
			break
		}
		if err := e.do(ctx, func(ctx context.Context) error { return e.Act.WaitTicks(ctx, 1) }); err != nil {
			return actuator.Vec3{}, err
		}
	}
	return actuator.Vec3{}, fmt.Errorf("%s not seen at %s after %d ticks: %w", TableItem, site, confirmTicks, actuator.ErrTimeout)
}

// MaybeEat eats the first configured food held when hunger is below the
// floor.
func (e *Env) MaybeEat(ctx context.Context) error {
	if e.Plan.HungerFloor <= 0 {
		return nil
	}
	var hunger int
	if err := e.do(ctx, func(ctx context.Context) error {
		var err error
		_, hunger, err = e.Act.Vitals(ctx)
		return err
	}); err != nil {
		return err
	}
	if hunger >= e.Plan.HungerFloor {
		return nil
	}
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return err
	}
	for _, food := range e.Plan.Foods {
		if !snap.Has(food) {
			continue
		}
		if err := e.equip(ctx, inventory.Normalize(food)); err != nil {
			return err
		}
		if err := e.do(ctx, func(ctx context.Context) error { return e.Act.IssueCommand(ctx, "eat") }); err != nil {
			return fmt.Errorf("eat %s: %w", food, err)
		}
		e.logf("ate food=%s hunger=%d", food, hunger)
		return nil
	}
	e.logf("hungry but no food hunger=%d", hunger)
	return nil
}
