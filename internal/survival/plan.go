package survival

import (
	"context"

	"craftpilot.ai/internal/config"
	"craftpilot.ai/internal/inventory"
)

// Stage is one step of the survival plan. Done, when set, is checked against
// a fresh snapshot before acting; a satisfied stage is skipped without
// touching the world.
type Stage struct {
	Name       string
	Done       func(inventory.Snapshot) bool
	Action     func(ctx context.Context, e *Env) error
	MaxRetries int
	// Fatal stages abort the run once retries are exhausted; the rest are
	// skipped.
	Fatal bool
}

// Plan builds the canonical stage list: logs, planks, sticks, crafting
// table, wooden tools, stone, iron, then the configured upgrades (each
// skippable).
func Plan(cfg config.PlanConfig) []Stage {
	retries := cfg.MaxRetries
	stages := []Stage{
		{
			Name: "gather_logs",
			Done: func(s inventory.Snapshot) bool {
				return s.Count(LogItem) >= cfg.LogThreshold || s.Count(PlanksItem) >= cfg.PlanksTarget
			},
			Action: func(ctx context.Context, e *Env) error { return e.GatherLogs(ctx, cfg.LogThreshold) },
		},
		{
			Name:   "craft_planks",
			Done:   func(s inventory.Snapshot) bool { return s.Count(PlanksItem) >= cfg.PlanksTarget },
			Action: func(ctx context.Context, e *Env) error { return e.CraftAtLeast(ctx, PlanksItem, cfg.PlanksTarget) },
		},
		{
			Name:   "craft_sticks",
			Done:   func(s inventory.Snapshot) bool { return s.Count(StickItem) >= cfg.SticksTarget },
			Action: func(ctx context.Context, e *Env) error { return e.CraftAtLeast(ctx, StickItem, cfg.SticksTarget) },
		},
		{
			Name: "place_crafting_table",
			Action: func(ctx context.Context, e *Env) error {
				_, err := e.EnsureStation(ctx, 0)
				return err
			},
		},
		toolStage("craft_wooden_pickaxe", "wooden", inventory.ToolPickaxe),
		toolStage("craft_wooden_axe", "wooden", inventory.ToolAxe),
		{
			Name:   "mine_stone",
			Done:   func(s inventory.Snapshot) bool { return s.Count(CobbleItem) >= cfg.StoneCap },
			Action: func(ctx context.Context, e *Env) error { return e.MineStone(ctx, cfg.StoneCap) },
		},
		{
			Name:   "mine_iron",
			Done:   func(s inventory.Snapshot) bool { return countOf(RawIronItem, IronOreItem)(s) >= cfg.IronTarget },
			Action: func(ctx context.Context, e *Env) error { return e.MineIron(ctx, cfg.IronTarget) },
		},
	}
	for i := range stages {
		stages[i].MaxRetries = retries
		stages[i].Fatal = true
	}
	for _, item := range cfg.Upgrades {
		item := inventory.Normalize(item)
		stages = append(stages, Stage{
			Name:       "craft_" + item,
			Done:       func(s inventory.Snapshot) bool { return s.Has(item) },
			Action:     func(ctx context.Context, e *Env) error { return e.Craft(ctx, item, 1) },
			MaxRetries: retries,
		})
	}
	return stages
}

// toolStage is satisfied by the tool or any stronger one of its family.
func toolStage(name, material string, f inventory.ToolFamily) Stage {
	id := inventory.ToolID(material, f)
	return Stage{
		Name: name,
		Done: func(s inventory.Snapshot) bool {
			_, tier := s.BestTool(f)
			_, want := inventory.ToolTier(id)
			return tier >= want
		},
		Action: func(ctx context.Context, e *Env) error { return e.Craft(ctx, id, 1) },
	}
}

// Ladder is the craft order the opportunist climbs: wooden tools, then the
// configured upgrades.
func Ladder(cfg config.PlanConfig) []string {
	out := []string{inventory.ToolID("wooden", inventory.ToolPickaxe), inventory.ToolID("wooden", inventory.ToolAxe)}
	for _, item := range cfg.Upgrades {
		out = append(out, inventory.Normalize(item))
	}
	return out
}
