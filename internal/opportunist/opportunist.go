// Package opportunist makes small progress between full runs: one gather,
// craft or mine step per tick, never while anything else holds the busy
// flag.
package opportunist

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"craftpilot.ai/internal/inventory"
	"craftpilot.ai/internal/survival"
)

type Action string

const (
	ActionBusy   Action = "busy"
	ActionNone   Action = "none"
	ActionGather Action = "gather"
	ActionCraft  Action = "craft"
	ActionMine   Action = "mine"
)

type Config struct {
	Interval       time.Duration
	GatherCooldown time.Duration
	// LogFloor triggers a gather when fewer logs are held.
	LogFloor int
	// Ladder is the tool order used to pick the next missing prerequisite.
	Ladder []string
}

type Stats struct {
	Ticks   int64 `json:"ticks"`
	Skipped int64 `json:"skipped"`
	Acted   int64 `json:"acted"`
	Failed  int64 `json:"failed"`
}

type Opportunist struct {
	env    *survival.Env
	busy   *survival.Busy
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	ticks, skipped, acted, failed atomic.Int64
}

func New(env *survival.Env, busy *survival.Busy, cfg Config, logger *log.Logger) *Opportunist {
	return &Opportunist{env: env, busy: busy, cfg: cfg, logger: logger, now: time.Now}
}

func (o *Opportunist) Stats() Stats {
	return Stats{
		Ticks:   o.ticks.Load(),
		Skipped: o.skipped.Load(),
		Acted:   o.acted.Load(),
		Failed:  o.failed.Load(),
	}
}

// Run ticks until ctx ends or the world link drops.
func (o *Opportunist) Run(ctx context.Context) error {
	if o.cfg.Interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(o.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.env.Act.Done():
			return nil
		case <-t.C:
		}
		act, detail, err := o.Tick(ctx)
		if err != nil {
			if survival.Classify(err) == survival.FailConnection {
				return err
			}
			if o.logger != nil {
				o.logger.Printf("opportunist action=%s detail=%s err=%v", act, detail, err)
			}
		}
	}
}

// Tick performs at most one action. It returns ActionBusy without touching
// the world when the flag is held.
func (o *Opportunist) Tick(ctx context.Context) (Action, string, error) {
	o.ticks.Add(1)
	if !o.busy.TryAcquire() {
		o.skipped.Add(1)
		return ActionBusy, "", nil
	}
	defer o.busy.Release()

	act, detail, err := o.pick(ctx)
	if act != ActionNone {
		o.acted.Add(1)
		ev := survival.Event{Time: o.now().UTC(), Kind: survival.EventAction, Stage: "opportunist_" + string(act), Reason: detail}
		if err != nil {
			o.failed.Add(1)
			ev.Failure = survival.Classify(err).String()
			ev.Error = err.Error()
		}
		if o.env.Sink != nil {
			o.env.Sink.Emit(ev)
		}
	}
	return act, detail, err
}

func (o *Opportunist) pick(ctx context.Context) (Action, string, error) {
	snap, err := o.env.Snapshot(ctx)
	if err != nil {
		return ActionNone, "", err
	}

	logs := snap.Count(survival.LogItem)
	if logs < o.cfg.LogFloor && o.now().Sub(o.env.LastGather()) >= o.cfg.GatherCooldown {
		return ActionGather, survival.LogItem, o.env.GatherLogs(ctx, o.cfg.LogFloor)
	}

	if item, ok := o.nextCraft(snap); ok {
		return ActionCraft, item, o.env.Craft(ctx, item, 1)
	}

	if id, tier := snap.BestTool(inventory.ToolPickaxe); tier > 0 {
		return ActionMine, id, o.env.MineStone(ctx, snap.Count(survival.CobbleItem)+1)
	}
	return ActionNone, "", nil
}

// nextCraft returns the first ladder item not held, if it can be crafted
// from the snapshot as is.
func (o *Opportunist) nextCraft(snap inventory.Snapshot) (string, bool) {
	for _, item := range o.cfg.Ladder {
		item = inventory.Normalize(item)
		if snap.Has(item) {
			continue
		}
		rec, err := o.env.Catalog.ForItem(item)
		if err != nil || !o.env.Resolver.IsCraftable(rec, snap) {
			return "", false
		}
		if rec.NeedsTable() {
			if _, ok := o.env.Station(); !ok {
				return "", false
			}
		}
		return item, true
	}
	return "", false
}
