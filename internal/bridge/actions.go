package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"craftpilot.ai/internal/actuator"
	"craftpilot.ai/internal/inventory"
	"craftpilot.ai/internal/protocol"
)

// stationReach is how close the agent stands to a crafting station.
const stationReach = 2.0

func (s *Session) LocateBlock(ctx context.Context, match actuator.BlockMatch, maxDist int) (actuator.Vec3, bool, error) {
	if err := s.alive(ctx); err != nil {
		return actuator.Vec3{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.voxels.ids == nil || len(s.palette) == 0 {
		return actuator.Vec3{}, false, nil
	}
	hits := make(map[uint16]bool, len(s.palette))
	for i, name := range s.palette {
		if match(name) {
			hits[uint16(i)] = true
		}
	}
	if len(hits) == 0 {
		return actuator.Vec3{}, false, nil
	}
	self := actuator.FromArray(s.obs.Self.Pos)
	pos, ok := s.voxels.nearest(self, maxDist, func(id uint16) bool { return hits[id] })
	return pos, ok, nil
}

func (s *Session) BlockAt(ctx context.Context, pos actuator.Vec3) (string, error) {
	if err := s.alive(ctx); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.voxels.at(pos)
	if !ok {
		return "", fmt.Errorf("block %s outside view: %w", pos, actuator.ErrNotFound)
	}
	if int(id) >= len(s.palette) {
		return "", fmt.Errorf("block id %d not in palette: %w", id, actuator.ErrNotFound)
	}
	return inventory.Normalize(s.palette[id]), nil
}

func (s *Session) MoveTo(ctx context.Context, pos actuator.Vec3, tolerance float64) error {
	return s.runTask(ctx, protocol.TaskReq{Type: protocol.TaskMoveTo, Target: pos.Array(), Tolerance: tolerance})
}

func (s *Session) Dig(ctx context.Context, pos actuator.Vec3) error {
	return s.runTask(ctx, protocol.TaskReq{Type: protocol.TaskMine, BlockPos: pos.Array()})
}

// Place puts the held item at ref+offset. The item goes out on the PLACE
// task itself.
func (s *Session) Place(ctx context.Context, ref actuator.Vec3, offset actuator.Vec3) error {
	s.mu.RLock()
	item := s.held
	s.mu.RUnlock()
	if item == "" {
		return fmt.Errorf("place: nothing held: %w", actuator.ErrNotFound)
	}
	return s.runTask(ctx, protocol.TaskReq{Type: protocol.TaskPlace, ItemID: item, BlockPos: ref.Add(offset).Array()})
}

// Equip selects a carried item for later PLACE and EAT requests. Nothing is
// sent to the server.
func (s *Session) Equip(ctx context.Context, item string) error {
	if err := s.alive(ctx); err != nil {
		return err
	}
	want := inventory.Normalize(item)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.obs.Inventory {
		if st.Count > 0 && inventory.Normalize(st.Item) == want {
			s.held = st.Item
			return nil
		}
	}
	return fmt.Errorf("equip %s: not carried: %w", item, actuator.ErrNotFound)
}

func (s *Session) Craft(ctx context.Context, recipeID string, count int, station *actuator.Vec3) error {
	if count <= 0 {
		return nil
	}
	if station != nil {
		if err := s.MoveTo(ctx, *station, stationReach); err != nil {
			return fmt.Errorf("reach station %s: %w", *station, err)
		}
	}
	return s.runTask(ctx, protocol.TaskReq{Type: protocol.TaskCraft, RecipeID: recipeID, Count: count})
}

// CollectDrops walks over every dropped item within radius of center,
// nearest first.
func (s *Session) CollectDrops(ctx context.Context, center actuator.Vec3, radius int) error {
	s.mu.RLock()
	var drops []actuator.Vec3
	for _, e := range s.obs.Entities {
		if e.Type != "ITEM" {
			continue
		}
		p := actuator.FromArray(e.Pos)
		if p.DistSq(center) <= radius*radius {
			drops = append(drops, p)
		}
	}
	self := actuator.FromArray(s.obs.Self.Pos)
	s.mu.RUnlock()

	sort.SliceStable(drops, func(i, j int) bool { return drops[i].DistSq(self) < drops[j].DistSq(self) })
	for _, p := range drops {
		if err := s.MoveTo(ctx, p, 0.5); err != nil {
			return fmt.Errorf("collect drop at %s: %w", p, err)
		}
	}
	return nil
}

func (s *Session) WaitTicks(ctx context.Context, n int) error {
	s.mu.RLock()
	target := s.lastObsTick + uint64(n)
	s.mu.RUnlock()
	for {
		s.mu.RLock()
		tick := s.lastObsTick
		s.mu.RUnlock()
		if tick >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return mapCtxErr(ctx.Err())
		case <-s.done:
			return actuator.ErrDisconnected
		case <-s.obsNotify:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// IssueCommand maps text onto the two instants the world accepts: "eat"
// becomes an EAT of the held item, everything else is LOCAL chat ("say "
// is stripped).
func (s *Session) IssueCommand(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "eat" || text == "/eat" {
		s.mu.RLock()
		item := s.held
		s.mu.RUnlock()
		if item == "" {
			return fmt.Errorf("eat: nothing held: %w", actuator.ErrNotFound)
		}
		return s.runInstant(ctx, protocol.InstantReq{Type: protocol.InstantEat, ItemID: item, Count: 1})
	}
	if rest, ok := strings.CutPrefix(strings.TrimPrefix(text, "/"), "say "); ok {
		text = rest
	}
	if text == "" {
		return nil
	}
	return s.runInstant(ctx, protocol.InstantReq{Type: protocol.InstantSay, Channel: "LOCAL", Text: text})
}

func (s *Session) Inventory(ctx context.Context) ([]actuator.Item, error) {
	if err := s.alive(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]actuator.Item, 0, len(s.obs.Inventory))
	for _, st := range s.obs.Inventory {
		out = append(out, actuator.Item{ID: st.Item, Count: st.Count})
	}
	return out, nil
}

func (s *Session) Position(ctx context.Context) (actuator.Vec3, error) {
	if err := s.alive(ctx); err != nil {
		return actuator.Vec3{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return actuator.FromArray(s.obs.Self.Pos), nil
}

func (s *Session) Vitals(ctx context.Context) (int, int, error) {
	if err := s.alive(ctx); err != nil {
		return 0, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.obs.Self.HP, s.obs.Self.Hunger, nil
}

// Stop cancels every task still in flight and fails its waiter.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		if strings.HasPrefix(id, "K_") {
			ids = append(ids, id)
		}
		if ch, ok := s.waiters[id]; ok {
			ch <- fmt.Errorf("%s cancelled: %w", id, actuator.ErrRejected)
			delete(s.waiters, id)
		}
		delete(s.inflight, id)
	}
	s.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	return s.send(ctx, protocol.ActMsg{Cancel: ids})
}

func (s *Session) alive(ctx context.Context) error {
	select {
	case <-s.done:
		return actuator.ErrDisconnected
	case <-ctx.Done():
		return mapCtxErr(ctx.Err())
	default:
		return nil
	}
}
