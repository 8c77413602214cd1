package recipes

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"craftpilot.ai/internal/inventory"
)

// ErrUnmappedTag is returned under PolicyStrict when an ingredient has no
// resolvable alternative.
var ErrUnmappedTag = errors.New("unmapped tag")

// Requirements is the total count needed per item for one craft.
type Requirements map[string]int

type Resolver struct {
	tags   TagTable
	policy UnmappedTagPolicy
	logger *log.Logger

	mu       sync.Mutex
	reported map[string]bool
}

func NewResolver(tags TagTable, policy UnmappedTagPolicy, logger *log.Logger) *Resolver {
	if tags == nil {
		tags = DefaultTags()
	}
	if policy == "" {
		policy = PolicySkip
	}
	return &Resolver{
		tags:     tags.Normalized(),
		policy:   policy,
		logger:   logger,
		reported: map[string]bool{},
	}
}

func (r *Resolver) Policy() UnmappedTagPolicy { return r.policy }

// ResolveIngredient returns the first alternative that maps to an item.
func (r *Resolver) ResolveIngredient(ing Ingredient) (string, bool) {
	for _, ref := range ing {
		if ref.Item != "" {
			return ref.Item, true
		}
		if id, ok := r.tags.Resolve(ref.Tag); ok {
			return id, true
		}
	}
	return "", false
}

// Requirements sums ingredient occurrences over the grid or list. Under
// PolicySkip an unresolvable ingredient contributes nothing; under
// PolicyStrict it fails the whole recipe with ErrUnmappedTag.
func (r *Resolver) Requirements(rec Recipe) (Requirements, error) {
	out := Requirements{}
	add := func(ing Ingredient) error {
		id, ok := r.ResolveIngredient(ing)
		if ok {
			out[id]++
			return nil
		}
		if r.policy == PolicyStrict {
			return fmt.Errorf("recipe %s: %w: %v", rec.ID, ErrUnmappedTag, ing)
		}
		r.reportSkip(rec.ID, ing)
		return nil
	}
	switch rec.Kind {
	case Shaped:
		for _, row := range rec.Pattern {
			for _, c := range row {
				if c == ' ' {
					continue
				}
				ing, ok := rec.Key[string(c)]
				if !ok {
					return nil, fmt.Errorf("recipe %s: %w: symbol %q has no key", rec.ID, ErrNotFound, string(c))
				}
				if err := add(ing); err != nil {
					return nil, err
				}
			}
		}
	case Shapeless:
		for _, ing := range rec.Ingredients {
			if err := add(ing); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("recipe %s: %w: unknown kind %q", rec.ID, ErrNotFound, rec.Kind)
	}
	return out, nil
}

func (r *Resolver) reportSkip(recipeID string, ing Ingredient) {
	key := fmt.Sprintf("%s|%v", recipeID, ing)
	r.mu.Lock()
	seen := r.reported[key]
	r.reported[key] = true
	r.mu.Unlock()
	if !seen && r.logger != nil {
		r.logger.Printf("recipes: unsupported ingredient skipped recipe=%s ingredient=%v", recipeID, ing)
	}
}

// IsCraftable reports whether snap covers one craft of rec. It is computed
// from scratch on every call.
func (r *Resolver) IsCraftable(rec Recipe, snap inventory.Snapshot) bool {
	req, err := r.Requirements(rec)
	if err != nil {
		return false
	}
	return snap.Covers(req)
}

// FindAllCraftable returns the sorted ids of every catalog recipe that snap
// can craft once.
func (r *Resolver) FindAllCraftable(snap inventory.Snapshot, cat *Catalog) []string {
	if cat == nil {
		return nil
	}
	var out []string
	for _, id := range cat.IDs() {
		rec, err := cat.Get(id)
		if err != nil {
			continue
		}
		if r.IsCraftable(rec, snap) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// InputsFor scales one craft's requirements by crafts.
func (r *Resolver) InputsFor(rec Recipe, crafts int) (Requirements, error) {
	req, err := r.Requirements(rec)
	if err != nil {
		return nil, err
	}
	for k := range req {
		req[k] *= crafts
	}
	return req, nil
}

// CraftsNeeded is ceil(max(0, target-have) / perCraft).
func CraftsNeeded(target, have, perCraft int) int {
	if perCraft <= 0 {
		perCraft = 1
	}
	short := target - have
	if short <= 0 {
		return 0
	}
	return (short + perCraft - 1) / perCraft
}
