package recipes

import (
	"fmt"
	"strings"

	"craftpilot.ai/internal/inventory"
)

// TagTable maps a tag name to its member items. A tag resolves to its first
// member, so resolution is deterministic for a given table.
type TagTable map[string][]string

// NormalizeTag strips the leading '#' and the minecraft: namespace.
func NormalizeTag(tag string) string {
	tag = strings.TrimPrefix(strings.TrimSpace(tag), "#")
	return inventory.Normalize(tag)
}

func (t TagTable) Resolve(tag string) (string, bool) {
	items := t[NormalizeTag(tag)]
	for _, it := range items {
		if id := inventory.Normalize(it); id != "" {
			return id, true
		}
	}
	return "", false
}

// Normalized returns a copy with normalized tag names and item ids.
func (t TagTable) Normalized() TagTable {
	out := make(TagTable, len(t))
	for tag, items := range t {
		k := NormalizeTag(tag)
		for _, it := range items {
			if id := inventory.Normalize(it); id != "" {
				out[k] = append(out[k], id)
			}
		}
	}
	return out
}

func DefaultTags() TagTable {
	return TagTable{
		"planks":                    {"oak_planks", "spruce_planks", "birch_planks", "jungle_planks", "acacia_planks", "dark_oak_planks"},
		"logs":                      {"oak_log", "spruce_log", "birch_log", "jungle_log", "acacia_log", "dark_oak_log"},
		"oak_logs":                  {"oak_log", "oak_wood"},
		"stone_tool_materials":      {"cobblestone", "blackstone", "cobbled_deepslate"},
		"stone_crafting_materials":  {"cobblestone", "blackstone", "cobbled_deepslate"},
		"coals":                     {"coal", "charcoal"},
		"wooden_slabs":              {"oak_slab"},
		"iron_ingots_or_equivalent": {"iron_ingot"},
	}
}

// UnmappedTagPolicy decides what an ingredient with no resolvable
// alternative does to a recipe.
type UnmappedTagPolicy string

const (
	// PolicySkip drops the ingredient position and logs it as unsupported.
	PolicySkip UnmappedTagPolicy = "skip"
	// PolicyStrict makes the whole recipe unresolvable.
	PolicyStrict UnmappedTagPolicy = "strict"
)

func ParsePolicy(s string) (UnmappedTagPolicy, error) {
	switch UnmappedTagPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicySkip:
		return PolicySkip, nil
	case PolicyStrict:
		return PolicyStrict, nil
	}
	return "", fmt.Errorf("unknown unmapped tag policy %q", s)
}
