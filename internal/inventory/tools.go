package inventory

import "strings"

type ToolFamily int

const (
	ToolNone ToolFamily = iota
	ToolPickaxe
	ToolAxe
	ToolShovel
)

func (f ToolFamily) String() string {
	switch f {
	case ToolPickaxe:
		return "pickaxe"
	case ToolAxe:
		return "axe"
	case ToolShovel:
		return "shovel"
	}
	return "none"
}

// Tiers lists tool materials from weakest to strongest.
var Tiers = []string{"wooden", "stone", "iron", "diamond"}

// ToolFamilyForBlock picks the tool family that breaks block fastest.
func ToolFamilyForBlock(block string) ToolFamily {
	b := Normalize(block)
	switch {
	case b == "dirt" || b == "grass_block" || b == "sand" || b == "gravel":
		return ToolShovel
	case strings.HasSuffix(b, "_log") || strings.HasSuffix(b, "_planks") || b == "crafting_table":
		return ToolAxe
	case b == "" || b == "air":
		return ToolNone
	default:
		return ToolPickaxe
	}
}

// ToolID is e.g. ToolID("stone", ToolPickaxe) == "stone_pickaxe".
func ToolID(material string, f ToolFamily) string {
	if f == ToolNone {
		return ""
	}
	return material + "_" + f.String()
}

// BestTool returns the strongest held tool of family f and its tier
// (1 = wooden). Tier 0 means none is held.
func (s Snapshot) BestTool(f ToolFamily) (string, int) {
	if f == ToolNone {
		return "", 0
	}
	for i := len(Tiers) - 1; i >= 0; i-- {
		id := ToolID(Tiers[i], f)
		if s.Has(id) {
			return id, i + 1
		}
	}
	return "", 0
}

// MineParamsForTier returns the work ticks a block takes at the given tier.
func MineParamsForTier(tier int) int {
	switch tier {
	case 4:
		return 3
	case 3:
		return 4
	case 2:
		return 6
	case 1:
		return 8
	default:
		return 10
	}
}

// ToolTier parses a tool id such as "stone_pickaxe". Non-tools report
// ToolNone and tier 0.
func ToolTier(item string) (ToolFamily, int) {
	id := Normalize(item)
	material, fam, ok := strings.Cut(id, "_")
	if !ok {
		return ToolNone, 0
	}
	var f ToolFamily
	switch fam {
	case "pickaxe":
		f = ToolPickaxe
	case "axe":
		f = ToolAxe
	case "shovel":
		f = ToolShovel
	default:
		return ToolNone, 0
	}
	for i, m := range Tiers {
		if m == material {
			return f, i + 1
		}
	}
	return ToolNone, 0
}
