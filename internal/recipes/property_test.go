package recipes

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"craftpilot.ai/internal/inventory"
)

var propItems = []string{"oak_log", "oak_planks", "stick", "cobblestone", "iron_ingot"}

func TestCraftabilityProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)
	res := NewResolver(nil, PolicySkip, nil)

	properties.Property("craftable iff every requirement is covered", prop.ForAll(
		func(need []int, held []int) bool {
			rec := Recipe{ID: "p", Kind: Shapeless, Result: Result{Item: "p", Count: 1}}
			snap := inventory.Snapshot{}
			covered := true
			for i, item := range propItems {
				for n := 0; n < need[i]; n++ {
					rec.Ingredients = append(rec.Ingredients, Ingredient{{Item: item}})
				}
				if held[i] > 0 {
					snap[item] = held[i]
				}
				if held[i] < need[i] {
					covered = false
				}
			}
			if len(rec.Ingredients) == 0 {
				return true
			}
			req, err := res.Requirements(rec)
			if err != nil {
				return false
			}
			for i, item := range propItems {
				if req[item] != need[i] {
					return false
				}
			}
			return res.IsCraftable(rec, snap) == covered && snap.Covers(req) == covered
		},
		gen.SliceOfN(len(propItems), gen.IntRange(0, 4)),
		gen.SliceOfN(len(propItems), gen.IntRange(0, 5)),
	))

	properties.Property("tag resolution is deterministic and never fails on unmapped tags", prop.ForAll(
		func(tag string, mapped bool) bool {
			tags := TagTable{}
			if mapped {
				tags[tag] = []string{"item_" + tag, "other_" + tag}
			}
			r := NewResolver(tags, PolicySkip, nil)
			a, okA := r.ResolveIngredient(Ingredient{{Tag: tag}})
			b, okB := r.ResolveIngredient(Ingredient{{Tag: tag}})
			if a != b || okA != okB {
				return false
			}
			rec := Recipe{ID: "t", Kind: Shapeless, Ingredients: []Ingredient{{{Tag: tag}}}, Result: Result{Item: "t", Count: 1}}
			req, err := r.Requirements(rec)
			if err != nil {
				return false
			}
			if okA {
				return req[a] == 1
			}
			return len(req) == 0
		},
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
