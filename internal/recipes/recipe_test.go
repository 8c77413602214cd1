package recipes

import (
	"errors"
	"strings"
	"testing"
)

func TestResolve_ResultShapesNormalizeIdentically(t *testing.T) {
	body := `"type":"minecraft:crafting_shapeless","ingredients":[{"item":"minecraft:oak_log"}]`
	shapes := []string{
		`{` + body + `,"result":"minecraft:oak_planks"}`,
		`{` + body + `,"result":{"item":"minecraft:oak_planks"}}`,
		`{` + body + `,"result":{"id":"OAK_PLANKS","count":1}}`,
	}
	for i, src := range shapes {
		r, err := Resolve([]byte(src))
		if err != nil {
			t.Fatalf("shape %d: %v", i, err)
		}
		if r.Result != (Result{Item: "oak_planks", Count: 1}) {
			t.Fatalf("shape %d: result=%+v", i, r.Result)
		}
	}

	r, err := Resolve([]byte(`{` + body + `,"result":{"item":"oak_planks","count":4}}`))
	if err != nil || r.Result.Count != 4 {
		t.Fatalf("count: %+v %v", r.Result, err)
	}
}

func TestResolve_DeclaredTypes(t *testing.T) {
	for _, typ := range []string{"shaped", "crafting_shaped", "minecraft:crafting_shaped", "minecraft:shaped"} {
		src := `{"type":"` + typ + `","pattern":["#","#"],"key":{"#":{"item":"oak_planks"}},"result":{"item":"stick","count":4}}`
		r, err := Resolve([]byte(src))
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if r.Kind != Shaped {
			t.Fatalf("%s: kind=%s", typ, r.Kind)
		}
	}

	_, err := Resolve([]byte(`{"type":"minecraft:smelting","ingredients":["iron_ore"],"result":"iron_ingot"}`))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unsupported type, got %v", err)
	}
}

func TestResolve_FailsClosed(t *testing.T) {
	cases := map[string]string{
		"unparsable body":    `{"type": "minecraft:crafting_shaped", "pattern": ["##", `,
		"missing result":     `{"type":"shapeless","ingredients":["oak_log"]}`,
		"empty result id":    `{"type":"shapeless","ingredients":["oak_log"],"result":{"item":""}}`,
		"zero count":         `{"type":"shapeless","ingredients":["oak_log"],"result":{"item":"x","count":0}}`,
		"shaped no pattern":  `{"type":"shaped","key":{"#":"oak_planks"},"result":"x"}`,
		"shapeless no list":  `{"type":"shapeless","result":"x"}`,
		"ragged rows":        `{"type":"shaped","pattern":["##","#"],"key":{"#":"oak_planks"},"result":"x"}`,
		"symbol without key": `{"type":"shaped","pattern":["#|"],"key":{"#":"oak_planks"},"result":"x"}`,
		"empty ref object":   `{"type":"shapeless","ingredients":[{}],"result":"x"}`,
	}
	for name, src := range cases {
		r, err := Resolve([]byte(src))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", name, err)
		}
		if r.Kind != "" || r.Result.Item != "" {
			t.Fatalf("%s: partial recipe returned: %+v", name, r)
		}
	}
}

func TestResolve_EmptyRowAndDuplicateKeys(t *testing.T) {
	src := `{"type":"shaped","pattern":["##","","##"],
	  "key":{"#":{"item":"cobblestone"},"#":{"item":"oak_planks"}},
	  "result":"crafting_table"}`
	r, err := Resolve([]byte(src))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	req, err := NewResolver(nil, PolicySkip, nil).Requirements(r)
	if err != nil {
		t.Fatalf("requirements: %v", err)
	}
	if len(req) != 1 || req["oak_planks"] != 4 {
		t.Fatalf("requirements=%#v", req)
	}
}

func TestResolve_IngredientAlternatives(t *testing.T) {
	src := `{"type":"shapeless","ingredients":[["#minecraft:unknown_things",{"item":"minecraft:Coal"}],"#planks"],"result":"torch"}`
	r, err := Resolve([]byte(src))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(r.Ingredients) != 2 || len(r.Ingredients[0]) != 2 {
		t.Fatalf("ingredients=%#v", r.Ingredients)
	}
	if r.Ingredients[0][0].Tag != "unknown_things" || r.Ingredients[0][1].Item != "coal" {
		t.Fatalf("refs=%#v", r.Ingredients[0])
	}
	req, err := NewResolver(DefaultTags(), PolicyStrict, nil).Requirements(r)
	if err != nil {
		t.Fatalf("requirements: %v", err)
	}
	if req["coal"] != 1 || req["oak_planks"] != 1 {
		t.Fatalf("requirements=%#v", req)
	}
}

func TestNeedsTable(t *testing.T) {
	cat, err := Defaults()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	want := map[string]bool{
		"oak_planks":     false,
		"stick":          false,
		"crafting_table": false,
		"wooden_pickaxe": true,
		"wooden_axe":     true,
		"furnace":        true,
	}
	for id, needs := range want {
		r, err := cat.Get(id)
		if err != nil {
			t.Fatalf("%s: %v", id, err)
		}
		if r.NeedsTable() != needs {
			t.Fatalf("%s: NeedsTable=%v", id, r.NeedsTable())
		}
	}
}

func TestRef_String(t *testing.T) {
	if got := (Ref{Tag: "planks"}).String(); got != "#planks" {
		t.Fatalf("got %q", got)
	}
	if got := (Ref{Item: "stick"}).String(); !strings.EqualFold(got, "stick") {
		t.Fatalf("got %q", got)
	}
}
