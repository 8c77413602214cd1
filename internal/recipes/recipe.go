package recipes

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"craftpilot.ai/internal/inventory"
)

// ErrNotFound is returned for any recipe that cannot be fully resolved.
// A recipe is either complete or absent; callers never see a partial one.
var ErrNotFound = errors.New("recipe not found")

type Kind string

const (
	Shaped    Kind = "shaped"
	Shapeless Kind = "shapeless"
)

// Ref is one ingredient alternative: a concrete item or a tag.
type Ref struct {
	Item string `json:"item,omitempty"`
	Tag  string `json:"tag,omitempty"`
}

func (r Ref) String() string {
	if r.Tag != "" {
		return "#" + r.Tag
	}
	return r.Item
}

// Ingredient lists accepted alternatives in preference order.
type Ingredient []Ref

type Result struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

type Recipe struct {
	ID          string                `json:"id"`
	Kind        Kind                  `json:"kind"`
	Pattern     []string              `json:"pattern,omitempty"`
	Key         map[string]Ingredient `json:"key,omitempty"`
	Ingredients []Ingredient          `json:"ingredients,omitempty"`
	Result      Result                `json:"result"`
}

// NeedsTable reports whether the recipe does not fit the 2x2 player grid.
func (r Recipe) NeedsTable() bool {
	switch r.Kind {
	case Shaped:
		if len(r.Pattern) > 2 {
			return true
		}
		for _, row := range r.Pattern {
			if len([]rune(row)) > 2 {
				return true
			}
		}
		return false
	default:
		return len(r.Ingredients) > 4
	}
}

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://craftpilot.ai/schemas/recipe.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func recipeSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("recipe schema load failed: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

type rawRecipe struct {
	Type        string                     `json:"type"`
	Pattern     []string                   `json:"pattern"`
	Key         map[string]json.RawMessage `json:"key"`
	Ingredients []json.RawMessage          `json:"ingredients"`
	Result      json.RawMessage            `json:"result"`
}

// Resolve parses and validates one recipe file. Every failure wraps
// ErrNotFound. The returned recipe's ID is its result item; catalogs
// override it with the file stem.
func Resolve(src []byte) (Recipe, error) {
	s, err := recipeSchema()
	if err != nil {
		return Recipe{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(src))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Recipe{}, fmt.Errorf("%w: parse: %v", ErrNotFound, err)
	}
	if err := s.Validate(doc); err != nil {
		return Recipe{}, fmt.Errorf("%w: schema: %v", ErrNotFound, err)
	}

	var raw rawRecipe
	if err := json.Unmarshal(src, &raw); err != nil {
		return Recipe{}, fmt.Errorf("%w: decode: %v", ErrNotFound, err)
	}
	kind, ok := parseKind(raw.Type)
	if !ok {
		return Recipe{}, fmt.Errorf("%w: unsupported type %q", ErrNotFound, raw.Type)
	}
	res, err := parseResult(raw.Result)
	if err != nil {
		return Recipe{}, fmt.Errorf("%w: result: %v", ErrNotFound, err)
	}

	r := Recipe{ID: res.Item, Kind: kind, Result: res}
	switch kind {
	case Shaped:
		if err := r.decodeShaped(raw); err != nil {
			return Recipe{}, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	case Shapeless:
		if len(raw.Ingredients) == 0 || len(raw.Pattern) > 0 {
			return Recipe{}, fmt.Errorf("%w: shapeless recipe needs ingredients and no pattern", ErrNotFound)
		}
		for i, b := range raw.Ingredients {
			ing, err := parseIngredient(b)
			if err != nil {
				return Recipe{}, fmt.Errorf("%w: ingredient %d: %v", ErrNotFound, i, err)
			}
			r.Ingredients = append(r.Ingredients, ing)
		}
	}
	return r, nil
}

func parseKind(t string) (Kind, bool) {
	t = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(t)), "minecraft:")
	switch t {
	case "shaped", "crafting_shaped":
		return Shaped, true
	case "shapeless", "crafting_shapeless":
		return Shapeless, true
	}
	return "", false
}

func (r *Recipe) decodeShaped(raw rawRecipe) error {
	if len(raw.Ingredients) > 0 {
		return fmt.Errorf("shaped recipe cannot list ingredients")
	}
	width := -1
	cells := 0
	for i, row := range raw.Pattern {
		n := len([]rune(row))
		if n == 0 {
			continue
		}
		if width >= 0 && n != width {
			return fmt.Errorf("pattern row %d has width %d, want %d", i, n, width)
		}
		width = n
		cells += len(strings.ReplaceAll(row, " ", ""))
	}
	if cells == 0 {
		return fmt.Errorf("shaped recipe has an empty pattern")
	}
	r.Pattern = append([]string(nil), raw.Pattern...)
	r.Key = make(map[string]Ingredient, len(raw.Key))
	for sym, b := range raw.Key {
		if len([]rune(sym)) != 1 || sym == " " {
			return fmt.Errorf("invalid key symbol %q", sym)
		}
		ing, err := parseIngredient(b)
		if err != nil {
			return fmt.Errorf("key %q: %v", sym, err)
		}
		r.Key[sym] = ing
	}
	for _, row := range r.Pattern {
		for _, c := range row {
			if c == ' ' {
				continue
			}
			if _, ok := r.Key[string(c)]; !ok {
				return fmt.Errorf("pattern symbol %q has no key", string(c))
			}
		}
	}
	return nil
}

func parseResult(b json.RawMessage) (Result, error) {
	if len(b) == 0 {
		return Result{}, fmt.Errorf("missing")
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		s = inventory.Normalize(s)
		if s == "" {
			return Result{}, fmt.Errorf("empty id")
		}
		return Result{Item: s, Count: 1}, nil
	}
	var obj struct {
		Item  string `json:"item"`
		ID    string `json:"id"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return Result{}, err
	}
	id := obj.Item
	if id == "" {
		id = obj.ID
	}
	id = inventory.Normalize(id)
	if id == "" {
		return Result{}, fmt.Errorf("empty id")
	}
	if obj.Count < 0 {
		return Result{}, fmt.Errorf("negative count")
	}
	if obj.Count == 0 {
		obj.Count = 1
	}
	return Result{Item: id, Count: obj.Count}, nil
}

func parseIngredient(b json.RawMessage) (Ingredient, error) {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(b, &list); err != nil {
			return nil, err
		}
		out := make(Ingredient, 0, len(list))
		for _, e := range list {
			ref, err := parseRef(e)
			if err != nil {
				return nil, err
			}
			out = append(out, ref)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("empty alternatives")
		}
		return out, nil
	}
	ref, err := parseRef(b)
	if err != nil {
		return nil, err
	}
	return Ingredient{ref}, nil
}

// parseRef accepts {"item": id}, {"tag": name} or a bare string, where a
// leading '#' marks a tag.
func parseRef(b json.RawMessage) (Ref, error) {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "#") {
			return Ref{Tag: NormalizeTag(s)}, nil
		}
		if s == "" {
			return Ref{}, fmt.Errorf("empty reference")
		}
		return Ref{Item: inventory.Normalize(s)}, nil
	}
	var ref Ref
	if err := json.Unmarshal(b, &ref); err != nil {
		return Ref{}, err
	}
	if ref.Item != "" {
		return Ref{Item: inventory.Normalize(ref.Item)}, nil
	}
	if ref.Tag != "" {
		return Ref{Tag: NormalizeTag(ref.Tag)}, nil
	}
	return Ref{}, fmt.Errorf("reference has neither item nor tag")
}
