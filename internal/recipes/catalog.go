package recipes

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"craftpilot.ai/internal/inventory"
)

// Catalog indexes recipe files by id (file stem) and by result item.
// Files that fail to resolve stay listed as invalid and look up as
// ErrNotFound.
type Catalog struct {
	Digest string

	byID    map[string]Recipe
	byItem  map[string][]string
	invalid map[string]error
}

// NewCatalog builds a catalog from already resolved recipes. Recipes keep
// their ID; an empty ID falls back to the result item.
func NewCatalog(recs ...Recipe) *Catalog {
	c := &Catalog{
		Digest:  sha256Hex(nil),
		byID:    map[string]Recipe{},
		byItem:  map[string][]string{},
		invalid: map[string]error{},
	}
	for _, r := range recs {
		if r.ID == "" {
			r.ID = r.Result.Item
		}
		c.add(r)
	}
	return c
}

func (c *Catalog) add(r Recipe) {
	c.byID[r.ID] = r
	c.byItem[r.Result.Item] = append(c.byItem[r.Result.Item], r.ID)
	sort.Strings(c.byItem[r.Result.Item])
}

// LoadDir reads every *.json file in dir in name order. A missing directory
// yields an empty catalog.
func LoadDir(dir string) (*Catalog, error) {
	c := NewCatalog()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)

	var concat bytes.Buffer
	for _, p := range files {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		concat.Write(b)
		concat.WriteByte('\n')

		id := inventory.Normalize(strings.TrimSuffix(filepath.Base(p), ".json"))
		r, err := Resolve(b)
		if err != nil {
			c.invalid[id] = fmt.Errorf("recipe %s: %w", filepath.Base(p), err)
			continue
		}
		r.ID = id
		c.add(r)
	}
	c.Digest = sha256Hex(concat.Bytes())
	return c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (c *Catalog) Get(id string) (Recipe, error) {
	id = inventory.Normalize(id)
	if err, ok := c.invalid[id]; ok {
		return Recipe{}, err
	}
	r, ok := c.byID[id]
	if !ok {
		return Recipe{}, fmt.Errorf("recipe %s: %w", id, ErrNotFound)
	}
	return r, nil
}

// ForItem returns the recipe producing item. A recipe whose id equals the
// item wins; otherwise the first id in name order.
func (c *Catalog) ForItem(item string) (Recipe, error) {
	item = inventory.Normalize(item)
	if err, ok := c.invalid[item]; ok {
		return Recipe{}, err
	}
	ids := c.byItem[item]
	if len(ids) == 0 {
		return Recipe{}, fmt.Errorf("no recipe for %s: %w", item, ErrNotFound)
	}
	for _, id := range ids {
		if id == item {
			return c.byID[id], nil
		}
	}
	return c.byID[ids[0]], nil
}

// Produces reports whether any recipe file, valid or not, claims item.
func (c *Catalog) Produces(item string) bool {
	item = inventory.Normalize(item)
	if _, ok := c.invalid[item]; ok {
		return true
	}
	return len(c.byItem[item]) > 0
}

// IDs lists the valid recipe ids, sorted.
func (c *Catalog) IDs() []string {
	out := make([]string, 0, len(c.byID))
	for id := range c.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Invalid lists the ids of recipe files that failed to resolve, sorted.
func (c *Catalog) Invalid() []string {
	out := make([]string, 0, len(c.invalid))
	for id := range c.invalid {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) Len() int { return len(c.byID) }

// Suggest ranks known recipe ids by edit distance to name and returns up to
// three close matches.
func (c *Catalog) Suggest(name string) []string {
	name = inventory.Normalize(name)
	if name == "" {
		return nil
	}
	limit := len(name) / 3
	if limit < 2 {
		limit = 2
	}
	type cand struct {
		id   string
		dist int
	}
	var cands []cand
	for _, id := range c.IDs() {
		d := levenshtein.ComputeDistance(name, id)
		if d <= limit {
			cands = append(cands, cand{id, d})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	var out []string
	for i, cd := range cands {
		if i == 3 {
			break
		}
		out = append(out, cd.id)
	}
	return out
}
