package recipes

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

//go:embed defaults/*.json
var defaultFS embed.FS

// Bootstrap writes the built-in recipe files into dir when it holds no
// recipes yet. It returns how many files were written.
func Bootstrap(dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			return 0, nil
		}
	}
	files, err := fs.Glob(defaultFS, "defaults/*.json")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range files {
		b, err := defaultFS.ReadFile(f)
		if err != nil {
			return n, err
		}
		if err := os.WriteFile(filepath.Join(dir, filepath.Base(f)), b, 0o644); err != nil {
			return n, fmt.Errorf("write %s: %w", filepath.Base(f), err)
		}
		n++
	}
	return n, nil
}

// Defaults resolves the built-in recipes without touching disk.
func Defaults() (*Catalog, error) {
	files, err := fs.Glob(defaultFS, "defaults/*.json")
	if err != nil {
		return nil, err
	}
	var recs []Recipe
	for _, f := range files {
		b, err := defaultFS.ReadFile(f)
		if err != nil {
			return nil, err
		}
		r, err := Resolve(b)
		if err != nil {
			return nil, fmt.Errorf("built-in %s: %w", filepath.Base(f), err)
		}
		r.ID = strings.TrimSuffix(filepath.Base(f), ".json")
		recs = append(recs, r)
	}
	return NewCatalog(recs...), nil
}
