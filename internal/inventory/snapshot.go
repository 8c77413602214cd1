package inventory

import (
	"fmt"
	"sort"
	"strings"

	"craftpilot.ai/internal/actuator"
)

// Snapshot is the held-item count per normalized item id at one instant.
// It is rebuilt from the world's stacks after every actuation that can change
// held items; callers never patch it incrementally.
type Snapshot map[string]int

// Normalize strips the "minecraft:" namespace and lowercases an item id.
func Normalize(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.TrimPrefix(id, "minecraft:")
}

// FromStacks aggregates the world's stacks by identity. Empty ids and
// non-positive counts are ignored.
func FromStacks(stacks []actuator.Item) Snapshot {
	out := make(Snapshot, len(stacks))
	for _, st := range stacks {
		id := Normalize(st.ID)
		if id == "" || st.Count <= 0 {
			continue
		}
		out[id] += st.Count
	}
	return out
}

func (s Snapshot) Count(item string) int {
	if s == nil {
		return 0
	}
	return s[Normalize(item)]
}

func (s Snapshot) Has(item string) bool { return s.Count(item) > 0 }

// Covers reports whether every requirement is held in at least the required count.
func (s Snapshot) Covers(req map[string]int) bool {
	for item, n := range req {
		if s.Count(item) < n {
			return false
		}
	}
	return true
}

// Missing returns the shortfall per item; nil when fully covered.
func (s Snapshot) Missing(req map[string]int) map[string]int {
	var out map[string]int
	for item, n := range req {
		if have := s.Count(item); have < n {
			if out == nil {
				out = map[string]int{}
			}
			out[item] = n - have
		}
	}
	return out
}

func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Excerpt renders the given items (or everything, sorted, when none are named)
// as "a=1 b=2" for log lines.
func (s Snapshot) Excerpt(items ...string) string {
	if len(items) == 0 {
		items = make([]string, 0, len(s))
		for k := range s {
			items = append(items, k)
		}
		sort.Strings(items)
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%d", Normalize(it), s.Count(it))
	}
	return b.String()
}
