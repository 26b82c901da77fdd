// Package catalog holds the read-only menu snapshot consulted while decoding memos.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/punchamoorthee/tablepay/internal/domain"
	"gopkg.in/yaml.v3"
)

// Option is a selectable variant of an item (a drink size, a cuisson).
type Option struct {
	Code  string `yaml:"code" json:"code"`
	Label string `yaml:"label" json:"label"`
}

// Item is one sellable dish or drink.
type Item struct {
	ID       int                 `yaml:"id" json:"id"`
	Kind     domain.CategoryKind `yaml:"kind" json:"kind"`
	Name     string              `yaml:"name" json:"name"`
	Category string              `yaml:"category,omitempty" json:"category,omitempty"`
	Sizes    []Option            `yaml:"sizes,omitempty" json:"sizes,omitempty"`
	Cuissons []Option            `yaml:"cuissons,omitempty" json:"cuissons,omitempty"`
}

// Key is the lookup key the decoder synthesizes from a memo segment.
func Key(kind domain.CategoryKind, id int) string {
	return string(kind) + "-" + strconv.Itoa(id)
}

// MenuCatalog is the lookup contract. Implementations must not be mutated by callers.
type MenuCatalog interface {
	Get(key string) (Item, bool)
	Version() string
}

// Snapshot is an immutable in-memory catalog.
type Snapshot struct {
	items   map[string]Item
	version string
}

// NewSnapshot indexes items by Key. Later duplicates win.
func NewSnapshot(items []Item) *Snapshot {
	s := &Snapshot{items: make(map[string]Item, len(items))}
	for _, it := range items {
		s.items[Key(it.Kind, it.ID)] = it
	}
	s.version = fingerprint(items)
	return s
}

func (s *Snapshot) Get(key string) (Item, bool) {
	if s == nil {
		return Item{}, false
	}
	it, ok := s.items[key]
	return it, ok
}

// Version changes whenever the item set changes, so cached decodes can be invalidated.
func (s *Snapshot) Version() string {
	if s == nil {
		return ""
	}
	return s.version
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

type file struct {
	Items []Item `yaml:"items"`
}

// LoadFile reads a YAML snapshot of the form `items: [{id, kind, name, sizes, cuissons}]`.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	for i, it := range f.Items {
		if it.Kind != domain.CategoryDish && it.Kind != domain.CategoryDrink {
			return nil, fmt.Errorf("catalog: item %d (%q) has unknown kind %q", i, it.Name, it.Kind)
		}
	}
	return NewSnapshot(f.Items), nil
}

func fingerprint(items []Item) string {
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		return Key(sorted[i].Kind, sorted[i].ID) < Key(sorted[j].Kind, sorted[j].ID)
	})
	out, err := yaml.Marshal(sorted)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(out)
	return hex.EncodeToString(sum[:8])
}
