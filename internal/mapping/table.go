// Package mapping builds routing table snapshots: immutable maps from request
// path to an asset and its declared content type.
package mapping

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"

	"github.com/spiderbutter/spiderbutter/internal/asset"
)

// Route is one table entry.
type Route struct {
	Asset       asset.Asset
	ContentType string
}

// Table is a routing table snapshot. It is never modified after construction
// and may be read from any number of goroutines.
type Table struct {
	routes map[string]Route
}

// Empty returns a table without routes.
func Empty() *Table {
	return &Table{routes: map[string]Route{}}
}

// Lookup finds the route for a request path.
func (t *Table) Lookup(path string) (Route, bool) {
	if t == nil {
		return Route{}, false
	}
	r, ok := t.routes[path]
	return r, ok
}

// Len returns the number of routes.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

// Paths returns the routed paths in sorted order.
func (t *Table) Paths() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.routes))
	for p := range t.routes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// DataRoute serves fixed bytes.
type DataRoute struct {
	Path        string
	Data        []byte
	ContentType string
}

// FromData builds a table that serves only in-memory data.
func FromData(routes ...DataRoute) (*Table, error) {
	t := Empty()
	for _, r := range routes {
		a, err := asset.NewCached(r.Data)
		if err != nil {
			return nil, fmt.Errorf("data route %s: %w", r.Path, err)
		}
		t.routes[r.Path] = Route{Asset: a, ContentType: r.ContentType}
	}
	return t, nil
}

// Cache deduplicates compressed assets by content hash so that rebuilding a
// table does not recompress files that did not change.
type Cache struct {
	mu      sync.Mutex
	entries map[[sha256.Size]byte]*asset.Cached
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: map[[sha256.Size]byte]*asset.Cached{}}
}

// Get returns the cached asset for data, compressing it on first sight.
func (c *Cache) Get(data []byte) (*asset.Cached, error) {
	sum := sha256.Sum256(data)
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.entries[sum]; ok {
		return a, nil
	}
	a, err := asset.NewCached(data)
	if err != nil {
		return nil, err
	}
	c.entries[sum] = a
	return a, nil
}

// Retain drops entries no route of t refers to.
func (c *Cache) Retain(t *Table) {
	keep := make(map[*asset.Cached]bool, t.Len())
	if t != nil {
		for _, r := range t.routes {
			if a, ok := r.Asset.(*asset.Cached); ok {
				keep[a] = true
			}
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, a := range c.entries {
		if !keep[a] {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of distinct cached bodies.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
