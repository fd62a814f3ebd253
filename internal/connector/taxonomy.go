package connector

import (
	"context"
	"strings"
)

// TaxonomyEntry describes one provider label or mailbox.
type TaxonomyEntry struct {
	// Name is the entry's own display name, without ancestors.
	Name string

	// ParentID links to the parent entry, empty at the root.
	ParentID string

	// Role is the provider's system designation (inbox, sent, spam),
	// empty for user-created entries.
	Role string
}

// Taxonomy lazily caches one account's label or mailbox hierarchy for
// the duration of a single sync cycle. The provider is consulted at most
// once; resolved paths are memoized. Instances are not shared across
// cycles or accounts and are not safe for concurrent use.
type Taxonomy struct {
	load    func(ctx context.Context) (map[string]TaxonomyEntry, error)
	entries map[string]TaxonomyEntry
	paths   map[string]string
}

// NewTaxonomy builds a cache over load, which fetches the full id to
// entry mapping on first use.
func NewTaxonomy(load func(ctx context.Context) (map[string]TaxonomyEntry, error)) *Taxonomy {
	return &Taxonomy{load: load, paths: map[string]string{}}
}

// Entry returns the cached entry for id, fetching the hierarchy on first
// call.
func (t *Taxonomy) Entry(ctx context.Context, id string) (TaxonomyEntry, bool, error) {
	if err := t.ensure(ctx); err != nil {
		return TaxonomyEntry{}, false, err
	}
	e, ok := t.entries[id]
	return e, ok, nil
}

// Path resolves id to its full "Parent/Child" path by walking parent
// links to the root. A label whose parent is missing contributes only
// its own name. Unknown ids resolve to the empty string.
func (t *Taxonomy) Path(ctx context.Context, id string) (string, error) {
	if err := t.ensure(ctx); err != nil {
		return "", err
	}
	if p, ok := t.paths[id]; ok {
		return p, nil
	}

	e, ok := t.entries[id]
	if !ok {
		t.paths[id] = ""
		return "", nil
	}

	segments := []string{e.Name}
	seen := map[string]bool{id: true}
	for parent := e.ParentID; parent != "" && !seen[parent]; {
		pe, ok := t.entries[parent]
		if !ok {
			break
		}
		segments = append([]string{pe.Name}, segments...)
		seen[parent] = true
		parent = pe.ParentID
	}

	p := strings.Join(segments, "/")
	t.paths[id] = p
	return p, nil
}

func (t *Taxonomy) ensure(ctx context.Context) error {
	if t.entries != nil {
		return nil
	}
	entries, err := t.load(ctx)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = map[string]TaxonomyEntry{}
	}
	t.entries = entries
	return nil
}
