package ingest

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"lattice-backend/internal/graph"
)

// Resolver maps extracted names to canonical scoped identities. There is
// no fuzzy matching: two distinct names in one namespace are two entities.
// An alias registry folds known synonyms onto canonical names, and the
// known set is an LRU so memory stays constant regardless of corpus size.
type Resolver struct {
	mu      sync.Mutex
	aliases map[string]string
	known   *lru.Cache[string, graph.ScopedID]
}

// NewResolver creates a resolver remembering at most maxKnown identities.
func NewResolver(maxKnown int) (*Resolver, error) {
	if maxKnown <= 0 {
		maxKnown = 10000
	}
	known, err := lru.New[string, graph.ScopedID](maxKnown)
	if err != nil {
		return nil, err
	}
	return &Resolver{aliases: make(map[string]string), known: known}, nil
}

// RegisterAlias folds alias onto canonical for future resolutions.
func (r *Resolver) RegisterAlias(alias, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = canonical
}

// Resolve returns the canonical scoped identity for a name, applying the
// alias registry and recording the identity in the known set.
func (r *Resolver) Resolve(repository, namespace, name string) graph.ScopedID {
	r.mu.Lock()
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	r.mu.Unlock()

	id := graph.ScopedID{Repository: repository, Namespace: namespace, Name: name}
	r.known.Add(id.String(), id)
	return id
}

// Known reports whether an identity has been resolved recently.
func (r *Resolver) Known(id string) bool {
	return r.known.Contains(id)
}

// KnownCount returns the size of the known set.
func (r *Resolver) KnownCount() int {
	return r.known.Len()
}
