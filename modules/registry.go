package modules

import "sync"

// ID is the engine-assigned module identity (V8's module identity hash).
// 0 is the sentinel for "no such module" used to signal unresolved imports
// back through the engine's resolve callback.
type ID int32

// NoModule is the sentinel id for "not present".
const NoModule ID = 0

// Info is everything the registry tracks about one registered module.
type Info struct {
	URL          string
	IsMain       bool
	Dependencies []string // resolved dependency URLs, in declaration order
	Handle       any      // engine-owned module object (e.g. *v8go.Module)
}

// Registry is the identity map between engine module ids and canonical
// URLs, their dependency edges, and an alias table for URLs the loader
// resolved to a different "found" URL than was specified.
//
// A URL resolves to at most one id; aliasing is resolved transitively at
// lookup time so inserting B->C after A->B still makes A resolve through to
// C's id.
type Registry struct {
	mu      sync.Mutex
	infos   map[ID]*Info
	byURL   map[string]ID
	aliases map[string]string
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{
		infos:   make(map[ID]*Info),
		byURL:   make(map[string]ID),
		aliases: make(map[string]string),
	}
}

// Register records a newly compiled module under id.
func (r *Registry) Register(id ID, url string, isMain bool, handle any, dependencies []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos[id] = &Info{URL: url, IsMain: isMain, Dependencies: dependencies, Handle: handle}
	r.byURL[url] = id
}

// Alias records that specifiedURL should resolve to whatever foundURL
// resolves to. Resolution in GetID/IsRegistered follows the chain, so this
// is transitive without needing to rewrite existing entries.
func (r *Registry) Alias(specifiedURL, foundURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[specifiedURL] = foundURL
}

// canonicalURL follows the alias chain to its end. Must be called with the
// lock held.
func (r *Registry) canonicalURL(url string) string {
	seen := map[string]bool{}
	for {
		if seen[url] {
			return url // defend against a pathological alias cycle
		}
		seen[url] = true
		next, ok := r.aliases[url]
		if !ok {
			return url
		}
		url = next
	}
}

// GetID returns the id registered for url (following aliases), if any.
func (r *Registry) GetID(url string) (ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byURL[r.canonicalURL(url)]
	return id, ok
}

// IsRegistered reports whether url (following aliases) already has an id.
func (r *Registry) IsRegistered(url string) bool {
	_, ok := r.GetID(url)
	return ok
}

// GetInfo returns the registered Info for id.
func (r *Registry) GetInfo(id ID) (*Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.infos[id]
	return info, ok
}

// Clear drops every registered module and alias. Called immediately before
// snapshot blob creation (§4.3): the registry would otherwise hold handles
// that prevent the engine from producing the blob.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = make(map[ID]*Info)
	r.byURL = make(map[string]ID)
	r.aliases = make(map[string]string)
}
