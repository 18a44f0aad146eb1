package registry

import (
	"fmt"
	"slices"
	"sync"
)

// Registry is a thread-safe registry for values indexed by key.
// It uses sync.RWMutex for read-heavy workloads.
type Registry[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// New creates a new empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{
		entries: make(map[K]V),
	}
}

// Register adds a value. Registering an existing key is an error: entries
// are populated once at startup and never replaced.
func (r *Registry[K, V]) Register(key K, value V) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("registry: key %v already registered", key)
	}
	r.entries[key] = value
	return nil
}

// Get returns the value for a key and whether it exists.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	return v, ok
}

// Has returns true if the key exists in the registry.
func (r *Registry[K, V]) Has(key K) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

// Len returns the number of entries.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Keys returns all keys in the registry.
// The order is not guaranteed.
func (r *Registry[K, V]) Keys() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]K, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Patterns maps event-type patterns to ordered lists of values, typically
// handlers or subscriptions. Lookups by concrete type are cached; the cache
// is dropped whenever a pattern is added.
type Patterns[V any] struct {
	mu      sync.RWMutex
	match   func(pattern, typ string) bool
	entries []patternEntry[V]
	cache   map[string][]V
}

type patternEntry[V any] struct {
	pattern string
	value   V
}

// NewPatterns creates a pattern registry using match to compare a pattern
// with a concrete type.
func NewPatterns[V any](match func(pattern, typ string) bool) *Patterns[V] {
	return &Patterns[V]{
		match: match,
		cache: make(map[string][]V),
	}
}

// Add appends a value under pattern. The same pattern may hold many values;
// they are returned in insertion order.
func (p *Patterns[V]) Add(pattern string, value V) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, patternEntry[V]{pattern: pattern, value: value})
	clear(p.cache)
}

// Match returns every value whose pattern matches typ.
func (p *Patterns[V]) Match(typ string) []V {
	p.mu.RLock()
	if cached, ok := p.cache[typ]; ok {
		p.mu.RUnlock()
		return cached
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.cache[typ]; ok {
		return cached
	}
	var out []V
	for _, e := range p.entries {
		if p.match(e.pattern, typ) {
			out = append(out, e.value)
		}
	}
	p.cache[typ] = out
	return out
}

// Patterns returns the distinct registered patterns, sorted.
func (p *Patterns[V]) Patterns() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		if !slices.Contains(out, e.pattern) {
			out = append(out, e.pattern)
		}
	}
	slices.Sort(out)
	return out
}

// Values returns every registered value in insertion order.
func (p *Patterns[V]) Values() []V {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]V, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.value
	}
	return out
}
