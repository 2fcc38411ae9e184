package transfer

import (
	"sort"
	"sync"
	"time"
)

// Registry maps a transfer id to its Entry. A single mutex guards the map and
// every entry field, so a pause replacing the handle with a token never
// interleaves with a progress update. Callers only ever see copies.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Create registers a new entry for id. init runs under the registry lock and may
// populate the entry; if it fails nothing is registered. An id that is already
// present yields *AlreadyActiveError and the existing entry is left untouched.
func (r *Registry) Create(id, url string, init func(e *Entry) error) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[id]; ok {
		return existing.clone(), &AlreadyActiveError{ID: id, State: existing.State}
	}

	now := r.now()
	e := &Entry{ID: id, URL: url, CreatedAt: now, UpdatedAt: now}

	if init != nil {
		if err := init(e); err != nil {
			return Entry{}, err
		}
	}

	r.entries[id] = e

	return e.clone(), nil
}

// Lookup returns a copy of the entry registered under id.
func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}

	return e.clone(), true
}

// Remove deletes the entry registered under id and returns what it held.
func (r *Registry) Remove(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}

	delete(r.entries, id)

	return e.clone(), true
}

// Find returns the first entry matching pred. Transport callbacks use it to map a
// handle back to the id it was issued for.
func (r *Registry) Find(pred func(e *Entry) bool) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.find(pred); e != nil {
		return e.clone(), true
	}

	return Entry{}, false
}

// Update applies fn to the entry registered under id while holding the lock.
// It returns ErrNotFound when id is absent and fn's error otherwise; the entry's
// UpdatedAt is only bumped when fn succeeds.
func (r *Registry) Update(id string, fn func(e *Entry) error) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}

	if err := fn(e); err != nil {
		return e.clone(), err
	}

	e.UpdatedAt = r.now()

	return e.clone(), nil
}

// UpdateWhere applies fn to the first entry matching pred. When fn reports true
// the entry is removed in the same critical section.
func (r *Registry) UpdateWhere(pred func(e *Entry) bool, fn func(e *Entry) (remove bool)) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.find(pred)
	if e == nil {
		return Entry{}, false
	}

	if fn(e) {
		delete(r.entries, e.ID)
	}

	e.UpdatedAt = r.now()

	return e.clone(), true
}

// List returns copies of every entry ordered by id.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

func (r *Registry) find(pred func(e *Entry) bool) *Entry {
	for _, e := range r.entries {
		if pred(e) {
			return e
		}
	}

	return nil
}
