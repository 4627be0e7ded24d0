package vaccines

import (
	"context"
	"sort"
	"sync"
)

// MemoryDirectory serves the catalogue from process memory.
type MemoryDirectory struct {
	mu       sync.RWMutex
	vaccines map[int64]Vaccine
}

// NewMemoryDirectory seeds the directory; a nil list loads Catalogue.
func NewMemoryDirectory(list []Vaccine) *MemoryDirectory {
	if list == nil {
		list = Catalogue()
	}
	d := &MemoryDirectory{vaccines: make(map[int64]Vaccine, len(list))}
	for _, v := range list {
		d.vaccines[v.ID] = v
	}
	return d
}

// Get returns one vaccine.
func (d *MemoryDirectory) Get(_ context.Context, id int64) (Vaccine, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.vaccines[id]
	if !ok {
		return Vaccine{}, ErrNotFound
	}
	return v, nil
}

// List returns every vaccine ordered by short name.
func (d *MemoryDirectory) List(_ context.Context) ([]Vaccine, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Vaccine, 0, len(d.vaccines))
	for _, v := range d.vaccines {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShortName < out[j].ShortName })
	return out, nil
}
