package coldchain

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vaxinv/vaxinv/internal/platform/sqlitestore"
)

type snapshot struct {
	Readings []Reading `json:"readings"`
	NextID   int64     `json:"next_id"`
}

// MemoryRepository keeps readings in process.
type MemoryRepository struct {
	mu       sync.RWMutex
	readings []Reading
	nextID   int64
	onCommit func(snapshot) error
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Insert stores a reading.
func (m *MemoryRepository) Insert(_ context.Context, r Reading) (Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.nextID + 1
	readings := append(append([]Reading(nil), m.readings...), r)
	if m.onCommit != nil {
		if err := m.onCommit(snapshot{Readings: readings, NextID: r.ID}); err != nil {
			return Reading{}, fmt.Errorf("coldchain: persist reading: %w", err)
		}
	}
	m.readings = readings
	m.nextID = r.ID
	return r, nil
}

// List returns readings newest first.
func (m *MemoryRepository) List(_ context.Context, filter Filter) ([]Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Reading
	for _, r := range m.readings {
		if filter.LocationID != 0 && r.LocationID != filter.LocationID {
			continue
		}
		if filter.OutOfRangeOnly && !r.OutOfRange {
			continue
		}
		if !filter.From.IsZero() && r.ReadingTime.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && r.ReadingTime.After(filter.To) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ReadingTime.Equal(out[j].ReadingTime) {
			return out[i].ReadingTime.After(out[j].ReadingTime)
		}
		return out[i].ID > out[j].ID
	})
	if limit := limitOrDefault(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

const sqliteBucket = "coldchain"

// NewSQLiteRepository returns a memory repository persisted to store.
func NewSQLiteRepository(store *sqlitestore.Store) (*MemoryRepository, error) {
	m := NewMemoryRepository()
	var snap snapshot
	ok, err := store.Load(sqliteBucket, &snap)
	if err != nil {
		return nil, fmt.Errorf("coldchain: load sqlite state: %w", err)
	}
	if ok {
		m.readings = snap.Readings
		m.nextID = snap.NextID
	}
	m.onCommit = func(s snapshot) error {
		return store.Save(map[string]any{sqliteBucket: s})
	}
	return m, nil
}
