package inventory

import (
	"fmt"

	"github.com/vaxinv/vaxinv/internal/platform/sqlitestore"
)

const sqliteBucket = "inventory"

// SQLiteRepository is a MemoryRepository whose state is written to SQLite
// after every committed transaction. It suits a single-clinic install where
// one process owns the database file.
type SQLiteRepository struct {
	*MemoryRepository
	store *sqlitestore.Store
}

// NewSQLiteRepository loads any saved state from store.
func NewSQLiteRepository(store *sqlitestore.Store) (*SQLiteRepository, error) {
	mem := NewMemoryRepository()
	var snap Snapshot
	ok, err := store.Load(sqliteBucket, &snap)
	if err != nil {
		return nil, fmt.Errorf("inventory: load sqlite state: %w", err)
	}
	if ok {
		mem.ImportState(snap)
	}
	mem.onCommit = func(s Snapshot) error {
		return store.Save(map[string]any{sqliteBucket: s})
	}
	return &SQLiteRepository{MemoryRepository: mem, store: store}, nil
}
