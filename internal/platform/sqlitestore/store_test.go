package sqlitestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSaveAndLoadRoundTripsBuckets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := Open(path)
	require.NoError(t, err)

	var missing []sample
	ok, err := store.Load("samples", &missing)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Save(map[string]any{
		"samples": []sample{{Name: "a", Count: 1}},
		"meta":    map[string]int{"next": 2},
	}))
	require.NoError(t, store.Save(map[string]any{
		"samples": []sample{{Name: "a", Count: 1}, {Name: "b", Count: 2}},
	}))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	var got []sample
	ok, err = reopened.Load("samples", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[1].Name)

	var meta map[string]int
	ok, err = reopened.Load("meta", &meta)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, meta["next"])
}
