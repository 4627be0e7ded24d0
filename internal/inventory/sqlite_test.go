package inventory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vaxinv/vaxinv/internal/platform/sqlitestore"
)

func TestSQLiteRepositorySurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaxinv.db")
	ctx := context.Background()

	store, err := sqlitestore.Open(path)
	require.NoError(t, err)
	repo, err := NewSQLiteRepository(store)
	require.NoError(t, err)

	f := newFixtureWith(t, repo, nil, time.UTC)
	lot := f.receive(t, vaccineFlu, 1, "SQ1", date(2027, 3, 1), 10)
	_, err = f.administer(lot.ID)
	require.NoError(t, err)
	// rejected work must not reach disk
	_, err = f.svc.ApplyAdjustment(ctx, AdjustmentInput{LotID: lot.ID, Type: "waste", Quantity: 50, Reason: "x"})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.NoError(t, store.Close())

	store, err = sqlitestore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	reopened, err := NewSQLiteRepository(store)
	require.NoError(t, err)

	got, err := reopened.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	require.Equal(t, 9, got.QuantityRemaining)
	require.NotNil(t, got.OpenedAt)
	require.True(t, got.Expiration.Equal(date(2027, 3, 1)))

	adjs, adms, err := reopened.LotEntries(ctx, lot.ID)
	require.NoError(t, err)
	require.Empty(t, adjs)
	require.Len(t, adms, 1)

	// ids continue where the previous process stopped
	g := newFixtureWith(t, reopened, nil, time.UTC)
	next := g.receive(t, vaccineFlu, 1, "SQ2", date(2027, 3, 1), 10)
	require.Equal(t, lot.ID+1, next.ID)
}
