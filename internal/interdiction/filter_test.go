package interdiction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/shared"
	"github.com/ddworken/lookupguard/shared/testutils"
	"github.com/stretchr/testify/require"
)

func TestIsBlockedIgnoresKind(t *testing.T) {
	ctx := context.Background()
	f := New(testutils.OpenTestDB(t), WithDelay(Delay{}))

	entry, err := f.Add(ctx, " 9999999999 ", shared.QueryKindPhone, "")
	require.NoError(t, err)
	require.Equal(t, "9999999999", entry.Value)
	require.Equal(t, DefaultReason, entry.Reason)

	require.True(t, f.IsBlocked(ctx, "9999999999"))
	require.True(t, f.IsBlocked(ctx, "  9999999999\n"))
	require.False(t, f.IsBlocked(ctx, "9999999998"))
	require.False(t, f.IsBlocked(ctx, ""))

	// A plate that happens to be spelled like a blacklisted phone number is blocked too
	_, err = f.Add(ctx, "KA01AB1234", shared.QueryKindVehicle, "stolen")
	require.NoError(t, err)
	require.True(t, f.IsBlocked(ctx, "KA01AB1234"))
}

func TestAddRemoveList(t *testing.T) {
	ctx := context.Background()
	f := New(testutils.OpenTestDB(t))

	entry, err := f.Add(ctx, "KA01AB1234", shared.QueryKindVehicle, "")
	require.NoError(t, err)
	_, err = f.Add(ctx, "KA01AB1234", shared.QueryKindPhone, "")
	require.ErrorIs(t, err, ErrAlreadyInterdicted)
	_, err = f.Add(ctx, "  ", shared.QueryKindPhone, "")
	require.Error(t, err)

	entries, err := f.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, f.Remove(ctx, entry.Id))
	require.ErrorIs(t, f.Remove(ctx, entry.Id), database.ErrNotFound)
	require.False(t, f.IsBlocked(ctx, "KA01AB1234"))
}

type brokenStore struct {
	Store
}

func (brokenStore) BlacklistEntryExists(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestIsBlockedStoreFailure(t *testing.T) {
	f := New(brokenStore{})
	require.False(t, f.IsBlocked(context.Background(), "9999999999"))
}

func TestStall(t *testing.T) {
	f := New(nil, WithDelay(Delay{Base: 20 * time.Millisecond, Jitter: 10 * time.Millisecond}))
	start := time.Now()
	require.NoError(t, f.Stall(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	f = New(nil, WithDelay(Delay{Base: time.Hour}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.Stall(ctx), context.Canceled)
}
