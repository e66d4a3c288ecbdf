package infrastructure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-inventory/internal/pkg/lock"
	"nexus-inventory/internal/service/inventory/domain"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryInventoryStore_FailedUpdateLeavesRecordUntouched(t *testing.T) {
	store := NewMemoryInventoryStore(lock.NewKeyedMutex(time.Second))
	store.Put(domain.NewInventoryItem("SKU-1", "Widget", 10, epoch))

	boom := errors.New("boom")
	err := store.WithExclusive(context.Background(), "SKU-1", func(item *domain.InventoryItem) error {
		item.AvailableQuantity = 0
		return boom
	})
	require.ErrorIs(t, err, boom)

	item, err := store.Get(context.Background(), "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, 10, item.AvailableQuantity)
}

func TestMemoryInventoryStore_SnapshotsAreCopies(t *testing.T) {
	store := NewMemoryInventoryStore(lock.NewKeyedMutex(time.Second))
	store.Put(domain.NewInventoryItem("SKU-1", "Widget", 10, epoch))

	item, err := store.Get(context.Background(), "SKU-1")
	require.NoError(t, err)
	item.AvailableQuantity = 3

	again, err := store.Get(context.Background(), "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, 10, again.AvailableQuantity)
}

func TestMemoryInventoryStore_NotFoundAndContention(t *testing.T) {
	locker := lock.NewKeyedMutex(10 * time.Millisecond)
	store := NewMemoryInventoryStore(locker)
	store.Put(domain.NewInventoryItem("SKU-1", "Widget", 10, epoch))

	err := store.WithExclusive(context.Background(), "NOPE", func(*domain.InventoryItem) error { return nil })
	assert.ErrorIs(t, err, domain.ErrInventoryNotFound)

	release, err := locker.Acquire(context.Background(), "inventory:SKU-1")
	require.NoError(t, err)
	defer release()

	called := false
	err = store.WithExclusive(context.Background(), "SKU-1", func(*domain.InventoryItem) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrContentionTimeout)
	assert.False(t, called)
}

func TestMemoryInventoryStore_SeedOnlyInsertsMissing(t *testing.T) {
	store := NewMemoryInventoryStore(lock.NewKeyedMutex(time.Second))
	store.Put(domain.NewInventoryItem("LAPTOP-001", "Laptop", 7, epoch))

	inserted, err := store.Seed(context.Background(), []*domain.InventoryItem{
		domain.NewInventoryItem("LAPTOP-001", "Laptop", 100, epoch),
		domain.NewInventoryItem("PHONE-001", "Smartphone", 500, epoch),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	item, err := store.Get(context.Background(), "LAPTOP-001")
	require.NoError(t, err)
	assert.Equal(t, 7, item.TotalQuantity)
}

func TestMemoryReservationLedger(t *testing.T) {
	ledger := NewMemoryReservationLedger(lock.NewKeyedMutex(time.Second))
	ctx := context.Background()

	early := domain.NewReservation("r-1", "SKU-1", 1, time.Minute, epoch)
	late := domain.NewReservation("r-2", "SKU-1", 1, 2*time.Minute, epoch)
	future := domain.NewReservation("r-3", "SKU-1", 1, time.Hour, epoch)
	for _, r := range []*domain.Reservation{late, future, early} {
		require.NoError(t, ledger.Create(ctx, r))
	}
	assert.Error(t, ledger.Create(ctx, early), "duplicate id")

	expired, err := ledger.FindExpiredActive(ctx, epoch.Add(10*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, "r-1", expired[0].ReservationID)
	assert.Equal(t, "r-2", expired[1].ReservationID)

	limited, err := ledger.FindExpiredActive(ctx, epoch.Add(10*time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, ledger.WithExclusive(ctx, "r-1", func(_ context.Context, r *domain.Reservation) error {
		return r.Release(epoch)
	}))
	expired, err = ledger.FindExpiredActive(ctx, epoch.Add(10*time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	_, err = ledger.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
}
