package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-inventory/internal/pkg/lock"
	"nexus-inventory/internal/service/inventory/domain"
	"nexus-inventory/internal/service/inventory/infrastructure"
)

func TestRunCycle_ExpiresOverdueReservations(t *testing.T) {
	f := newFixture(t)
	overdue := f.reserve(t, "LAPTOP-001", 10)
	f.clock.Advance(10 * time.Minute)
	fresh := f.reserve(t, "LAPTOP-001", 5)
	f.clock.Advance(6 * time.Minute)

	reaper := NewExpiryReaper(f.engine, f.ledger, time.Minute, 0)
	summary := reaper.RunCycle(context.Background())

	assert.Equal(t, 1, summary.Candidates)
	assert.Equal(t, 1, summary.Expired)
	assert.Zero(t, summary.Failed)

	got, err := f.engine.GetReservation(context.Background(), overdue.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusExpired), got.Status)

	got, err = f.engine.GetReservation(context.Background(), fresh.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusActive), got.Status)

	item := f.item(t, "LAPTOP-001")
	assert.Equal(t, 95, item.AvailableQuantity)
	assert.Equal(t, 5, item.ReservedQuantity)
	assert.Contains(t, f.events.types(), domain.EventExpired)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.engine.metrics.reaperResults.WithLabelValues("expired")))
}

func TestRunCycle_BatchSizeLimitsCandidates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.reserve(t, "LAPTOP-001", 1)
	}
	f.clock.Advance(time.Hour)

	reaper := NewExpiryReaper(f.engine, f.ledger, time.Minute, 2)
	assert.Equal(t, 2, reaper.RunCycle(context.Background()).Expired)
	assert.Equal(t, 2, reaper.RunCycle(context.Background()).Expired)
	assert.Equal(t, 1, reaper.RunCycle(context.Background()).Expired)
	assert.Equal(t, 0, reaper.RunCycle(context.Background()).Candidates)
	assert.Equal(t, 100, f.item(t, "LAPTOP-001").AvailableQuantity)
}

// staleLedger 返回过期扫描开始前的快照，模拟候选项在扫描后被其他请求处理。
type staleLedger struct {
	*infrastructure.MemoryReservationLedger
	snapshot []*domain.Reservation
}

func (l *staleLedger) FindExpiredActive(context.Context, time.Time, int) ([]*domain.Reservation, error) {
	return l.snapshot, nil
}

func TestRunCycle_SettledCandidateIsNoOp(t *testing.T) {
	f := newFixture(t)
	r := f.reserve(t, "LAPTOP-001", 10)
	f.clock.Advance(time.Hour)

	candidates, err := f.ledger.FindExpiredActive(context.Background(), f.clock.Now(), 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	_, err = f.engine.Confirm(context.Background(), r.ReservationID, "ORDER-1")
	require.NoError(t, err)

	reaper := NewExpiryReaper(f.engine, &staleLedger{f.ledger, candidates}, time.Minute, 0)
	summary := reaper.RunCycle(context.Background())

	summary.Duration = 0
	assert.Equal(t, CycleSummary{Candidates: 1, NoOp: 1}, summary)

	item := f.item(t, "LAPTOP-001")
	assert.Equal(t, 90, item.TotalQuantity)
	assert.Equal(t, 90, item.AvailableQuantity)
}

// flakyInventory 对指定 SKU 的独占操作返回错误或 panic。
type flakyInventory struct {
	*infrastructure.MemoryInventoryStore
	failing   string
	panicking string
}

func (s *flakyInventory) WithExclusive(ctx context.Context, sku string, fn func(item *domain.InventoryItem) error) error {
	switch sku {
	case s.failing:
		return errors.New("storage unavailable")
	case s.panicking:
		panic("corrupted row")
	}
	return s.MemoryInventoryStore.WithExclusive(ctx, sku, fn)
}

func TestRunCycle_IsolatesFailures(t *testing.T) {
	locker := lock.NewKeyedMutex(time.Second)
	memory := infrastructure.NewMemoryInventoryStore(locker)
	ledger := infrastructure.NewMemoryReservationLedger(locker)
	for _, sku := range []string{"OK-1", "BROKEN", "PANIC", "OK-2"} {
		memory.Put(domain.NewInventoryItem(sku, sku, 10, epoch))
		require.NoError(t, ledger.Create(context.Background(), domain.NewReservation("r-"+sku, sku, 1, time.Minute, epoch)))
		require.NoError(t, memory.WithExclusive(context.Background(), sku, func(item *domain.InventoryItem) error {
			return item.Reserve(1, epoch)
		}))
	}

	clock := &fakeClock{now: epoch.Add(time.Hour)}
	inventory := &flakyInventory{MemoryInventoryStore: memory, failing: "BROKEN", panicking: "PANIC"}
	engine := NewReservationEngine(inventory, ledger, WithClock(clock.Now))
	reaper := NewExpiryReaper(engine, ledger, time.Minute, 0)

	summary := reaper.RunCycle(context.Background())
	assert.Equal(t, 4, summary.Candidates)
	assert.Equal(t, 2, summary.Expired)
	assert.Equal(t, 2, summary.Failed)

	for sku, want := range map[string]domain.Status{
		"OK-1":   domain.StatusExpired,
		"OK-2":   domain.StatusExpired,
		"BROKEN": domain.StatusActive,
		"PANIC":  domain.StatusActive,
	} {
		r, err := ledger.Get(context.Background(), "r-"+sku)
		require.NoError(t, err)
		assert.Equal(t, want, r.Status, sku)
	}

	// 失败的候选项仍留给下一个周期
	remaining, err := ledger.FindExpiredActive(context.Background(), clock.Now(), 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestReaper_FirstCycleRunsAtStart(t *testing.T) {
	f := newFixture(t)
	r := f.reserve(t, "LAPTOP-001", 10)
	f.clock.Advance(time.Hour)

	reaper := NewExpiryReaper(f.engine, f.ledger, time.Hour, 0)
	reaper.Start(context.Background())
	defer reaper.Stop()

	assert.Eventually(t, func() bool {
		got, err := f.engine.GetReservation(context.Background(), r.ReservationID)
		return err == nil && got.Status == string(domain.StatusExpired)
	}, time.Second, 5*time.Millisecond)
}

func TestReaper_StartStop(t *testing.T) {
	f := newFixture(t)
	f.reserve(t, "LAPTOP-001", 10)
	f.clock.Advance(time.Hour)

	reaper := NewExpiryReaper(f.engine, f.ledger, 10*time.Millisecond, 0)
	reaper.Start(context.Background())
	reaper.Start(context.Background())

	assert.Eventually(t, func() bool {
		item, err := f.inventory.Get(context.Background(), "LAPTOP-001")
		return err == nil && item.AvailableQuantity == 100
	}, time.Second, 10*time.Millisecond)

	reaper.Stop()
	reaper.Stop()
}
