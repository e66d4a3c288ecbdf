package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"nexus-inventory/internal/pkg/lock"
	"nexus-inventory/internal/service/inventory/domain"
)

// acquire 获取 key 的独占，并把锁超时翻译为领域错误。
func acquire(ctx context.Context, locker lock.Locker, key string) (func(), error) {
	release, err := locker.Acquire(ctx, key)
	if errors.Is(err, lock.ErrTimeout) {
		return nil, errors.Wrapf(domain.ErrContentionTimeout, "key %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to lock key %s", key)
	}
	return release, nil
}

// MemoryInventoryStore 是进程内的库存存储。
// 独占由 Locker 提供，fn 在副本上修改，成功后才替换原记录。
type MemoryInventoryStore struct {
	locker lock.Locker
	mu     sync.RWMutex
	items  map[string]*domain.InventoryItem
}

func NewMemoryInventoryStore(locker lock.Locker) *MemoryInventoryStore {
	return &MemoryInventoryStore{
		locker: locker,
		items:  make(map[string]*domain.InventoryItem),
	}
}

func (s *MemoryInventoryStore) Get(_ context.Context, sku string) (*domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[sku]
	if !ok {
		return nil, errors.Wrapf(domain.ErrInventoryNotFound, "sku %s", sku)
	}
	cp := *item
	return &cp, nil
}

func (s *MemoryInventoryStore) WithExclusive(ctx context.Context, sku string, fn func(item *domain.InventoryItem) error) error {
	release, err := acquire(ctx, s.locker, "inventory:"+sku)
	if err != nil {
		return err
	}
	defer release()

	item, err := s.Get(ctx, sku)
	if err != nil {
		return err
	}
	if err := fn(item); err != nil {
		return err
	}

	s.mu.Lock()
	s.items[sku] = item
	s.mu.Unlock()
	return nil
}

// Put 直接写入一条库存，用于初始化数据和测试。
func (s *MemoryInventoryStore) Put(item *domain.InventoryItem) {
	cp := *item
	s.mu.Lock()
	s.items[item.SKU] = &cp
	s.mu.Unlock()
}

// Seed 只插入尚不存在的 SKU，返回实际插入的数量。
func (s *MemoryInventoryStore) Seed(_ context.Context, items []*domain.InventoryItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, item := range items {
		if _, ok := s.items[item.SKU]; ok {
			continue
		}
		cp := *item
		s.items[item.SKU] = &cp
		inserted++
	}
	return inserted, nil
}

// MemoryReservationLedger 是进程内的预占单存储。
type MemoryReservationLedger struct {
	locker       lock.Locker
	mu           sync.RWMutex
	reservations map[string]*domain.Reservation
}

func NewMemoryReservationLedger(locker lock.Locker) *MemoryReservationLedger {
	return &MemoryReservationLedger{
		locker:       locker,
		reservations: make(map[string]*domain.Reservation),
	}
}

func (l *MemoryReservationLedger) Create(_ context.Context, r *domain.Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.reservations[r.ReservationID]; ok {
		return errors.Errorf("reservation id collision: %s", r.ReservationID)
	}
	cp := *r
	l.reservations[r.ReservationID] = &cp
	return nil
}

func (l *MemoryReservationLedger) Get(_ context.Context, id string) (*domain.Reservation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.reservations[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrReservationNotFound, "reservation %s", id)
	}
	cp := *r
	return &cp, nil
}

func (l *MemoryReservationLedger) WithExclusive(ctx context.Context, id string, fn func(ctx context.Context, r *domain.Reservation) error) error {
	release, err := acquire(ctx, l.locker, "reservation:"+id)
	if err != nil {
		return err
	}
	defer release()

	r, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(ctx, r); err != nil {
		return err
	}

	l.mu.Lock()
	l.reservations[id] = r
	l.mu.Unlock()
	return nil
}

// FindExpiredActive 按过期时间升序返回候选项。
func (l *MemoryReservationLedger) FindExpiredActive(_ context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	l.mu.RLock()
	var out []*domain.Reservation
	for _, r := range l.reservations {
		if r.Status == domain.StatusActive && r.ExpiredAt(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
