package domain

import (
	"context"
	"time"
)

// InventoryStore 定义了库存记录的持久化接口。
// 它位于领域层，但由基础设施层实现。
type InventoryStore interface {
	// Get 读取一条库存快照，不加锁。
	Get(ctx context.Context, sku string) (*InventoryItem, error)

	// WithExclusive 独占单个 SKU 的记录并调用 fn。fn 返回 nil 时修改与读取一起原子落库，
	// 返回错误时不落库。任何退出路径都会释放独占。
	// 记录不存在返回 ErrInventoryNotFound，等待超时返回 ErrContentionTimeout。
	WithExclusive(ctx context.Context, sku string, fn func(item *InventoryItem) error) error
}

// ReservationLedger 定义了预占单的持久化接口。
type ReservationLedger interface {
	// Create 写入一条新的预占单。ID 冲突视为程序错误。
	Create(ctx context.Context, r *Reservation) error

	// Get 读取一条预占单快照，不加锁。
	Get(ctx context.Context, id string) (*Reservation, error)

	// WithExclusive 与 InventoryStore.WithExclusive 语义相同，作用于单个预占单。
	// fn 收到的 ctx 需要继续传给嵌套的库存操作，存储实现可以借此共享事务。
	WithExclusive(ctx context.Context, id string, fn func(ctx context.Context, r *Reservation) error) error

	// FindExpiredActive 返回 ACTIVE 且 ExpiresAt < now 的预占单快照，不加锁。
	// limit <= 0 表示不限制数量。
	FindExpiredActive(ctx context.Context, now time.Time, limit int) ([]*Reservation, error)
}
