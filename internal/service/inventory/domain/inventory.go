package domain

import "time"

// InventoryItem 是单个 SKU 的库存聚合。
// 三个数量始终满足 Available + Reserved == Total，且均不为负。
type InventoryItem struct {
	SKU               string
	ProductName       string
	TotalQuantity     int
	AvailableQuantity int
	ReservedQuantity  int
	Revision          int64 // 每次成功修改递增，供存储层做 CAS
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewInventoryItem 创建一条全部可用的库存记录。
func NewInventoryItem(sku, productName string, quantity int, now time.Time) *InventoryItem {
	return &InventoryItem{
		SKU:               sku,
		ProductName:       productName,
		TotalQuantity:     quantity,
		AvailableQuantity: quantity,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Reserve 从可用量中预占 quantity。库存不足时不做任何修改。
func (i *InventoryItem) Reserve(quantity int, now time.Time) error {
	if i.AvailableQuantity < quantity {
		return &InsufficientInventoryError{SKU: i.SKU, Available: i.AvailableQuantity, Requested: quantity}
	}
	i.AvailableQuantity -= quantity
	i.ReservedQuantity += quantity
	i.touch(now)
	return nil
}

// Restore 是 Reserve 的逆操作，用于释放和过期。
func (i *InventoryItem) Restore(quantity int, now time.Time) error {
	if i.ReservedQuantity < quantity {
		return i.corrupted("restore", quantity)
	}
	i.AvailableQuantity += quantity
	i.ReservedQuantity -= quantity
	i.touch(now)
	return nil
}

// Consume 将已预占的数量永久移出库存：Total 和 Reserved 同时减少，Available 不变。
func (i *InventoryItem) Consume(quantity int, now time.Time) error {
	if i.ReservedQuantity < quantity || i.TotalQuantity < quantity {
		return i.corrupted("consume", quantity)
	}
	i.TotalQuantity -= quantity
	i.ReservedQuantity -= quantity
	i.touch(now)
	return nil
}

// Consistent 检查数量不变式。
func (i *InventoryItem) Consistent() bool {
	return i.AvailableQuantity >= 0 && i.ReservedQuantity >= 0 && i.TotalQuantity >= 0 &&
		i.AvailableQuantity+i.ReservedQuantity == i.TotalQuantity
}

func (i *InventoryItem) touch(now time.Time) {
	i.Revision++
	i.UpdatedAt = now
}

func (i *InventoryItem) corrupted(op string, quantity int) error {
	return &InventoryCorruptedError{SKU: i.SKU, Op: op, Quantity: quantity,
		Total: i.TotalQuantity, Available: i.AvailableQuantity, Reserved: i.ReservedQuantity}
}
