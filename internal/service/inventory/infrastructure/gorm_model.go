package infrastructure

import (
	"time"

	"nexus-inventory/internal/service/inventory/domain"
)

// InventoryItemModel 对应数据库中的 inventory_items 表
type InventoryItemModel struct {
	SKU               string `gorm:"column:sku;primaryKey;size:64"`
	ProductName       string `gorm:"size:255;not null"`
	TotalQuantity     int    `gorm:"not null"`
	AvailableQuantity int    `gorm:"not null"`
	ReservedQuantity  int    `gorm:"not null"`
	Revision          int64  `gorm:"not null;default:0"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TableName 指定 GORM 应该使用的表名
func (InventoryItemModel) TableName() string {
	return "inventory_items"
}

// ReservationModel 对应数据库中的 reservations 表。
// (status, expires_at) 联合索引服务于过期扫描。
type ReservationModel struct {
	ReservationID string        `gorm:"column:reservation_id;primaryKey;size:64"`
	SKU           string        `gorm:"column:sku;size:64;not null;index"`
	Quantity      int           `gorm:"not null"`
	Status        domain.Status `gorm:"size:16;not null;index:idx_status_expires,priority:1"`
	OrderID       string        `gorm:"size:64"`
	CreatedAt     time.Time
	ExpiresAt     time.Time `gorm:"not null;index:idx_status_expires,priority:2"`
	UpdatedAt     time.Time
}

func (ReservationModel) TableName() string {
	return "reservations"
}
