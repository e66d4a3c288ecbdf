package application

import (
	"time"

	"nexus-inventory/internal/service/inventory/domain"
)

// ReserveRequest 是预占库存的请求体。TimeoutMinutes 为空时使用默认超时。
type ReserveRequest struct {
	SKU            string `json:"sku"`
	Quantity       int    `json:"quantity"`
	TimeoutMinutes *int   `json:"timeoutMinutes,omitempty"`
}

// InventoryResponse 是库存查询的响应体
type InventoryResponse struct {
	SKU               string `json:"sku"`
	ProductName       string `json:"productName"`
	TotalQuantity     int    `json:"totalQuantity"`
	AvailableQuantity int    `json:"availableQuantity"`
	ReservedQuantity  int    `json:"reservedQuantity"`
}

// ReservationResponse 是预占单的当前视图
type ReservationResponse struct {
	ReservationID string    `json:"reservationId"`
	SKU           string    `json:"sku"`
	ProductName   string    `json:"productName,omitempty"`
	Quantity      int       `json:"quantity"`
	Status        string    `json:"status"`
	OrderID       string    `json:"orderId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

func toInventoryResponse(item *domain.InventoryItem) *InventoryResponse {
	return &InventoryResponse{
		SKU:               item.SKU,
		ProductName:       item.ProductName,
		TotalQuantity:     item.TotalQuantity,
		AvailableQuantity: item.AvailableQuantity,
		ReservedQuantity:  item.ReservedQuantity,
	}
}

func toReservationResponse(r *domain.Reservation, productName string) *ReservationResponse {
	return &ReservationResponse{
		ReservationID: r.ReservationID,
		SKU:           r.SKU,
		ProductName:   productName,
		Quantity:      r.Quantity,
		Status:        string(r.Status),
		OrderID:       r.OrderID,
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
	}
}
