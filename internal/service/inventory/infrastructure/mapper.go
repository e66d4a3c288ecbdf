package infrastructure

import "nexus-inventory/internal/service/inventory/domain"

// ToDomainInventoryItem 将数据库模型转换为领域模型
func ToDomainInventoryItem(model *InventoryItemModel) *domain.InventoryItem {
	if model == nil {
		return nil
	}
	return &domain.InventoryItem{
		SKU:               model.SKU,
		ProductName:       model.ProductName,
		TotalQuantity:     model.TotalQuantity,
		AvailableQuantity: model.AvailableQuantity,
		ReservedQuantity:  model.ReservedQuantity,
		Revision:          model.Revision,
		CreatedAt:         model.CreatedAt,
		UpdatedAt:         model.UpdatedAt,
	}
}

// FromDomainInventoryItem 将领域模型转换为数据库模型 (用于插入)
func FromDomainInventoryItem(item *domain.InventoryItem) *InventoryItemModel {
	if item == nil {
		return nil
	}
	return &InventoryItemModel{
		SKU:               item.SKU,
		ProductName:       item.ProductName,
		TotalQuantity:     item.TotalQuantity,
		AvailableQuantity: item.AvailableQuantity,
		ReservedQuantity:  item.ReservedQuantity,
		Revision:          item.Revision,
		CreatedAt:         item.CreatedAt,
		UpdatedAt:         item.UpdatedAt,
	}
}

func ToDomainReservation(model *ReservationModel) *domain.Reservation {
	if model == nil {
		return nil
	}
	return &domain.Reservation{
		ReservationID: model.ReservationID,
		SKU:           model.SKU,
		Quantity:      model.Quantity,
		Status:        model.Status,
		OrderID:       model.OrderID,
		CreatedAt:     model.CreatedAt,
		ExpiresAt:     model.ExpiresAt,
		UpdatedAt:     model.UpdatedAt,
	}
}

func FromDomainReservation(r *domain.Reservation) *ReservationModel {
	if r == nil {
		return nil
	}
	return &ReservationModel{
		ReservationID: r.ReservationID,
		SKU:           r.SKU,
		Quantity:      r.Quantity,
		Status:        r.Status,
		OrderID:       r.OrderID,
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
