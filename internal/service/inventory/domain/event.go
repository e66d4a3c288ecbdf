package domain

import (
	"context"
	"time"
)

// EventType 是预占单生命周期事件的类型。
type EventType string

const (
	EventReserved  EventType = "inventory.reserved"
	EventReleased  EventType = "inventory.released"
	EventConfirmed EventType = "inventory.confirmed"
	EventExpired   EventType = "inventory.expired"
)

// ReservationEvent 在每次状态流转成功后发布。
type ReservationEvent struct {
	Type          EventType `json:"type"`
	ReservationID string    `json:"reservationId"`
	SKU           string    `json:"sku"`
	Quantity      int       `json:"quantity"`
	Status        Status    `json:"status"`
	OrderID       string    `json:"orderId,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// NewReservationEvent 根据预占单当前状态构造事件。
func NewReservationEvent(t EventType, r *Reservation, at time.Time) *ReservationEvent {
	return &ReservationEvent{
		Type:          t,
		ReservationID: r.ReservationID,
		SKU:           r.SKU,
		Quantity:      r.Quantity,
		Status:        r.Status,
		OrderID:       r.OrderID,
		OccurredAt:    at,
	}
}

// EventPublisher 是生命周期事件的出站端口。
type EventPublisher interface {
	Publish(ctx context.Context, event *ReservationEvent) error
}
