package domain

import "time"

// Status 定义了预占单的生命周期状态。
// ACTIVE 是唯一的非终态，其余三个状态互斥且不可再流转。
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusConfirmed Status = "CONFIRMED"
	StatusReleased  Status = "RELEASED"
	StatusExpired   Status = "EXPIRED"
)

// DefaultTimeoutMinutes 是未指定超时时的预占时长。
const DefaultTimeoutMinutes = 15

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusReleased || s == StatusExpired
}

// Reservation 是一次对库存的限时持有。它只通过 SKU 引用库存，不拥有库存的生命周期。
type Reservation struct {
	ReservationID string
	SKU           string
	Quantity      int
	Status        Status
	OrderID       string // 仅在确认后设置
	CreatedAt     time.Time
	ExpiresAt     time.Time
	UpdatedAt     time.Time
}

// NewReservation 创建一个 ACTIVE 状态的预占单，时间戳由调用方显式传入。
func NewReservation(id, sku string, quantity int, timeout time.Duration, now time.Time) *Reservation {
	return &Reservation{
		ReservationID: id,
		SKU:           sku,
		Quantity:      quantity,
		Status:        StatusActive,
		CreatedAt:     now,
		ExpiresAt:     now.Add(timeout),
		UpdatedAt:     now,
	}
}

// ExpiredAt 判断预占单在 now 时刻是否已过期。
func (r *Reservation) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// CanTransition 校验从当前状态到 to 的流转是否合法。
func (r *Reservation) CanTransition(to Status) error {
	if r.Status != StatusActive || !to.Terminal() {
		return &InvalidStateTransitionError{ReservationID: r.ReservationID, Current: r.Status, Requested: to}
	}
	return nil
}

// Release 将预占单标记为已释放。
func (r *Reservation) Release(now time.Time) error {
	return r.moveTo(StatusReleased, now)
}

// Expire 将预占单标记为已过期。
func (r *Reservation) Expire(now time.Time) error {
	return r.moveTo(StatusExpired, now)
}

// Confirm 将预占单标记为已确认，并关联订单。
func (r *Reservation) Confirm(orderID string, now time.Time) error {
	if err := r.moveTo(StatusConfirmed, now); err != nil {
		return err
	}
	r.OrderID = orderID
	return nil
}

func (r *Reservation) moveTo(to Status, now time.Time) error {
	if err := r.CanTransition(to); err != nil {
		return err
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}
