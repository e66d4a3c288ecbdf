package domain

import (
	"errors"
	"fmt"
)

// 库存预占的错误分类。调用方统一用 errors.Is / errors.As 判断。
var (
	ErrInventoryNotFound      = errors.New("inventory not found")
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrInsufficientInventory  = errors.New("insufficient inventory")
	ErrInvalidStateTransition = errors.New("invalid reservation state transition")
	ErrContentionTimeout      = errors.New("timed out waiting for exclusive access")
	ErrRevisionConflict       = errors.New("inventory revision conflict")
	ErrInvalidRequest         = errors.New("invalid request")
)

// InsufficientInventoryError 携带预占失败时的可用量和请求量。
type InsufficientInventoryError struct {
	SKU       string
	Available int
	Requested int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for sku %s: available=%d, requested=%d", e.SKU, e.Available, e.Requested)
}

func (e *InsufficientInventoryError) Is(target error) bool {
	return target == ErrInsufficientInventory
}

// InvalidStateTransitionError 表示对非 ACTIVE 预占单发起了状态流转。
type InvalidStateTransitionError struct {
	ReservationID string
	Current       Status
	Requested     Status
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("cannot move reservation %s from %s to %s: only ACTIVE reservations can transition",
		e.ReservationID, e.Current, e.Requested)
}

func (e *InvalidStateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// InventoryCorruptedError 表示已持久化的数量无法承接一次释放或确认。
// 正常流程下不会出现，出现即说明存储被绕过引擎修改过。
type InventoryCorruptedError struct {
	SKU       string
	Op        string
	Quantity  int
	Total     int
	Available int
	Reserved  int
}

func (e *InventoryCorruptedError) Error() string {
	return fmt.Sprintf("inventory %s cannot %s %d units: total=%d, available=%d, reserved=%d",
		e.SKU, e.Op, e.Quantity, e.Total, e.Available, e.Reserved)
}
