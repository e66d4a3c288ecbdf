package application

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nexus-inventory/internal/pkg/logger"
	"nexus-inventory/internal/service/inventory/domain"
)

const (
	// maxTimeoutMinutes 是换算成 time.Duration 不溢出的最大分钟数。
	maxTimeoutMinutes = math.MaxInt64 / int64(time.Minute)

	// publishTimeout 限制单次事件发布的时间，消息队列不可用时不拖慢请求。
	publishTimeout = 2 * time.Second
)

// errNotClaimable 在过期回收时表示预占单已被其他操作抢先处理，不是错误。
var errNotClaimable = errors.New("reservation is no longer claimable")

// ReservationEngine 编排库存和预占单的所有状态流转。
// 它是唯一同时修改两个存储的组件，加锁顺序固定为：预占单 -> 库存，且每次只持有一个 SKU。
type ReservationEngine struct {
	inventory domain.InventoryStore
	ledger    domain.ReservationLedger

	tracer         trace.Tracer
	metrics        *Metrics
	publisher      domain.EventPublisher
	policy         *RequestPolicy
	now            func() time.Time
	newID          func() string
	defaultTimeout int
	publishTimeout time.Duration
}

// Option 配置 ReservationEngine 的可选依赖。
type Option func(*ReservationEngine)

func WithTracer(tracer trace.Tracer) Option {
	return func(e *ReservationEngine) { e.tracer = tracer }
}

func WithMetrics(m *Metrics) Option {
	return func(e *ReservationEngine) { e.metrics = m }
}

func WithPublisher(p domain.EventPublisher) Option {
	return func(e *ReservationEngine) { e.publisher = p }
}

func WithPolicy(p *RequestPolicy) Option {
	return func(e *ReservationEngine) { e.policy = p }
}

// WithClock 替换时间源，测试中用来驱动过期。
func WithClock(now func() time.Time) Option {
	return func(e *ReservationEngine) { e.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(e *ReservationEngine) { e.newID = newID }
}

// WithDefaultTimeout 设置未指定超时时的预占分钟数。
func WithDefaultTimeout(minutes int) Option {
	return func(e *ReservationEngine) {
		if minutes > 0 {
			e.defaultTimeout = minutes
		}
	}
}

// WithPublishTimeout 设置单次事件发布的超时。
func WithPublishTimeout(d time.Duration) Option {
	return func(e *ReservationEngine) {
		if d > 0 {
			e.publishTimeout = d
		}
	}
}

// NewReservationEngine 创建引擎。两个存储都是必需的，其余依赖有默认值。
func NewReservationEngine(inventory domain.InventoryStore, ledger domain.ReservationLedger, opts ...Option) *ReservationEngine {
	e := &ReservationEngine{
		inventory:      inventory,
		ledger:         ledger,
		tracer:         otel.Tracer("inventory-service"),
		now:            time.Now,
		newID:          uuid.NewString,
		defaultTimeout: domain.DefaultTimeoutMinutes,
		publishTimeout: publishTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GetInventory 查询单个 SKU 的库存。
func (e *ReservationEngine) GetInventory(ctx context.Context, sku string) (*InventoryResponse, error) {
	ctx, span := e.tracer.Start(ctx, "engine.GetInventory", trace.WithAttributes(attribute.String("inventory.sku", sku)))
	defer span.End()

	item, err := e.inventory.Get(ctx, sku)
	if err != nil {
		e.finish(ctx, span, "get_inventory", err)
		return nil, err
	}
	return toInventoryResponse(item), nil
}

// GetReservation 查询预占单当前状态。
func (e *ReservationEngine) GetReservation(ctx context.Context, reservationID string) (*ReservationResponse, error) {
	ctx, span := e.tracer.Start(ctx, "engine.GetReservation", trace.WithAttributes(attribute.String("reservation.id", reservationID)))
	defer span.End()

	r, err := e.ledger.Get(ctx, reservationID)
	if err != nil {
		e.finish(ctx, span, "get_reservation", err)
		return nil, err
	}

	var productName string
	if item, err := e.inventory.Get(ctx, r.SKU); err == nil {
		productName = item.ProductName
	}
	return toReservationResponse(r, productName), nil
}

// Reserve 从 SKU 的可用量中预占 quantity，并创建一个 ACTIVE 预占单。
func (e *ReservationEngine) Reserve(ctx context.Context, req *ReserveRequest) (*ReservationResponse, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Reserve", trace.WithAttributes(
		attribute.String("inventory.sku", req.SKU),
		attribute.Int("reservation.quantity", req.Quantity),
	))
	defer span.End()

	resp, err := e.reserve(ctx, req)
	e.finish(ctx, span, "reserve", err)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("reservation.id", resp.ReservationID))
	logger.Ctx(ctx).Info().
		Str("reservation_id", resp.ReservationID).
		Str("sku", resp.SKU).
		Int("quantity", resp.Quantity).
		Time("expires_at", resp.ExpiresAt).
		Msg("Reservation created")
	return resp, nil
}

func (e *ReservationEngine) reserve(ctx context.Context, req *ReserveRequest) (*ReservationResponse, error) {
	timeout := e.defaultTimeout
	if req.TimeoutMinutes != nil {
		timeout = *req.TimeoutMinutes
	}
	if err := validateReserve(req.SKU, req.Quantity, timeout); err != nil {
		return nil, err
	}
	if err := e.policy.Evaluate(req.SKU, req.Quantity, timeout); err != nil {
		return nil, err
	}

	// 1. 独占库存记录，校验并扣减可用量
	var productName string
	err := e.inventory.WithExclusive(ctx, req.SKU, func(item *domain.InventoryItem) error {
		productName = item.ProductName
		return item.Reserve(req.Quantity, e.now())
	})
	if err != nil {
		return nil, err
	}

	// 2. 库存锁已释放，再写预占单
	reservation := domain.NewReservation(e.newID(), req.SKU, req.Quantity, time.Duration(timeout)*time.Minute, e.now())
	if err := e.ledger.Create(ctx, reservation); err != nil {
		e.compensateReserve(ctx, req.SKU, req.Quantity)
		return nil, errors.Wrap(err, "failed to record reservation")
	}

	e.publish(ctx, domain.EventReserved, reservation)
	return toReservationResponse(reservation, productName), nil
}

// compensateReserve 在预占单写入失败时归还已扣减的库存。
func (e *ReservationEngine) compensateReserve(ctx context.Context, sku string, quantity int) {
	compCtx := context.WithoutCancel(ctx)
	err := e.inventory.WithExclusive(compCtx, sku, func(item *domain.InventoryItem) error {
		return item.Restore(quantity, e.now())
	})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("sku", sku).Int("quantity", quantity).
			Msg("CRITICAL: failed to restore inventory after reservation record failure")
	}
}

// Release 由调用方主动释放一个 ACTIVE 预占单，归还库存。
func (e *ReservationEngine) Release(ctx context.Context, reservationID string) (*ReservationResponse, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Release", trace.WithAttributes(attribute.String("reservation.id", reservationID)))
	defer span.End()

	resp, err := e.settle(ctx, reservationID, domain.StatusReleased, "")
	e.finish(ctx, span, "release", err)
	if err != nil {
		return nil, err
	}

	logger.Ctx(ctx).Info().Str("reservation_id", reservationID).Str("sku", resp.SKU).Int("quantity", resp.Quantity).
		Msg("Reservation released")
	return resp, nil
}

// Confirm 将 ACTIVE 预占单转为订单，预占的数量永久移出库存。
func (e *ReservationEngine) Confirm(ctx context.Context, reservationID, orderID string) (*ReservationResponse, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Confirm", trace.WithAttributes(
		attribute.String("reservation.id", reservationID),
		attribute.String("order.id", orderID),
	))
	defer span.End()

	var (
		resp *ReservationResponse
		err  error
	)
	if strings.TrimSpace(orderID) == "" {
		err = errors.Wrap(domain.ErrInvalidRequest, "orderId is required")
	} else {
		resp, err = e.settle(ctx, reservationID, domain.StatusConfirmed, orderID)
	}
	e.finish(ctx, span, "confirm", err)
	if err != nil {
		return nil, err
	}

	logger.Ctx(ctx).Info().Str("reservation_id", reservationID).Str("order_id", orderID).Int("quantity", resp.Quantity).
		Msg("Reservation confirmed")
	return resp, nil
}

// settle 执行 release / confirm 的公共流程：
// 独占预占单 -> 校验 ACTIVE -> 独占库存并修改 -> 修改预占单状态。
func (e *ReservationEngine) settle(ctx context.Context, reservationID string, to domain.Status, orderID string) (*ReservationResponse, error) {
	var (
		resp    *ReservationResponse
		settled domain.Reservation
	)
	err := e.ledger.WithExclusive(ctx, reservationID, func(ctx context.Context, r *domain.Reservation) error {
		if err := r.CanTransition(to); err != nil {
			return err
		}

		productName, err := e.applyToInventory(ctx, r, to)
		if err != nil {
			return err
		}

		now := e.now()
		if to == domain.StatusConfirmed {
			err = r.Confirm(orderID, now)
		} else {
			err = r.Release(now)
		}
		if err != nil {
			return err
		}

		settled = *r
		resp = toReservationResponse(r, productName)
		return nil
	})
	if err != nil {
		return nil, err
	}

	eventType := domain.EventReleased
	if to == domain.StatusConfirmed {
		eventType = domain.EventConfirmed
	}
	e.publish(ctx, eventType, &settled)
	return resp, nil
}

// expireResult 描述一次过期尝试的结果。
type expireResult int

const (
	expireDone expireResult = iota
	expireNoOp
)

// expire 只由回收任务调用。拿到预占单独占后重新检查 ACTIVE 和过期时间，
// 被 release / confirm 抢先的候选项直接返回 expireNoOp。
func (e *ReservationEngine) expire(ctx context.Context, reservationID string) (expireResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Expire", trace.WithAttributes(attribute.String("reservation.id", reservationID)))
	defer span.End()

	var settled domain.Reservation
	err := e.ledger.WithExclusive(ctx, reservationID, func(ctx context.Context, r *domain.Reservation) error {
		now := e.now()
		if r.Status != domain.StatusActive || !r.ExpiredAt(now) {
			return errNotClaimable
		}
		if _, err := e.applyToInventory(ctx, r, domain.StatusExpired); err != nil {
			return err
		}
		if err := r.Expire(now); err != nil {
			return err
		}
		settled = *r
		return nil
	})
	if errors.Is(err, errNotClaimable) {
		span.AddEvent("Reservation already settled")
		e.metrics.observeOperation("expire", nil)
		return expireNoOp, nil
	}
	e.finish(ctx, span, "expire", err)
	if err != nil {
		return expireNoOp, err
	}

	e.publish(ctx, domain.EventExpired, &settled)
	logger.Ctx(ctx).Debug().Str("reservation_id", reservationID).Str("sku", settled.SKU).Int("quantity", settled.Quantity).
		Msg("Reservation expired")
	return expireDone, nil
}

// applyToInventory 在库存独占内执行与目标状态对应的数量变更，返回商品名。
func (e *ReservationEngine) applyToInventory(ctx context.Context, r *domain.Reservation, to domain.Status) (string, error) {
	var productName string
	err := e.inventory.WithExclusive(ctx, r.SKU, func(item *domain.InventoryItem) error {
		productName = item.ProductName
		if to == domain.StatusConfirmed {
			return item.Consume(r.Quantity, e.now())
		}
		return item.Restore(r.Quantity, e.now())
	})
	return productName, err
}

// publish 发布生命周期事件。事件是尽力而为的通知，失败只记录日志。
func (e *ReservationEngine) publish(ctx context.Context, t domain.EventType, r *domain.Reservation) {
	if e.publisher == nil {
		return
	}
	event := domain.NewReservationEvent(t, r, e.now())
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publishTimeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, event); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("reservation_id", r.ReservationID).Str("event", string(t)).
			Msg("failed to publish reservation event")
	}
}

func (e *ReservationEngine) finish(ctx context.Context, span trace.Span, operation string, err error) {
	e.metrics.observeOperation(operation, err)
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	kind := outcome(err)
	evt := logger.Ctx(ctx).Warn()
	if kind == "error" {
		evt = logger.Ctx(ctx).Error()
	}
	evt.Err(err).Str("operation", operation).Str("outcome", kind).Msg("Reservation operation failed")
}

func validateReserve(sku string, quantity, timeoutMinutes int) error {
	switch {
	case strings.TrimSpace(sku) == "":
		return errors.Wrap(domain.ErrInvalidRequest, "sku is required")
	case quantity < 1:
		return errors.Wrapf(domain.ErrInvalidRequest, "quantity must be at least 1, got %d", quantity)
	case timeoutMinutes < 1:
		return errors.Wrapf(domain.ErrInvalidRequest, "timeoutMinutes must be at least 1, got %d", timeoutMinutes)
	case int64(timeoutMinutes) > maxTimeoutMinutes:
		return errors.Wrapf(domain.ErrInvalidRequest, "timeoutMinutes must be at most %d, got %d", maxTimeoutMinutes, timeoutMinutes)
	}
	return nil
}
