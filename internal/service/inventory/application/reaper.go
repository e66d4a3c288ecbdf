package application

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"nexus-inventory/internal/pkg/logger"
	"nexus-inventory/internal/service/inventory/domain"
)

const (
	DefaultReapInterval  = time.Minute
	DefaultReapBatchSize = 500
)

// CycleSummary 是一次回收周期的统计。
type CycleSummary struct {
	Candidates int
	Expired    int
	NoOp       int
	Failed     int
	Duration   time.Duration
}

// ExpiryReaper 周期性扫描已过期的 ACTIVE 预占单，逐个交给引擎过期。
// 单个候选项失败不影响其余候选项，也不会在同一周期内重试。
type ExpiryReaper struct {
	engine    *ReservationEngine
	ledger    domain.ReservationLedger
	interval  time.Duration
	batchSize int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewExpiryReaper(engine *ReservationEngine, ledger domain.ReservationLedger, interval time.Duration, batchSize int) *ExpiryReaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultReapBatchSize
	}
	return &ExpiryReaper{
		engine:    engine,
		ledger:    ledger,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Start 启动后台轮询，重复调用无效。
func (r *ExpiryReaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx)
	}()
	logger.Ctx(ctx).Info().Dur("interval", r.interval).Int("batch_size", r.batchSize).Msg("Expiry reaper started")
}

// Stop 停止轮询并等待进行中的周期结束。
func (r *ExpiryReaper) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
}

// loop 启动后立即执行一次，之后按固定间隔执行。
func (r *ExpiryReaper) loop(ctx context.Context) {
	r.RunCycle(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("Expiry reaper stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle 执行一次回收。候选列表只是提示，真正的判定在引擎持锁后完成。
func (r *ExpiryReaper) RunCycle(ctx context.Context) CycleSummary {
	ctx, span := r.engine.tracer.Start(ctx, "reaper.RunCycle")
	defer span.End()

	start := time.Now()
	var summary CycleSummary
	defer func() {
		summary.Duration = time.Since(start)
		r.engine.metrics.observeCycle(summary)
		span.SetAttributes(
			attribute.Int("reaper.candidates", summary.Candidates),
			attribute.Int("reaper.expired", summary.Expired),
			attribute.Int("reaper.failed", summary.Failed),
		)
	}()

	candidates, err := r.ledger.FindExpiredActive(ctx, r.engine.now(), r.batchSize)
	if err != nil {
		span.RecordError(err)
		logger.Ctx(ctx).Error().Err(err).Msg("Failed to load expired reservations")
		return summary
	}
	summary.Candidates = len(candidates)

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		result, err := r.expireOne(ctx, c.ReservationID)
		switch {
		case err != nil:
			summary.Failed++
			span.AddEvent("Candidate failed", trace.WithAttributes(attribute.String("reservation.id", c.ReservationID)))
			logger.Ctx(ctx).Error().Err(err).Str("reservation_id", c.ReservationID).Msg("Failed to expire reservation")
		case result == expireDone:
			summary.Expired++
		default:
			summary.NoOp++
		}
	}

	if summary.Candidates > 0 {
		logger.Ctx(ctx).Info().
			Int("candidates", summary.Candidates).
			Int("expired", summary.Expired).
			Int("noop", summary.NoOp).
			Int("failed", summary.Failed).
			Msg("Expiry cycle finished")
	}
	return summary
}

// expireOne 隔离单个候选项，panic 也只计为一次失败。
func (r *ExpiryReaper) expireOne(ctx context.Context, reservationID string) (result expireResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			result, err = expireNoOp, errors.Errorf("panic while expiring reservation %s: %v", reservationID, p)
		}
	}()
	return r.engine.expire(ctx, reservationID)
}
