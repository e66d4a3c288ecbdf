package infrastructure

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"nexus-inventory/internal/pkg/logger"
	"nexus-inventory/internal/pkg/mq"
	"nexus-inventory/internal/service/inventory/domain"
)

// KafkaEventPublisher 把预占单生命周期事件写入 kafka，以 SKU 作为分区键。
type KafkaEventPublisher struct {
	writer *kafka.Writer
}

func NewKafkaEventPublisher(writer *kafka.Writer) *KafkaEventPublisher {
	return &KafkaEventPublisher{writer: writer}
}

func (p *KafkaEventPublisher) Publish(ctx context.Context, event *domain.ReservationEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal reservation event")
	}
	if err := mq.ProduceMessage(ctx, p.writer, []byte(event.SKU), payload); err != nil {
		return errors.Wrapf(err, "failed to produce %s event", event.Type)
	}
	return nil
}

// Close 刷新并关闭底层 writer。
func (p *KafkaEventPublisher) Close() error {
	return p.writer.Close()
}

// LogEventPublisher 在未配置 kafka 时只把事件写到日志。
type LogEventPublisher struct{}

func (LogEventPublisher) Publish(ctx context.Context, event *domain.ReservationEvent) error {
	logger.Ctx(ctx).Debug().
		Str("event", string(event.Type)).
		Str("reservation_id", event.ReservationID).
		Str("sku", event.SKU).
		Int("quantity", event.Quantity).
		Msg("Reservation event")
	return nil
}
