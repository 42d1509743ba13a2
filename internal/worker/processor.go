// Package worker consumes payment events from SQS.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/boluoing/payflow/internal/aws"
	"github.com/boluoing/payflow/internal/idempotency"
	"github.com/boluoing/payflow/internal/orders"
	"github.com/boluoing/payflow/internal/payments"
)

// ErrInFlight is returned while another delivery of the same event is being processed.
var ErrInFlight = errors.New("event is being processed by another worker")

// OrderReader is implemented by *orders.Store.
type OrderReader interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
}

// Deduper is implemented by *idempotency.Store.
type Deduper interface {
	Begin(ctx context.Context, key, requestHash, resourceID string) (bool, error)
	Get(ctx context.Context, key string) (*idempotency.Record, error)
	Complete(ctx context.Context, key, resourceID, responseBody string, responseStatus int) error
	Fail(ctx context.Context, key, note string) error
	Retry(ctx context.Context, key string) (bool, error)
}

// Counter is implemented by *aws.MetricsClient.
type Counter interface {
	RecordCount(ctx context.Context, metricName string, dimensions map[string]string) error
}

// Processor handles payment_confirmed events. Delivery is at-least-once; each order is
// fulfilled once per idempotency key.
type Processor struct {
	orders  OrderReader
	dedup   Deduper
	metrics Counter
	log     *zap.Logger
}

// NewProcessor creates a processor. metrics may be nil.
func NewProcessor(orderStore OrderReader, dedup Deduper, metrics Counter, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		orders:  orderStore,
		dedup:   dedup,
		metrics: metrics,
		log:     log,
	}
}

// DedupKey is the idempotency key of the payment_confirmed event for orderID.
func DedupKey(orderID string) string {
	return "payment-confirmed:" + orderID
}

// Handle processes an SQS batch. Any error fails the whole batch so Lambda redelivers it;
// messages that were already handled are skipped on redelivery.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) error {
	p.log.Debug("sqs_batch_received", zap.Int("records", len(ev.Records)))
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.log.Error("worker_message_failed", zap.String("message_id", rec.MessageId), zap.Error(err))
			return err
		}
	}
	return nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg payments.PaymentConfirmed
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	if msg.Type != payments.EventPaymentConfirmed {
		p.log.Warn("unknown_event_type", zap.String("type", msg.Type), zap.String("message_id", rec.MessageId))
		return nil
	}
	if msg.OrderID == "" {
		return fmt.Errorf("event %s has no order_id", rec.MessageId)
	}
	log := p.log.With(zap.String("order_id", msg.OrderID))

	key := DedupKey(msg.OrderID)
	proceed, err := p.claim(ctx, key, msg.OrderID)
	if err != nil {
		return err
	}
	if !proceed {
		log.Info("duplicate_event_skipped")
		return nil
	}

	order, err := p.orders.Get(ctx, msg.OrderID)
	if err != nil {
		p.fail(ctx, key, "order lookup failed")
		return fmt.Errorf("fetch order: %w", err)
	}
	if order == nil {
		p.fail(ctx, key, "order not found")
		return fmt.Errorf("order not found: %s", msg.OrderID)
	}
	if !order.IsPaid() {
		p.fail(ctx, key, "order status "+order.PaymentStatus)
		return fmt.Errorf("order %s is %s, not paid", msg.OrderID, order.PaymentStatus)
	}

	serviceType := order.ServiceType
	if serviceType == "" {
		serviceType = "unknown"
	}
	if p.metrics != nil {
		if err := p.metrics.RecordCount(ctx, aws.MetricPaymentSucceeded, map[string]string{
			"service_type":   serviceType,
			"payment_method": order.PaymentMethod,
		}); err != nil {
			log.Warn("metric_record_failed", zap.Error(err))
		}
	}

	log.Info("fulfilment_ready",
		zap.String("user_id", order.UserID),
		zap.String("amount", order.Amount),
		zap.String("service_type", order.ServiceType),
		zap.String("payment_method", order.PaymentMethod),
		zap.String("trade_no", order.TradeNo),
	)

	body := fmt.Sprintf(`{"order_id":%q,"status":"fulfilment_ready"}`, msg.OrderID)
	if err := p.dedup.Complete(ctx, key, msg.OrderID, body, 200); err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	return nil
}

// claim reports whether this delivery should do the work.
func (p *Processor) claim(ctx context.Context, key, orderID string) (bool, error) {
	created, err := p.dedup.Begin(ctx, key, "", orderID)
	if err != nil {
		return false, fmt.Errorf("begin idempotency record: %w", err)
	}
	if created {
		return true, nil
	}

	rec, err := p.dedup.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get idempotency record: %w", err)
	}
	if rec == nil {
		return false, fmt.Errorf("idempotency record %s vanished", key)
	}
	switch rec.Status {
	case idempotency.StatusDone:
		return false, nil
	case idempotency.StatusFailed:
		ok, err := p.dedup.Retry(ctx, key)
		if err != nil {
			return false, fmt.Errorf("retry idempotency record: %w", err)
		}
		if !ok {
			return false, ErrInFlight
		}
		return true, nil
	case idempotency.StatusInProgress:
		return false, ErrInFlight
	default:
		return false, fmt.Errorf("unexpected idempotency status %q", rec.Status)
	}
}

func (p *Processor) fail(ctx context.Context, key, note string) {
	if err := p.dedup.Fail(ctx, key, note); err != nil {
		p.log.Warn("idempotency_fail_failed", zap.String("key", key), zap.Error(err))
	}
}
