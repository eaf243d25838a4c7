package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON to a Kafka topic, keyed by user so a
// user's events stay ordered within one partition.
type KafkaSink struct {
	writer MessageWriter
	logger *slog.Logger
}

// NewKafkaWriter creates a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// NewKafkaSink wraps w.
func NewKafkaSink(w MessageWriter, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{writer: w, logger: logger}
}

// Handle writes one event.
func (s *KafkaSink) Handle(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Key()),
		Value: value,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Kind, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// LogNotifier writes notifications to the structured log. Margin calls are
// logged at warn level.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case MarginCallIssued:
		c := ev.MarginCall
		n.logger.WarnContext(ctx, "margin call issued",
			"call_id", c.ID, "user_id", c.UserID, "region", c.Region, "amount", c.Amount.String())
	case MarginCallResolved:
		n.logger.InfoContext(ctx, "margin call resolved",
			"call_id", ev.MarginCall.ID, "user_id", ev.UserID, "resolution", ev.Resolution)
	case TradeExecuted:
		t := ev.Trade
		n.logger.DebugContext(ctx, "trade executed",
			"trade_id", t.ID, "instrument", t.Instrument, "qty", t.Quantity.String(), "price", t.Price.String())
	case OrderPlaced:
		o := ev.Order
		n.logger.DebugContext(ctx, "order placed",
			"order_id", o.ID, "user_id", o.UserID, "instrument", o.Instrument, "status", o.Status)
	}
	return nil
}
