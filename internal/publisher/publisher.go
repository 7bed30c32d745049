// Package publisher sends trades to the downstream Kafka topic.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/pricefeed/internal/health"
	"github.com/navid-fn/pricefeed/internal/metrics"
	"github.com/navid-fn/pricefeed/internal/model"
)

// WriteTimeout bounds a single publish.
const WriteTimeout = 5 * time.Second

// Writer is the part of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher serializes trades and writes them keyed by product_id, so one
// pair always lands on the same partition and keeps its order.
type Publisher struct {
	writer Writer
	source string
	state  *health.State
	logger logrus.FieldLogger
}

// NewWriter creates the Kafka writer used for trades.
func NewWriter(broker, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: false,
	}
}

// New wraps writer. source labels the metrics, typically the job mode; state may be nil.
func New(writer Writer, source string, state *health.State, logger logrus.FieldLogger) *Publisher {
	return &Publisher{
		writer: writer,
		source: source,
		state:  state,
		logger: logger.WithField("component", "publisher"),
	}
}

// Publish sends one trade. Errors are returned to the caller; nothing is retried here.
func (p *Publisher) Publish(ctx context.Context, trade model.Trade) error {
	return p.PublishBatch(ctx, []model.Trade{trade})
}

// PublishBatch sends trades in one write, preserving their order.
func (p *Publisher) PublishBatch(ctx context.Context, trades []model.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(trades))
	for _, trade := range trades {
		value, err := trade.Marshal()
		if err != nil {
			return fmt.Errorf("serialize trade failed: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(trade.ProductID),
			Value: value,
			Time:  trade.Time(),
		})
	}

	writeCtx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(writeCtx, msgs...); err != nil {
		metrics.PublishErrors.Inc()
		p.setKafkaConnected(false)
		p.logger.WithError(err).WithField("trades", len(trades)).Error("Failed to publish trades")
		return fmt.Errorf("kafka write failed: %w", err)
	}

	p.setKafkaConnected(true)
	for _, trade := range trades {
		metrics.TradesPublished.WithLabelValues(trade.ProductID, p.source).Inc()
	}
	if p.state != nil {
		p.state.RecordTrade(trades[len(trades)-1].Time())
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func (p *Publisher) setKafkaConnected(v bool) {
	if p.state != nil {
		p.state.SetKafkaConnected(v)
	}
}

// EnsureTopic creates topic with the given partition count through the
// cluster controller. An existing topic is left untouched.
func EnsureTopic(ctx context.Context, broker, topic string, partitions int, logger logrus.FieldLogger) error {
	dialer := &kafka.Dialer{Timeout: 10 * time.Second}

	conn, err := dialer.DialContext(ctx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("dial kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}

	ctrlConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer ctrlConn.Close()

	err = ctrlConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     max(partitions, 1),
		ReplicationFactor: 1,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}

	logger.WithFields(logrus.Fields{"topic": topic, "partitions": partitions}).Info("Kafka topic ready")
	return nil
}
