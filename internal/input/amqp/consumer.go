// Package amqp consumes activity and signal payloads from RabbitMQ queues.
package amqp

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"behaviorwatch/internal/input"
)

// Config configures the AMQP consumer.
type Config struct {
	URL           string
	ActivityQueue string
	SignalQueue   string
	Prefetch      int
	BlockTimeout  time.Duration
}

// Consumer reads durable queues and acks each delivery once it is handed to the pipeline.
type Consumer struct {
	conn         *amqp.Connection
	ch           *amqp.Channel
	activity     <-chan amqp.Delivery
	signals      <-chan amqp.Delivery
	blockTimeout time.Duration
}

// NewConsumer dials the broker and starts consuming the configured queues.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	if cfg.ActivityQueue == "" && cfg.SignalQueue == "" {
		return nil, fmt.Errorf("amqp activity or signal queue is required")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 256
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel error: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq qos: %w", err)
	}

	c := &Consumer{conn: conn, ch: ch, blockTimeout: cfg.BlockTimeout}
	if c.activity, err = consume(ch, cfg.ActivityQueue); err != nil {
		conn.Close()
		return nil, err
	}
	if c.signals, err = consume(ch, cfg.SignalQueue); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func consume(ch *amqp.Channel, queue string) (<-chan amqp.Delivery, error) {
	if queue == "" {
		return nil, nil
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("rabbitmq declare queue %s: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq consume %s: %w", queue, err)
	}
	return deliveries, nil
}

// Pop waits for the next delivery from either queue. A zero Message means the wait timed out.
func (c *Consumer) Pop(ctx context.Context) (input.Message, error) {
	timer := time.NewTimer(c.blockTimeout)
	defer timer.Stop()

	var (
		d    amqp.Delivery
		ok   bool
		kind input.Kind
	)
	select {
	case <-ctx.Done():
		return input.Message{}, ctx.Err()
	case <-timer.C:
		return input.Message{}, nil
	case d, ok = <-c.activity:
		kind = input.KindActivity
	case d, ok = <-c.signals:
		kind = input.KindSignal
	}
	if !ok {
		return input.Message{}, fmt.Errorf("rabbitmq %s delivery channel closed", kind)
	}
	if err := d.Ack(false); err != nil {
		return input.Message{}, fmt.Errorf("rabbitmq ack: %w", err)
	}
	return input.Message{Kind: kind, Payload: d.Body}, nil
}

// Close closes the channel and connection.
func (c *Consumer) Close() error {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}
