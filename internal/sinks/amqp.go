package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig configures the AMQP publisher Sink.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// AMQP is a Sink that publishes each record to an AMQP exchange, for
// deployments that front the audit/event sinks with a queue.
type AMQP struct {
	cfg  AMQPConfig
	mu   sync.RWMutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// NewAMQP dials cfg.URL and opens a channel for publishing.
func NewAMQP(cfg AMQPConfig) (*AMQP, error) {
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("sinks: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sinks: amqp channel: %w", err)
	}
	return &AMQP{cfg: cfg, conn: conn, ch: ch}, nil
}

// Append publishes record as JSON to the configured exchange/routing key.
func (a *AMQP) Append(ctx context.Context, record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("sinks: marshal record: %w", err)
	}

	a.mu.RLock()
	ch := a.ch
	a.mu.RUnlock()

	return ch.PublishWithContext(ctx,
		a.cfg.Exchange,
		a.cfg.RoutingKey,
		false, false,
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        payload,
		},
	)
}

// Close tears down the channel and connection.
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
