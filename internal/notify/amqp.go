package notify

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/keydex/keydex/internal/index"
)

// AMQPBackend publishes notifications to an AMQP/RabbitMQ topic exchange.
type AMQPBackend struct {
	url        string
	exchange   string
	routingKey string
	mu         sync.Mutex
	conn       *amqp.Connection
	ch         *amqp.Channel
	closed     bool
}

// NewAMQPBackend creates an AMQP notification backend.
// Connection is established lazily on first publish.
func NewAMQPBackend(url, exchange, routingKey string) *AMQPBackend {
	return &AMQPBackend{
		url:        url,
		exchange:   exchange,
		routingKey: routingKey,
	}
}

func (a *AMQPBackend) Name() string {
	return "amqp"
}

func (a *AMQPBackend) channel() (*amqp.Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("amqp backend closed")
	}
	if a.ch != nil {
		return a.ch, nil
	}

	conn, err := amqp.Dial(a.url)
	if err != nil {
		return nil, fmt.Errorf("amqp connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp declare exchange: %w", err)
	}

	a.conn = conn
	a.ch = ch
	return ch, nil
}

// Publish sends a message to the AMQP exchange. With no configured routing
// key, messages are routed by event type so consumers can bind selectively.
func (a *AMQPBackend) Publish(ctx context.Context, ev index.Event, payload []byte) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}

	key := a.routingKey
	if key == "" {
		key = ev.Type
	}
	err = ch.PublishWithContext(ctx, a.exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		// Drop the broken channel so the next publish reconnects
		a.mu.Lock()
		if a.ch == ch {
			a.ch = nil
			if a.conn != nil {
				a.conn.Close()
				a.conn = nil
			}
		}
		a.mu.Unlock()
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (a *AMQPBackend) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	var err error
	if a.ch != nil {
		err = a.ch.Close()
		a.ch = nil
	}
	if a.conn != nil {
		if cerr := a.conn.Close(); err == nil {
			err = cerr
		}
		a.conn = nil
	}
	return err
}
