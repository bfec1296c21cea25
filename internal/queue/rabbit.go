// Package queue publishes attendance events to RabbitMQ.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/attendcam/internal/events"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends each event as a persistent JSON message. The routing key is
// the configured prefix plus the event kind, e.g. "attendance.checkin".
type Publisher struct {
	conn     *amqp.Connection
	ch       Channel
	Exchange string
	Prefix   string

	mu sync.Mutex
}

// Message is the wire body.
type Message struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Name       string    `json:"name,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// NewPublisher dials amqpURL and declares a durable topic exchange. When queue
// is non-empty it is declared and bound to every key under prefix.
func NewPublisher(amqpURL, exchange, queue, prefix string) (*Publisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if queue != "" {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, prefix+".#", exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}

	p := NewChannelPublisher(ch, exchange, prefix)
	p.conn = conn
	return p, nil
}

// NewChannelPublisher wraps an already open channel.
func NewChannelPublisher(ch Channel, exchange, prefix string) *Publisher {
	return &Publisher{ch: ch, Exchange: exchange, Prefix: prefix}
}

func (p *Publisher) Name() string { return "rabbitmq" }

// RoutingKey returns the key an event of kind is published under.
func (p *Publisher) RoutingKey(kind events.Kind) string {
	if p.Prefix == "" {
		return string(kind)
	}
	return p.Prefix + "." + string(kind)
}

// Deliver publishes ev.
func (p *Publisher) Deliver(ctx context.Context, ev events.Event) error {
	body, err := json.Marshal(Message{
		ID:         ev.ID,
		Kind:       string(ev.Kind),
		Name:       ev.Name,
		Confidence: ev.Confidence,
		Detail:     ev.Detail,
		At:         ev.At,
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx,
		p.Exchange,
		p.RoutingKey(ev.Kind),
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    ev.ID,
			Body:         body,
			Timestamp:    ev.At,
			DeliveryMode: amqp.Persistent,
		},
	)
}

// Close closes the channel and, when owned, the connection.
func (p *Publisher) Close() {
	p.ch.Close()
	if p.conn != nil {
		p.conn.Close()
	}
}
