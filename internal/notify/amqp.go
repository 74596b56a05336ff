package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher sends events as persistent JSON messages to a durable queue.
type AMQPPublisher struct {
	mu      sync.Mutex
	channel *amqp091.Channel
	queue   string
}

func Dial(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	return conn, nil
}

func NewAMQPPublisher(conn *amqp091.Connection, queue string) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	return &AMQPPublisher{channel: ch, queue: queue}, nil
}

// newPublishing encodes ev. The message id is unique per event so consumers
// can deduplicate redeliveries without dropping later events.
func newPublishing(ev Event) (amqp091.Publishing, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}

	return amqp091.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp091.Persistent,
		MessageId:     ev.ID.String(),
		CorrelationId: ev.AppointmentID.String(),
		Timestamp:     ev.OccurredAt,
		Type:          ev.Type,
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	msg, err := newPublishing(ev)
	if err != nil {
		return err
	}

	// channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.channel.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	return p.channel.Close()
}
