package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"repairhub/pkg/domain"
)

const BookingCreatedRoutingKey = "booking.created"

type AMQPConfig struct {
	URL      string
	Exchange string
}

// AMQPPublisher announces confirmed bookings on a topic exchange so dispatch
// (runners, technicians) can pick them up.
type AMQPPublisher struct {
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex
	ch *amqp.Channel
}

func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = "repairhub.dispatch"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, exchange: exchange, ch: ch}, nil
}

// PublishBooking sends a persistent booking.created event.
func (p *AMQPPublisher) PublishBooking(ctx context.Context, event domain.BookingEvent) error {
	msg, err := bookingMessage(event, time.Now().UTC())
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, p.exchange, BookingCreatedRoutingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish booking event: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}

func bookingMessage(event domain.BookingEvent, now time.Time) (amqp.Publishing, error) {
	if strings.TrimSpace(event.BookingID) == "" {
		return amqp.Publishing{}, errors.New("booking event requires a booking id")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode booking event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.BookingID,
		Type:         BookingCreatedRoutingKey,
		Timestamp:    now,
		Body:         body,
	}, nil
}
