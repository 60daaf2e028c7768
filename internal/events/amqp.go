package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	defaultExchangeType = "topic"
	routingKeyPrefix    = "favorites."
)

var errPublisherClosed = errors.New("amqp publisher is closed")

// AMQPConfig describes the broker connection used to mirror change events.
type AMQPConfig struct {
	URL      string
	Exchange string
	Logger   *zap.Logger
}

// AMQPPublisher publishes change events to a durable topic exchange. The routing key is
// "favorites.<kind>".
type AMQPPublisher struct {
	mu         sync.Mutex
	exchange   string
	connection *amqp.Connection
	channel    *amqp.Channel
	logger     *zap.Logger
}

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(cfg AMQPConfig) (*AMQPPublisher, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		return nil, errors.New("amqp exchange is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	connection, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, defaultExchangeType, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = connection.Close()
		return nil, fmt.Errorf("amqp declare exchange %q: %w", exchange, err)
	}
	logger.Info("amqp publisher ready", zap.String("exchange", exchange))

	return &AMQPPublisher{
		exchange:   exchange,
		connection: connection,
		channel:    channel,
		logger:     logger,
	}, nil
}

// Publish implements Publisher.
func (p *AMQPPublisher) Publish(ctx context.Context, event ChangeEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("amqp encode event: %w", err)
	}
	message := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.At,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil || p.connection == nil || p.connection.IsClosed() {
		return errPublisherClosed
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, RoutingKey(event.Kind), false, false, message); err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	p.logger.Debug("change event published",
		zap.String("event_id", event.ID),
		zap.String("kind", string(event.Kind)))
	return nil
}

// Close releases the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		p.channel = nil
	}
	if p.connection != nil {
		if err := p.connection.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		p.connection = nil
	}
	return errors.Join(errs...)
}

// RoutingKey returns the topic routing key for kind.
func RoutingKey(kind Kind) string {
	return routingKeyPrefix + string(kind)
}
