package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/repositories"
)

const (
	RoutingQuoteCreated      = "quote.created"
	RoutingQuoteTransitioned = "quote.transitioned"

	consumerPrefetch = 16
	reconnectDelay   = 5 * time.Second
)

// QuoteHandler applies quote lifecycle events to conversations.
type QuoteHandler interface {
	OnQuoteCreated(ctx context.Context, quote models.Quote) (models.Message, error)
	OnQuoteTransition(ctx context.Context, quoteID string, to models.QuoteState) (models.Message, error)
}

// QuoteEvent is the body the quote service publishes.
type QuoteEvent struct {
	QuoteID        string            `json:"quote_id"`
	ConversationID int64             `json:"conversation_id"`
	State          models.QuoteState `json:"state"`
	AmountCents    int64             `json:"amount_cents"`
	Currency       string            `json:"currency"`
}

type Outcome string

const (
	OutcomeAck     Outcome = "ack"
	OutcomeDropped Outcome = "dropped"
	OutcomeRequeue Outcome = "requeue"
)

type ConsumerConfig struct {
	URL      string
	Exchange string
	Queue    string
}

// QuoteConsumer reads quote events from RabbitMQ and hands them to a
// QuoteHandler.
type QuoteConsumer struct {
	cfg     ConsumerConfig
	handler QuoteHandler
	logger  zerolog.Logger
}

func NewQuoteConsumer(cfg ConsumerConfig, handler QuoteHandler, logger zerolog.Logger) *QuoteConsumer {
	return &QuoteConsumer{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "quote_consumer").Logger(),
	}
}

// Handle processes one delivery body. Only transient store failures are
// worth redelivering; everything else is acked so a poison message cannot
// block the queue.
func (c *QuoteConsumer) Handle(ctx context.Context, routingKey string, body []byte) Outcome {
	ctx, span := observability.Tracer("amqp").Start(ctx, "amqp.consume "+routingKey)
	defer span.End()

	outcome := c.handle(ctx, routingKey, body)
	span.SetAttributes(attribute.String("amqp.outcome", string(outcome)))
	observability.IncAMQPConsumed(routingKey, string(outcome))
	return outcome
}

func (c *QuoteConsumer) handle(ctx context.Context, routingKey string, body []byte) Outcome {
	var evt QuoteEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		c.logger.Warn().Err(err).Str("routing_key", routingKey).Msg("dropping malformed quote event")
		return OutcomeDropped
	}

	var err error
	switch routingKey {
	case RoutingQuoteCreated:
		_, err = c.handler.OnQuoteCreated(ctx, models.Quote{
			ID:             evt.QuoteID,
			ConversationID: evt.ConversationID,
			State:          evt.State,
			AmountCents:    evt.AmountCents,
			Currency:       evt.Currency,
		})
	case RoutingQuoteTransitioned:
		_, err = c.handler.OnQuoteTransition(ctx, evt.QuoteID, evt.State)
	default:
		c.logger.Warn().Str("routing_key", routingKey).Msg("dropping quote event with unknown routing key")
		return OutcomeDropped
	}

	log := c.logger.With().Str("routing_key", routingKey).Str("quote_id", evt.QuoteID).Logger()
	switch {
	case err == nil:
		return OutcomeAck
	case chat.IsTransient(err):
		log.Warn().Err(err).Msg("quote event failed, requeueing")
		return OutcomeRequeue
	case errors.Is(err, repositories.ErrQuoteExists):
		log.Debug().Msg("duplicate quote_created delivery")
		return OutcomeAck
	default:
		log.Warn().Err(err).Msg("dropping quote event")
		return OutcomeDropped
	}
}

// Run consumes until ctx is cancelled, reconnecting after broker failures.
func (c *QuoteConsumer) Run(ctx context.Context) error {
	if c.cfg.URL == "" {
		c.logger.Info().Msg("quote consumer disabled: empty amqp url")
		return nil
	}
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("quote consumer disconnected")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *QuoteConsumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	for _, key := range []string{RoutingQuoteCreated, RoutingQuoteTransitioned} {
		if err := ch.QueueBind(c.cfg.Queue, key, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.logger.Info().Str("exchange", c.cfg.Exchange).Str("queue", c.cfg.Queue).Msg("quote consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			if c.Handle(ctx, d.RoutingKey, d.Body) == OutcomeRequeue {
				err = d.Nack(false, true)
			} else {
				err = d.Ack(false)
			}
			if err != nil {
				return fmt.Errorf("acknowledge: %w", err)
			}
		}
	}
}
