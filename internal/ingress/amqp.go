package ingress

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/reelforge/api/internal/model"
)

type AMQPConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

// AMQPConsumer reads envelopes from a durable queue. Accepted and invalid
// messages are acked or dropped; anything else is requeued.
type AMQPConsumer struct {
	cfg       AMQPConfig
	submitter Submitter
	logger    zerolog.Logger
}

func NewAMQPConsumer(cfg AMQPConfig, s Submitter, logger zerolog.Logger) *AMQPConsumer {
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	return &AMQPConsumer{
		cfg:       cfg,
		submitter: s,
		logger:    logger.With().Str("component", "amqp-ingress").Str("queue", cfg.Queue).Logger(),
	}
}

// Run consumes until ctx is done or the broker closes the channel.
func (c *AMQPConsumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	channel, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer channel.Close()

	if _, err := channel.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp declare %s: %w", c.cfg.Queue, err)
	}
	if err := channel.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}

	messages, err := channel.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	c.logger.Info().Msg("consuming submissions")

	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return fmt.Errorf("amqp delivery channel closed")
			}
			reply, jobID := c.Handle(message)
			if reply && jobID != "" {
				c.reply(ctx, channel, message, jobID)
			}
		}
	}
}

// Handle submits one delivery and settles it. It reports whether the sender
// asked for a reply and the id of the created job.
func (c *AMQPConsumer) Handle(message amqp.Delivery) (bool, string) {
	jobID, err := decode(c.submitter, message.Body, "amqp")
	switch {
	case err == nil:
		if err := message.Ack(false); err != nil {
			c.logger.Error().Err(err).Str("jobId", jobID).Msg("ack failed")
		}
		c.logger.Info().Str("jobId", jobID).Msg("job submitted")
		return message.ReplyTo != "", jobID

	case permanent(err):
		c.logger.Warn().Err(err).Str("messageId", message.MessageId).Msg("dropping invalid submission")
		if err := message.Nack(false, false); err != nil {
			c.logger.Error().Err(err).Msg("nack failed")
		}

	default:
		c.logger.Error().Err(err).Str("messageId", message.MessageId).Msg("submission failed, requeueing")
		if err := message.Nack(false, true); err != nil {
			c.logger.Error().Err(err).Msg("nack failed")
		}
	}
	return false, ""
}

func (c *AMQPConsumer) reply(ctx context.Context, channel *amqp.Channel, message amqp.Delivery, jobID string) {
	body, _ := json.Marshal(model.SubmitJobResponse{JobID: jobID})
	err := channel.PublishWithContext(ctx, "", message.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: message.CorrelationId,
		Body:          body,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("jobId", jobID).Msg("reply failed")
	}
}
