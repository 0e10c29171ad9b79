package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const consumerTag = "whisper-gateway"

// Consumer handles consuming messages from RabbitMQ.
type Consumer struct {
	channel *amqp.Channel
	queue   string
	log     zerolog.Logger
}

// NewConsumer opens a channel, declares the request topology and sets QoS.
func NewConsumer(conn *amqp.Connection, prefetchCount int, log zerolog.Logger) (*Consumer, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declare(channel, requestRoute); err != nil {
		channel.Close()
		return nil, err
	}

	// Prefetch equals the number of job workers
	if err := channel.Qos(prefetchCount, 0, false); err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	return &Consumer{
		channel: channel,
		queue:   MainQueue,
		log:     log,
	}, nil
}

// Consume starts consuming and returns a channel of decoded jobs. The
// channel is closed when ctx is done or the broker stops delivering.
// Undecodable messages are rejected without requeue.
func (c *Consumer) Consume(ctx context.Context) (<-chan Job, error) {
	msgs, err := c.channel.Consume(
		c.queue,     // queue
		consumerTag, // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	jobs := make(chan Job)
	go func() {
		defer close(jobs)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					c.log.Warn().Msg("Delivery channel closed")
					return
				}
				job, err := decodeJob(msg)
				if err != nil {
					c.log.Warn().Err(err).Msg("Invalid message")
					msg.Nack(false, false)
					continue
				}
				select {
				case jobs <- job:
				case <-ctx.Done():
					msg.Nack(false, true)
					return
				}
			}
		}
	}()

	c.log.Info().Str("queue", c.queue).Msg("Started consuming")
	return jobs, nil
}

func decodeJob(msg amqp.Delivery) (Job, error) {
	var request TranscriptionRequest
	if err := json.Unmarshal(msg.Body, &request); err != nil {
		return Job{}, fmt.Errorf("decode request: %w", err)
	}
	if strings.TrimSpace(request.AudioFilePath) == "" {
		return Job{}, fmt.Errorf("request %q has no audio_file_path", request.RequestID)
	}
	if request.RequestID == "" {
		request.RequestID = uuid.NewString()
	}
	request.RetryCount = max(request.RetryCount, retryCountHeader(msg.Headers))
	return Job{Request: request, Delivery: msg}, nil
}

func retryCountHeader(h amqp.Table) int {
	switch v := h["x-retry-count"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Close closes the consumer channel, which stops deliveries.
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
