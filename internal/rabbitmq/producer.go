package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"whisper-gateway/internal/backend"
)

// Producer publishes results and retries.
type Producer struct {
	channel *amqp.Channel
	model   string
}

// NewProducer opens a channel and declares the results and retry topology.
// model is stamped on every published result.
func NewProducer(conn *amqp.Connection, model string, log zerolog.Logger) (*Producer, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declare(channel, resultRoute, retryRoute); err != nil {
		channel.Close()
		return nil, err
	}

	log.Debug().Msg("Producer ready")

	return &Producer{
		channel: channel,
		model:   model,
	}, nil
}

// PublishResult publishes a transcription result to the results queue.
func (p *Producer) PublishResult(ctx context.Context, result TranscriptionResult) error {
	if result.Model == "" {
		result.Model = p.model
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		ResultsExchange,   // exchange
		ResultsRoutingKey, // routing key
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: result.RequestID,
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	return nil
}

// PublishRetry republishes request to the retry queue with its count bumped.
func (p *Producer) PublishRetry(ctx context.Context, request TranscriptionRequest) error {
	request.RetryCount++

	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal retry request: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		RetryExchange,   // exchange
		RetryRoutingKey, // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: request.RequestID,
			Headers: amqp.Table{
				"x-retry-count": int32(request.RetryCount),
			},
			Body: body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish retry: %w", err)
	}
	return nil
}

// PublishError publishes a failed result.
func (p *Producer) PublishError(ctx context.Context, requestID, errorMessage string) error {
	return p.PublishResult(ctx, ErrorResult(requestID, errorMessage))
}

// PublishSuccess publishes a completed transcript.
func (p *Producer) PublishSuccess(ctx context.Context, requestID string, t *backend.Transcript) error {
	return p.PublishResult(ctx, SuccessResult(requestID, t))
}

// ErrorResult builds a failed result message.
func ErrorResult(requestID, errorMessage string) TranscriptionResult {
	return TranscriptionResult{
		RequestID:    requestID,
		Success:      false,
		ErrorMessage: errorMessage,
	}
}

// SuccessResult builds a result message from a transcript.
func SuccessResult(requestID string, t *backend.Transcript) TranscriptionResult {
	return TranscriptionResult{
		RequestID:           requestID,
		Text:                t.Text,
		Language:            t.Language,
		LanguageProbability: t.LanguageProbability,
		Duration:            t.Duration,
		Segments:            t.Segments,
		Success:             true,
	}
}

// ShouldRetry reports whether a job with retryCount attempts may be retried.
func ShouldRetry(retryCount int) bool {
	return retryCount < MaxRetries
}

// Close closes the producer channel.
func (p *Producer) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
