package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	// Connection retry settings
	maxRetries    = 10
	retryInterval = 5 * time.Second
)

// Connect dials RabbitMQ, retrying until maxRetries attempts fail or ctx is done.
func Connect(ctx context.Context, url string, log zerolog.Logger) (*amqp.Connection, error) {
	var err error
	for i := 0; i < maxRetries; i++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(url)
		if err == nil {
			log.Info().Msg("RabbitMQ connected")
			return conn, nil
		}

		if i < maxRetries-1 {
			log.Warn().Err(err).
				Int("attempt", i+1).
				Int("max", maxRetries).
				Str("retry_in", retryInterval.String()).
				Msg("RabbitMQ connection failed")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryInterval):
			}
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxRetries, err)
}
