package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker names shared with the job producers and result consumers.
const (
	MainQueue      = "whisper_transcriptions"
	MainExchange   = "whisper_exchange"
	MainRoutingKey = "transcription.request"

	ResultsQueue      = "whisper_results"
	ResultsExchange   = "whisper_results_exchange"
	ResultsRoutingKey = "transcription.result"

	RetryExchange   = "whisper_retry_exchange"
	RetryRoutingKey = "transcription.retry"
	RetryQueue      = "whisper_retry_queue"
	RetryTTLMs      = 5000

	// MaxRetries is the number of republishes after the first attempt.
	MaxRetries = 2
)

// route is one durable direct exchange bound to one durable queue.
type route struct {
	exchange string
	queue    string
	key      string
	args     amqp.Table
}

var (
	requestRoute = route{exchange: MainExchange, queue: MainQueue, key: MainRoutingKey}
	resultRoute  = route{exchange: ResultsExchange, queue: ResultsQueue, key: ResultsRoutingKey}
	// Retries sit out the TTL, then dead-letter back onto the request route.
	retryRoute = route{
		exchange: RetryExchange,
		queue:    RetryQueue,
		key:      RetryRoutingKey,
		args: amqp.Table{
			"x-message-ttl":             int32(RetryTTLMs),
			"x-dead-letter-exchange":    MainExchange,
			"x-dead-letter-routing-key": MainRoutingKey,
		},
	}
)

// declarer is the subset of *amqp.Channel used to declare routes.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

func declare(ch declarer, routes ...route) error {
	for _, r := range routes {
		if err := ch.ExchangeDeclare(r.exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", r.exchange, err)
		}
		if _, err := ch.QueueDeclare(r.queue, true, false, false, false, r.args); err != nil {
			return fmt.Errorf("declare queue %s: %w", r.queue, err)
		}
		if err := ch.QueueBind(r.queue, r.key, r.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", r.queue, err)
		}
	}
	return nil
}
