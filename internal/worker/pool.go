// Package worker processes queued transcription jobs through the dispatcher.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"whisper-gateway/internal/apperr"
	"whisper-gateway/internal/audio"
	"whisper-gateway/internal/backend"
	"whisper-gateway/internal/dispatch"
	"whisper-gateway/internal/logging"
	"whisper-gateway/internal/rabbitmq"
)

// Submitter runs a transcription; *dispatch.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Publisher sends job outcomes; *rabbitmq.Producer satisfies it.
type Publisher interface {
	PublishSuccess(ctx context.Context, requestID string, t *backend.Transcript) error
	PublishError(ctx context.Context, requestID, errorMessage string) error
	PublishRetry(ctx context.Context, request rabbitmq.TranscriptionRequest) error
}

// Config configures a Pool.
type Config struct {
	Workers         int
	DefaultLanguage string
}

// Pool feeds queued jobs into the dispatcher with a fixed number of workers.
// Queued jobs share the dispatcher's capacity with HTTP requests.
type Pool struct {
	submitter Submitter
	publisher Publisher
	validator *audio.Validator
	cfg       Config
	log       zerolog.Logger
}

// NewPool creates a job worker pool.
func NewPool(s Submitter, p Publisher, v *audio.Validator, cfg Config, log zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Pool{
		submitter: s,
		publisher: p,
		validator: v,
		cfg:       cfg,
		log:       log,
	}
}

// Run processes jobs until the channel is closed. Jobs still held when ctx
// is canceled are requeued.
func (p *Pool) Run(ctx context.Context, jobs <-chan rabbitmq.Job) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for job := range jobs {
				p.processJob(ctx, id, job)
			}
		}(i)
	}
	p.log.Info().Int("workers", p.cfg.Workers).Msg("Job workers ready")
	wg.Wait()
	p.log.Info().Msg("Job workers stopped")
	return nil
}

// processJob handles a single transcription job.
func (p *Pool) processJob(ctx context.Context, workerID int, job rabbitmq.Job) {
	request := job.Request
	log := p.log.With().
		Int("worker", workerID).
		Str(logging.FieldRequestID, request.RequestID).
		Int("retry", request.RetryCount).
		Logger()
	log.Debug().Str("path", request.AudioFilePath).Msg("Job received")

	res, err := p.transcribe(ctx, request)
	switch {
	case err == nil:
		if err := p.publisher.PublishSuccess(ctx, request.RequestID, res.Transcript); err != nil {
			log.Error().Err(err).Msg("Publish failed")
			job.Delivery.Nack(false, true)
			return
		}
		job.Delivery.Ack(false)
		log.Info().
			Float64("audio_seconds", res.Transcript.Duration).
			Dur(logging.FieldDuration, res.Inference).
			Msg("Job done")

	case ctx.Err() != nil:
		// Shutting down; let another consumer take it.
		job.Delivery.Nack(false, true)

	case isRetryable(err):
		p.handleFailure(ctx, log, job, err)

	default:
		log.Warn().Err(err).Msg("Job rejected")
		p.publishError(ctx, log, job, err)
	}
}

func (p *Pool) transcribe(ctx context.Context, request rabbitmq.TranscriptionRequest) (*dispatch.Result, error) {
	data, err := os.ReadFile(request.AudioFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.InvalidInput("audio_file_path", "audio file not found: "+request.AudioFilePath)
		}
		return nil, apperr.InvalidInput("audio_file_path", fmt.Sprintf("audio file unreadable: %v", err))
	}
	clip, err := p.validator.Validate(data, request.AudioFilePath)
	if err != nil {
		return nil, err
	}
	lang, err := audio.NormalizeLanguage(request.Language, p.cfg.DefaultLanguage)
	if err != nil {
		return nil, err
	}
	return p.submitter.Submit(ctx, dispatch.Request{
		CorrelationID: request.RequestID,
		Audio:         clip,
		Language:      lang,
	})
}

func isRetryable(err error) bool {
	e, ok := apperr.As(err)
	return ok && e.Retryable
}

// handleFailure retries the job or, once retries are exhausted, publishes
// the error.
func (p *Pool) handleFailure(ctx context.Context, log zerolog.Logger, job rabbitmq.Job, err error) {
	request := job.Request

	if rabbitmq.ShouldRetry(request.RetryCount) {
		log.Warn().Err(err).
			Int("attempt", request.RetryCount+1).
			Int("max", rabbitmq.MaxRetries).
			Msg("Job failed, scheduling retry")
		if err := p.publisher.PublishRetry(ctx, request); err != nil {
			log.Error().Err(err).Msg("Retry publish failed")
			job.Delivery.Nack(false, true)
			return
		}
		job.Delivery.Ack(false)
		return
	}

	log.Error().Err(err).Msg("Job failed, retries exhausted")
	p.publishError(ctx, log, job, err)
}

func (p *Pool) publishError(ctx context.Context, log zerolog.Logger, job rabbitmq.Job, err error) {
	msg := err.Error()
	if e, ok := apperr.As(err); ok {
		msg = e.Message
	}
	if err := p.publisher.PublishError(ctx, job.Request.RequestID, msg); err != nil {
		log.Error().Err(err).Msg("Error publish failed")
		job.Delivery.Nack(false, true)
		return
	}
	job.Delivery.Ack(false)
}
