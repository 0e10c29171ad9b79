// Package rabbitmq provides the AMQP transport for queued transcription jobs.
package rabbitmq

import "whisper-gateway/internal/backend"

// TranscriptionRequest is an incoming transcription job.
type TranscriptionRequest struct {
	RequestID     string `json:"request_id"`
	AudioFilePath string `json:"audio_file_path"`
	Language      string `json:"language,omitempty"`
	RetryCount    int    `json:"retry_count,omitempty"`
}

// TranscriptionResult is published for every job that leaves the queue.
type TranscriptionResult struct {
	RequestID           string            `json:"request_id"`
	Text                string            `json:"text"`
	Language            string            `json:"language,omitempty"`
	LanguageProbability float64           `json:"language_probability,omitempty"`
	Duration            float64           `json:"duration"`
	Segments            []backend.Segment `json:"segments,omitempty"`
	Model               string            `json:"model"`
	Success             bool              `json:"success"`
	ErrorMessage        string            `json:"error_message,omitempty"`
}

// Acknowledger settles a delivery. amqp.Delivery satisfies it.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Job is a decoded request with its delivery for ACK/NACK.
type Job struct {
	Request  TranscriptionRequest
	Delivery Acknowledger
}
