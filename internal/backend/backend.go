// Package backend defines the transcription engine interface and its
// local-process and remote-service implementations.
package backend

import (
	"context"
	"errors"

	"whisper-gateway/internal/apperr"
	"whisper-gateway/internal/audio"
	"whisper-gateway/internal/health"
)

// ErrEngineFault marks a failure of the engine itself rather than of the
// audio it was given: a broken worker pipe, a 5xx or an unparseable reply.
var ErrEngineFault = errors.New("engine fault")

// IsFault reports whether err should count against backend health. An
// engine rejecting undecodable audio is an inference error but not a fault.
func IsFault(err error) bool {
	return apperr.Is(err, apperr.CodeBackendUnavailable) || errors.Is(err, ErrEngineFault)
}

// Word is one recognized word with its timing and confidence.
type Word struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

// Segment is a timed span of transcript text, offsets in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []Word  `json:"words,omitempty"`
}

// Transcript is what an engine produced for one clip.
type Transcript struct {
	Text                string    `json:"text"`
	Language            string    `json:"language,omitempty"`
	LanguageProbability float64   `json:"language_probability,omitempty"`
	Duration            float64   `json:"duration,omitempty"`
	Segments            []Segment `json:"segments"`
}

// Words flattens the per-segment words in order.
func (t *Transcript) Words() []Word {
	n := 0
	for _, s := range t.Segments {
		n += len(s.Words)
	}
	words := make([]Word, 0, n)
	for _, s := range t.Segments {
		words = append(words, s.Words...)
	}
	return words
}

// Backend is a transcription engine.
//
// Transcribe may block for the whole inference and must not be called on a
// latency-sensitive path. It fails with apperr.BackendUnavailable when the
// engine is not ready and apperr.Inference when the engine failed on the
// audio; neither is retried here.
type Backend interface {
	Name() string
	Transcribe(ctx context.Context, clip *audio.Normalized, language string) (*Transcript, error)
	HealthCheck(ctx context.Context) health.State
	Close(ctx context.Context) error
}
