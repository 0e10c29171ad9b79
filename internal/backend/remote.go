package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"whisper-gateway/internal/apperr"
	"whisper-gateway/internal/audio"
	"whisper-gateway/internal/health"
)

const defaultRemoteTimeout = 5 * time.Minute

// RemoteConfig configures a RemoteBackend.
type RemoteConfig struct {
	URL     string
	Timeout time.Duration
}

// RemoteBackend calls a whisper.cpp style HTTP inference server.
type RemoteBackend struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

// NewRemoteBackend creates a backend for the server at cfg.URL.
func NewRemoteBackend(cfg RemoteConfig, log zerolog.Logger) *RemoteBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRemoteTimeout
	}
	return &RemoteBackend{
		url:    strings.TrimRight(cfg.URL, "/"),
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

func (b *RemoteBackend) Name() string { return "remote" }

// remoteResponse is the verbose_json body; whisper.cpp reports the language
// confidence as detected_language_probability.
type remoteResponse struct {
	Text                        string    `json:"text"`
	Language                    string    `json:"language"`
	LanguageProbability         float64   `json:"language_probability"`
	DetectedLanguageProbability float64   `json:"detected_language_probability"`
	Duration                    float64   `json:"duration"`
	Segments                    []Segment `json:"segments"`
}

// Transcribe posts the clip to {url}/inference.
func (b *RemoteBackend) Transcribe(ctx context.Context, clip *audio.Normalized, language string) (*Transcript, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "audio."+clip.Format)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("create form file: %w", err))
	}
	if _, err := part.Write(clip.Data); err != nil {
		return nil, apperr.Internal(fmt.Errorf("write audio data: %w", err))
	}
	_ = writer.WriteField("language", language)
	_ = writer.WriteField("response_format", "verbose_json")
	_ = writer.WriteField("temperature", "0.0")
	if err := writer.Close(); err != nil {
		return nil, apperr.Internal(fmt.Errorf("close multipart body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+"/inference", &buf)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, apperr.BackendUnavailable("inference server unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, apperr.BackendUnavailable("inference server is loading")
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e := apperr.Inference(fmt.Sprintf("inference server returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body))))
		if resp.StatusCode >= http.StatusInternalServerError {
			e = e.WithCause(fmt.Errorf("%w: status %d", ErrEngineFault, resp.StatusCode))
		}
		return nil, e
	}

	var result remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperr.Inference("malformed inference response").
			WithCause(fmt.Errorf("%w: %w", ErrEngineFault, err))
	}

	t := &Transcript{
		Text:                result.Text,
		Language:            result.Language,
		LanguageProbability: result.LanguageProbability,
		Duration:            result.Duration,
		Segments:            result.Segments,
	}
	if t.LanguageProbability == 0 {
		t.LanguageProbability = result.DetectedLanguageProbability
	}
	if t.Language == "" && language != audio.AutoDetect {
		t.Language = language
	}
	return finalize(t, clip.Duration), nil
}

// HealthCheck maps GET {url}/health: 200 is ready, 503 is still loading.
func (b *RemoteBackend) HealthCheck(ctx context.Context) health.State {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url+"/health", nil)
	if err != nil {
		return health.Unavailable
	}
	resp, err := b.client.Do(req)
	if err != nil {
		b.log.Debug().Err(err).Msg("Health request failed")
		return health.Unavailable
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return health.Ready
	case http.StatusServiceUnavailable:
		return health.Starting
	}
	return health.Unavailable
}

// Close releases idle connections.
func (b *RemoteBackend) Close(ctx context.Context) error {
	b.client.CloseIdleConnections()
	return nil
}
