package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"whisper-gateway/internal/apperr"
	"whisper-gateway/internal/audio"
	"whisper-gateway/internal/health"
)

// ProcessConfig configures a ProcessBackend.
type ProcessConfig struct {
	Pool   PoolConfig
	TmpDir string
	Model  string
}

// ProcessBackend runs inference in persistent local worker processes that
// speak line-delimited JSON over stdin/stdout.
type ProcessBackend struct {
	pool   *ProcessPool
	tmpDir string
	model  string
	log    zerolog.Logger
}

// NewProcessBackend creates the backend and starts loading the model in the
// background. It fails only when the scratch directory cannot be created.
func NewProcessBackend(cfg ProcessConfig, log zerolog.Logger) (*ProcessBackend, error) {
	if err := os.MkdirAll(cfg.TmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tmp dir %s: %w", cfg.TmpDir, err)
	}
	pool := NewProcessPool(cfg.Pool, log)
	pool.Start()
	return &ProcessBackend{
		pool:   pool,
		tmpDir: cfg.TmpDir,
		model:  cfg.Model,
		log:    log,
	}, nil
}

func (b *ProcessBackend) Name() string { return "process" }

// Transcribe writes the clip to a scratch file and hands its path to an idle
// worker process. Once the request is written the call runs to completion;
// ctx is checked only before that point.
func (b *ProcessBackend) Transcribe(ctx context.Context, clip *audio.Normalized, language string) (*Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(b.tmpDir, uuid.NewString()+"."+clip.Format)
	if err := os.WriteFile(path, clip.Data, 0o600); err != nil {
		return nil, apperr.Internal(fmt.Errorf("write scratch file: %w", err))
	}
	defer os.Remove(path)

	lang := language
	if lang == audio.AutoDetect {
		lang = ""
	}

	start := time.Now()
	resp, err := b.pool.Execute(workerRequest{AudioFilePath: path, Language: lang})
	if err != nil {
		if errors.Is(err, ErrNoProcess) {
			return nil, apperr.BackendUnavailable(err.Error()).WithCause(err)
		}
		return nil, apperr.Inference(err.Error()).WithCause(err)
	}
	if !resp.Success {
		msg := strings.TrimSpace(resp.ErrorMessage)
		if msg == "" {
			msg = "worker reported failure"
		}
		return nil, apperr.Inference(msg)
	}

	b.log.Debug().
		Dur("elapsed", time.Since(start)).
		Int("segments", len(resp.Segments)).
		Msg("Process transcription complete")

	t := &Transcript{
		Text:                resp.Text,
		Language:            resp.Language,
		LanguageProbability: resp.LanguageProbability,
		Duration:            resp.Duration,
		Segments:            resp.Segments,
	}
	if t.Language == "" && language != audio.AutoDetect {
		t.Language = language
	}
	return finalize(t, clip.Duration), nil
}

// HealthCheck maps the pool state.
func (b *ProcessBackend) HealthCheck(ctx context.Context) health.State {
	if ctx.Err() != nil {
		return health.Unavailable
	}
	state, err := b.pool.State()
	switch state {
	case PoolReady:
		return health.Ready
	case PoolStarting:
		return health.Starting
	}
	if err != nil {
		b.log.Debug().Err(err).Msg("Worker pool failed")
	}
	return health.Unavailable
}

// Stats exposes the pool counters for /stats.
func (b *ProcessBackend) Stats() map[string]int {
	return b.pool.Stats()
}

// Close kills all worker processes.
func (b *ProcessBackend) Close(ctx context.Context) error {
	b.pool.Shutdown(ctx)
	return nil
}
