// Package health tracks backend readiness for the /health endpoint.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"whisper-gateway/internal/logging"
)

// State is the backend readiness state.
type State int32

const (
	Starting State = iota
	Ready
	Degraded
	Unavailable
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	}
	return "unknown"
}

// MarshalText encodes the state as its lower-case name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Prober is the part of a backend the monitor polls.
type Prober interface {
	Name() string
	HealthCheck(ctx context.Context) State
}

// Config configures a Monitor.
type Config struct {
	Interval         time.Duration
	FailureThreshold int
	Model            string
}

// Snapshot is a point-in-time view of the monitor.
type Snapshot struct {
	Status              State     `json:"status"`
	Backend             string    `json:"backend"`
	Model               string    `json:"model,omitempty"`
	Since               time.Time `json:"since"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Monitor owns the backend state. Transitions happen only through Probe,
// RecordSuccess and RecordFailure; State is a lock-free read.
type Monitor struct {
	prober Prober
	cfg    Config
	log    zerolog.Logger

	state atomic.Int32

	mu       sync.Mutex
	since    time.Time
	failures int
	lastErr  string
}

// NewMonitor creates a monitor in the Starting state.
func NewMonitor(prober Prober, cfg Config, log zerolog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	m := &Monitor{
		prober: prober,
		cfg:    cfg,
		log:    log,
		since:  time.Now(),
	}
	m.state.Store(int32(Starting))
	return m
}

// State returns the current state without blocking.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Snapshot returns the state with its bookkeeping.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Status:              m.State(),
		Backend:             m.prober.Name(),
		Model:               m.cfg.Model,
		Since:               m.since,
		ConsecutiveFailures: m.failures,
		LastError:           m.lastErr,
	}
}

// Run probes immediately and then every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Probe(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe polls the backend once and applies the result.
func (m *Monitor) Probe(ctx context.Context) State {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Interval)
	defer cancel()
	observed := m.prober.HealthCheck(probeCtx)

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.State()
	switch {
	case observed == Ready:
		m.failures = 0
		m.lastErr = ""
		m.transition(Ready, "probe succeeded")
	case observed == Starting && current == Starting:
		// Still loading the model.
	default:
		m.failures++
		m.lastErr = "health probe reported " + observed.String()
		if m.failures >= m.cfg.FailureThreshold {
			m.transition(Unavailable, m.lastErr)
		} else {
			m.log.Warn().
				Int("failures", m.failures).
				Int("threshold", m.cfg.FailureThreshold).
				Str("observed", observed.String()).
				Msg("Backend health probe failed")
		}
	}
	return m.State()
}

// RecordSuccess is called after a transcription completed.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
	m.lastErr = ""
	m.transition(Ready, "transcription succeeded")
}

// RecordFailure is called after a transcription failed for a reason
// attributable to the backend.
func (m *Monitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.lastErr = err.Error()
	}
	if m.State() == Ready {
		m.transition(Degraded, m.lastErr)
	}
}

// transition must be called with mu held.
func (m *Monitor) transition(to State, reason string) {
	from := m.State()
	if from == to {
		return
	}
	m.state.Store(int32(to))
	m.since = time.Now()

	ev := m.log.Info()
	if to == Degraded || to == Unavailable {
		ev = m.log.Warn()
	}
	ev.Str("from", from.String()).
		Str(logging.FieldState, to.String()).
		Str("reason", reason).
		Msg("Backend state changed")
}
