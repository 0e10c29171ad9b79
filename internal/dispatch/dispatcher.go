// Package dispatch admits transcription requests into a bounded FIFO queue
// and runs them on a fixed set of workers.
package dispatch

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"whisper-gateway/internal/apperr"
	"whisper-gateway/internal/audio"
	"whisper-gateway/internal/backend"
	"whisper-gateway/internal/logging"
	"whisper-gateway/internal/metrics"
)

// Transcriber is the backend capability the dispatcher needs.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, clip *audio.Normalized, language string) (*backend.Transcript, error)
}

// Observer receives backend-attributable outcomes.
type Observer interface {
	RecordSuccess()
	RecordFailure(err error)
}

// Config configures a Dispatcher.
type Config struct {
	// Capacity bounds queued plus in-flight requests.
	Capacity int
	// Concurrency is the number of workers calling the backend.
	Concurrency int
	// Timeout bounds the total wait of one request, queue time included.
	Timeout time.Duration
}

// Request is one transcription job. ID is assigned by Submit;
// CorrelationID is the caller's own reference and need not be unique.
type Request struct {
	ID            string
	CorrelationID string
	Audio         *audio.Normalized
	Language      string
}

// Result is a completed transcription.
type Result struct {
	ID            string
	CorrelationID string
	Transcript    *backend.Transcript
	Arrived       time.Time
	QueueWait     time.Duration
	Inference     time.Duration
	Completed     time.Time
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Capacity    int    `json:"capacity"`
	Concurrency int    `json:"concurrency"`
	Queued      int    `json:"queued"`
	InFlight    int    `json:"in_flight"`
	Backend     string `json:"backend"`
	// Workers holds backend process counters when the backend reports them.
	Workers map[string]int `json:"workers,omitempty"`
}

type workerStats interface {
	Stats() map[string]int
}

type slotState int

const (
	slotQueued slotState = iota
	slotRunning
	slotAbandoned
	slotDone
)

type outcome struct {
	result *Result
	err    error
}

// slot tracks one request. state and elem are guarded by Dispatcher.mu;
// done receives exactly one outcome unless the caller abandoned the slot.
type slot struct {
	req      Request
	elem     *list.Element
	state    slotState
	admitted time.Time
	done     chan outcome
}

// Dispatcher owns the request queue.
type Dispatcher struct {
	backend  Transcriber
	observer Observer
	metrics  *metrics.Dispatch
	cfg      Config
	log      zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    *list.List
	inFlight int
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher and starts its workers. observer and m may be nil.
func New(b Transcriber, observer Observer, cfg Config, m *metrics.Dispatch, log zerolog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Capacity < cfg.Concurrency {
		cfg.Capacity = cfg.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		backend:  b,
		observer: observer,
		metrics:  m,
		cfg:      cfg,
		log:      log,
		queue:    list.New(),
		ctx:      ctx,
		cancel:   cancel,
	}
	d.cond = sync.NewCond(&d.mu)

	for i := 0; i < cfg.Concurrency; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.log.Info().
		Int("capacity", cfg.Capacity).
		Int("concurrency", cfg.Concurrency).
		Str("timeout", cfg.Timeout.String()).
		Msg("Dispatcher started")
	return d
}

// Submit admits req and waits for its outcome. It fails fast with
// apperr.QueueFull when the dispatcher is at capacity, with apperr.Timeout
// when the total wait exceeds the configured timeout, and with ctx.Err()
// when the caller gives up first. A request that already reached the
// backend is not interrupted; its result is discarded.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*Result, error) {
	req.ID = uuid.NewString()
	s := &slot{
		req:      req,
		admitted: time.Now(),
		done:     make(chan outcome, 1),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return d.finish(nil, apperr.BackendUnavailable("gateway is shutting down"))
	}
	if d.queue.Len()+d.inFlight >= d.cfg.Capacity {
		d.mu.Unlock()
		d.log.Warn().Str(logging.FieldCorrelationID, req.CorrelationID).Int("capacity", d.cfg.Capacity).Msg("Queue full, rejecting request")
		return d.finish(nil, apperr.QueueFull(d.cfg.Capacity))
	}
	s.elem = d.queue.PushBack(s)
	depth := d.queue.Len()
	d.cond.Signal()
	d.mu.Unlock()

	d.metrics.Queued(d.ctx, 1)
	d.log.Debug().
		Str(logging.FieldRequestID, req.ID).
		Str(logging.FieldCorrelationID, req.CorrelationID).
		Int("queued", depth).
		Msg("Request admitted")

	timer := time.NewTimer(d.cfg.Timeout)
	defer timer.Stop()

	select {
	case o := <-s.done:
		return d.finish(o.result, o.err)
	case <-timer.C:
		d.log.Warn().Str(logging.FieldRequestID, req.ID).Dur("waited", time.Since(s.admitted)).Msg("Request timed out")
		return d.finish(d.abandon(s, apperr.Timeout(d.cfg.Timeout)))
	case <-ctx.Done():
		d.log.Debug().Str(logging.FieldRequestID, req.ID).Err(ctx.Err()).Msg("Caller gave up")
		return d.finish(d.abandon(s, ctx.Err()))
	}
}

// abandon withdraws s on behalf of its caller. A queued slot is evicted, a
// running slot is marked so its result is dropped, and a slot that already
// completed yields its real outcome.
func (d *Dispatcher) abandon(s *slot, cause error) (*Result, error) {
	d.mu.Lock()
	switch s.state {
	case slotQueued:
		d.queue.Remove(s.elem)
		s.state = slotAbandoned
		d.mu.Unlock()
		d.metrics.Queued(d.ctx, -1)
		return nil, cause
	case slotRunning:
		s.state = slotAbandoned
		d.mu.Unlock()
		return nil, cause
	}
	d.mu.Unlock()
	o := <-s.done
	return o.result, o.err
}

func (d *Dispatcher) finish(r *Result, err error) (*Result, error) {
	code := "OK"
	if err != nil {
		code = string(apperr.CodeOf(err))
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			code = "CANCELED"
		}
	}
	d.metrics.Outcome(d.ctx, code)
	return r, err
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for d.queue.Len() == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.queue.Len() == 0 {
			d.mu.Unlock()
			return
		}
		s := d.queue.Remove(d.queue.Front()).(*slot)
		s.state = slotRunning
		d.inFlight++
		d.mu.Unlock()

		d.metrics.Queued(d.ctx, -1)
		d.metrics.InFlight(d.ctx, 1)
		d.run(id, s)
	}
}

func (d *Dispatcher) run(worker int, s *slot) {
	wait := time.Since(s.admitted)
	start := time.Now()
	t, err := d.call(s.req)
	elapsed := time.Since(start)

	d.metrics.InFlight(d.ctx, -1)
	d.metrics.Inference(d.ctx, d.backend.Name(), err == nil, elapsed)
	d.report(err)

	var o outcome
	if err != nil {
		o.err = err
	} else {
		o.result = &Result{
			ID:            s.req.ID,
			CorrelationID: s.req.CorrelationID,
			Transcript:    t,
			Arrived:       s.admitted,
			QueueWait:     wait,
			Inference:     elapsed,
			Completed:     start.Add(elapsed),
		}
	}

	d.mu.Lock()
	d.inFlight--
	abandoned := s.state == slotAbandoned
	s.state = slotDone
	if !abandoned {
		s.done <- o
	}
	d.mu.Unlock()

	ev := d.log.Debug()
	if abandoned {
		ev = d.log.Warn()
		d.metrics.Discarded(d.ctx)
	}
	ev.Str(logging.FieldRequestID, s.req.ID).
		Int("worker", worker).
		Dur("queue_wait", wait).
		Dur(logging.FieldDuration, elapsed).
		Bool("discarded", abandoned).
		Err(err).
		Msg("Backend call finished")
}

// call runs the backend under the dispatcher's lifetime context.
func (d *Dispatcher) call(req Request) (t *backend.Transcript, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Internal(fmt.Errorf("backend panic: %v", r))
		}
	}()
	t, err = d.backend.Transcribe(d.ctx, req.Audio, req.Language)
	if err == nil && t == nil {
		err = apperr.Inference("backend returned no transcript")
	}
	return t, err
}

func (d *Dispatcher) report(err error) {
	if d.observer == nil {
		return
	}
	switch {
	case err == nil:
		d.observer.RecordSuccess()
	case backend.IsFault(err):
		d.observer.RecordFailure(err)
	}
}

// Stats returns the current queue counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	s := Stats{
		Capacity:    d.cfg.Capacity,
		Concurrency: d.cfg.Concurrency,
		Queued:      d.queue.Len(),
		InFlight:    d.inFlight,
		Backend:     d.backend.Name(),
	}
	d.mu.Unlock()

	if ws, ok := d.backend.(workerStats); ok {
		s.Workers = ws.Stats()
	}
	return s
}

// Close stops admission, fails every queued request with
// apperr.BackendUnavailable and waits for in-flight calls. When ctx expires
// first the lifetime context handed to the backend is canceled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	failed := 0
	for e := d.queue.Front(); e != nil; e = e.Next() {
		s := e.Value.(*slot)
		s.state = slotDone
		s.done <- outcome{err: apperr.BackendUnavailable("gateway is shutting down")}
		failed++
	}
	d.queue.Init()
	d.cond.Broadcast()
	d.mu.Unlock()

	d.metrics.Queued(context.Background(), -int64(failed))
	d.log.Info().Int("failed_queued", failed).Msg("Dispatcher closing")

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	defer d.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight requests: %w", ctx.Err())
	}
}
