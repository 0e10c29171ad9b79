package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoProcess is returned when no worker process can be acquired.
var ErrNoProcess = errors.New("no available worker process")

// ErrProcessIO is returned when talking to a process failed mid-request.
var ErrProcessIO = fmt.Errorf("worker process i/o failed: %w", ErrEngineFault)

// workerRequest is the JSON line sent to a worker process via stdin.
type workerRequest struct {
	AudioFilePath string `json:"audio_file_path"`
	Language      string `json:"language,omitempty"`
}

// workerResponse is the JSON line received from a worker process via stdout.
type workerResponse struct {
	Success      bool      `json:"success"`
	Text         string    `json:"text,omitempty"`
	Language     string    `json:"language,omitempty"`
	Duration     float64   `json:"duration,omitempty"`
	Segments     []Segment `json:"segments,omitempty"`
	// LanguageProbability is the engine's confidence in Language.
	LanguageProbability float64 `json:"language_probability,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// PoolState summarizes pool readiness.
type PoolState int

const (
	PoolStarting PoolState = iota
	PoolReady
	PoolFailed
)

// PoolConfig configures a ProcessPool.
type PoolConfig struct {
	Size         int
	PythonPath   string
	WorkerScript string
	Env          []string
	IdleTimeout  time.Duration
	ReadyTimeout time.Duration
}

// pythonProcess represents a persistent worker process.
type pythonProcess struct {
	id       int
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *bufio.Reader
	stderr   io.ReadCloser
	mu       sync.Mutex
	busy     bool
	alive    bool
	lastUsed time.Time
}

func (p *pythonProcess) isAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *pythonProcess) kill() {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	_ = p.stdin.Close()
	_ = p.cmd.Process.Kill()
	_ = p.cmd.Wait()
}

// ProcessPool manages a fixed set of worker processes.
type ProcessPool struct {
	cfg       PoolConfig
	log       zerolog.Logger
	processes []*pythonProcess
	// respawning marks slots whose replacement is being spawned outside mu.
	respawning []bool
	mu         sync.Mutex
	state     PoolState
	lastErr   error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewProcessPool creates a pool; no process is spawned until Start.
func NewProcessPool(cfg PoolConfig, log zerolog.Logger) *ProcessPool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 5 * time.Minute
	}
	return &ProcessPool{
		cfg:       cfg,
		log:       log,
		processes:  make([]*pythonProcess, cfg.Size),
		respawning: make([]bool, cfg.Size),
		shutdown:   make(chan struct{}),
	}
}

// Start spawns the initial processes in the background. Model loading can
// take minutes, so callers observe progress through State.
func (p *ProcessPool) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.spawnAll()
	}()

	if p.cfg.IdleTimeout > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.idleCleanupLoop()
		}()
	}
}

func (p *ProcessPool) spawnAll() {
	var firstErr error
	spawned := 0
	for i := 0; i < p.cfg.Size; i++ {
		select {
		case <-p.shutdown:
			return
		default:
		}
		proc, err := p.spawnProcess(i)
		if err != nil {
			p.log.Error().Err(err).Int("process", i).Msg("Failed to spawn worker process")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.mu.Lock()
		p.processes[i] = proc
		p.mu.Unlock()
		spawned++
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if spawned == 0 {
		p.state = PoolFailed
		p.lastErr = firstErr
		return
	}
	p.state = PoolReady
	p.lastErr = nil
	p.log.Info().Int("processes", spawned).Msg("Worker processes loaded")
}

// spawnProcess creates and starts a new worker process and waits for READY.
func (p *ProcessPool) spawnProcess(id int) (*pythonProcess, error) {
	cmd := exec.Command(p.cfg.PythonPath, p.cfg.WorkerScript)
	cmd.Env = append(os.Environ(), p.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	proc := &pythonProcess{
		id:       id,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   bufio.NewReader(stdout),
		stderr:   stderr,
		alive:    true,
		lastUsed: time.Now(),
	}

	go p.logStderr(proc)

	ready := make(chan error, 1)
	go func() {
		line, err := proc.stdout.ReadString('\n')
		if err != nil {
			ready <- fmt.Errorf("failed to read ready signal: %w", err)
			return
		}
		if strings.TrimSpace(line) != "READY" {
			ready <- fmt.Errorf("unexpected ready signal: %q", strings.TrimSpace(line))
			return
		}
		ready <- nil
	}()

	timer := time.NewTimer(p.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err != nil {
			proc.kill()
			return nil, err
		}
	case <-timer.C:
		proc.kill()
		return nil, fmt.Errorf("process not ready after %s", p.cfg.ReadyTimeout)
	case <-p.shutdown:
		proc.kill()
		return nil, errors.New("pool shutting down")
	}

	p.log.Debug().Int("process", id).Int("pid", cmd.Process.Pid).Msg("Worker process ready")
	return proc, nil
}

// logStderr forwards a process's stderr to the log.
func (p *ProcessPool) logStderr(proc *pythonProcess) {
	reader := bufio.NewReader(proc.stderr)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if line = strings.TrimSpace(line); line != "" {
			p.log.Debug().Int("process", proc.id).Msg(line)
		}
	}
}

// Execute sends a request to an idle process and returns its response.
// The call cannot be interrupted once the request was written.
func (p *ProcessPool) Execute(request workerRequest) (*workerResponse, error) {
	proc, err := p.acquireProcess()
	if err != nil {
		return nil, err
	}
	defer p.releaseProcess(proc)

	requestJSON, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if _, err := fmt.Fprintf(proc.stdin, "%s\n", requestJSON); err != nil {
		p.markDead(proc)
		return nil, fmt.Errorf("%w: write to process %d: %v", ErrProcessIO, proc.id, err)
	}

	response, err := p.readResponse(proc)
	if err != nil {
		p.markDead(proc)
		return nil, err
	}

	proc.mu.Lock()
	proc.lastUsed = time.Now()
	proc.mu.Unlock()
	return response, nil
}

// readResponse reads stdout up to the next JSON object line. Anything else
// the worker prints (download progress and the like) is logged and skipped.
func (p *ProcessPool) readResponse(proc *pythonProcess) (*workerResponse, error) {
	for {
		line, err := proc.stdout.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("%w: read from process %d: %v", ErrProcessIO, proc.id, err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			if line != "" {
				p.log.Debug().Int("process", proc.id).Str("line", line).Msg("Skipping worker output")
			}
			continue
		}
		var response workerResponse
		if err := json.Unmarshal([]byte(line), &response); err != nil {
			return nil, fmt.Errorf("%w: malformed response from process %d: %v", ErrProcessIO, proc.id, err)
		}
		return &response, nil
	}
}

func (p *ProcessPool) markDead(proc *pythonProcess) {
	proc.mu.Lock()
	proc.alive = false
	proc.mu.Unlock()
	proc.kill()
}

// acquireProcess gets an idle process, respawning a dead one if needed.
// The respawn waits for READY without holding mu.
func (p *ProcessPool) acquireProcess() (*pythonProcess, error) {
	p.mu.Lock()
	if p.state == PoolStarting {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: pool is still starting", ErrNoProcess)
	}

	for _, proc := range p.processes {
		if proc == nil {
			continue
		}
		proc.mu.Lock()
		if !proc.busy && proc.alive {
			proc.busy = true
			proc.mu.Unlock()
			p.mu.Unlock()
			return proc, nil
		}
		proc.mu.Unlock()
	}

	slot := -1
	for i, proc := range p.processes {
		if p.respawning[i] || (proc != nil && proc.isAlive()) {
			continue
		}
		p.respawning[i] = true
		slot = i
		break
	}
	lastErr := p.lastErr
	p.mu.Unlock()

	if slot < 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoProcess, lastErr)
		}
		return nil, ErrNoProcess
	}
	return p.respawn(slot)
}

func (p *ProcessPool) respawn(slot int) (*pythonProcess, error) {
	p.log.Info().Int("process", slot).Msg("Respawning worker process")
	proc, err := p.spawnProcess(slot)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.respawning[slot] = false
	if err != nil {
		p.log.Error().Err(err).Int("process", slot).Msg("Failed to respawn worker process")
		p.lastErr = err
		return nil, fmt.Errorf("%w: %v", ErrNoProcess, err)
	}
	select {
	case <-p.shutdown:
		proc.kill()
		return nil, fmt.Errorf("%w: pool shutting down", ErrNoProcess)
	default:
	}

	proc.busy = true
	p.processes[slot] = proc
	p.state = PoolReady
	p.lastErr = nil
	return proc, nil
}

// releaseProcess marks a process as available.
func (p *ProcessPool) releaseProcess(proc *pythonProcess) {
	proc.mu.Lock()
	proc.busy = false
	proc.mu.Unlock()
}

// idleCleanupLoop periodically checks for and kills idle processes.
func (p *ProcessPool) idleCleanupLoop() {
	interval := time.Minute
	if p.cfg.IdleTimeout < interval {
		interval = p.cfg.IdleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.cleanupIdleProcesses()
		}
	}
}

// cleanupIdleProcesses kills processes that have been idle too long. They
// are respawned on the next request.
func (p *ProcessPool) cleanupIdleProcesses() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, proc := range p.processes {
		if proc == nil {
			continue
		}
		proc.mu.Lock()
		idle := !proc.busy && proc.alive && time.Since(proc.lastUsed) > p.cfg.IdleTimeout
		if idle {
			proc.alive = false
		}
		proc.mu.Unlock()
		if idle {
			p.log.Info().Int("process", proc.id).Msg("Killing idle worker process")
			proc.kill()
		}
	}
}

// State reports pool readiness and the last spawn error, if any. A pool
// with no live process and a respawn in progress reports PoolStarting.
func (p *ProcessPool) State() (PoolState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PoolStarting && p.pendingLocked() > 0 {
		alive := 0
		for _, proc := range p.processes {
			if proc != nil && proc.isAlive() {
				alive++
			}
		}
		if alive == 0 {
			return PoolStarting, p.lastErr
		}
	}
	return p.state, p.lastErr
}

func (p *ProcessPool) pendingLocked() int {
	n := 0
	for _, r := range p.respawning {
		if r {
			n++
		}
	}
	return n
}

// Shutdown kills all processes and stops background loops.
func (p *ProcessPool) Shutdown(ctx context.Context) {
	p.closeOnce.Do(func() { close(p.shutdown) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, proc := range p.processes {
		if proc != nil {
			proc.kill()
		}
	}
}

// Stats returns pool statistics.
func (p *ProcessPool) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	alive := 0
	busy := 0
	for _, proc := range p.processes {
		if proc == nil {
			continue
		}
		proc.mu.Lock()
		if proc.alive {
			alive++
		}
		if proc.busy {
			busy++
		}
		proc.mu.Unlock()
	}

	return map[string]int{
		"total":      len(p.processes),
		"alive":      alive,
		"busy":       busy,
		"idle":       alive - busy,
		"respawning": p.pendingLocked(),
	}
}
