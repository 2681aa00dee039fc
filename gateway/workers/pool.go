// Package workers runs and supervises the pool of application host
// processes behind the gateway. Every worker is handed the same manifest
// file, listens on its own loopback port, and is health checked until it
// either serves traffic or exhausts its restart budget.
package workers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ErrNoneReady is returned when no worker is currently able to take traffic.
var ErrNoneReady = errors.New("no ready workers")

// Event names a worker lifecycle transition for the audit trail.
type Event string

const (
	EventWorkerStarted   Event = "worker_started"
	EventWorkerReady     Event = "worker_ready"
	EventWorkerCrashed   Event = "worker_crashed"
	EventWorkerRestarted Event = "worker_restarted"
	EventWorkerGaveUp    Event = "worker_gave_up"
	EventWorkerStopped   Event = "worker_stopped"
)

// EventRecorder receives worker lifecycle events. Implementations must not
// block; recording is best effort and never gates supervision.
type EventRecorder interface {
	RecordWorkerEvent(event Event, workerID, pid int, detail string)
}

// Config controls pool supervision.
type Config struct {
	// Exe is the worker executable, launched as
	// exe -manifest <path> -port <port>.
	Exe          string
	ManifestPath string
	Count        int

	PortMin int
	PortMax int

	HealthInterval      time.Duration
	HealthTimeout       time.Duration
	ConsecutiveFailures int

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// MaxRestarts bounds consecutive failed launches per worker. A worker
	// that crosses it is marked stopped and leaves the rotation for good.
	MaxRestarts int

	// GracePeriod is how long a worker gets between SIGTERM and SIGKILL
	// during shutdown.
	GracePeriod time.Duration

	// Env entries are appended to the inherited environment of every
	// worker process.
	Env []string

	Logger   *slog.Logger
	Recorder EventRecorder
	Checker  HealthChecker
}

func (c *Config) applyDefaults() {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 2 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 2 * time.Second
	}
	if c.ConsecutiveFailures <= 0 {
		c.ConsecutiveFailures = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.PortMin <= 0 {
		c.PortMin = 9100
	}
	if c.PortMax <= 0 {
		c.PortMax = c.PortMin + 99
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pool supervises a fixed set of worker slots.
type Pool struct {
	cfg      Config
	logger   *slog.Logger
	ports    *PortAllocator
	checker  HealthChecker
	recorder EventRecorder

	workers []*Worker
	cursor  atomic.Uint64

	baseCtx  context.Context
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPool(cfg Config) (*Pool, error) {
	if cfg.Exe == "" {
		return nil, fmt.Errorf("worker executable not configured")
	}
	if cfg.ManifestPath == "" {
		return nil, fmt.Errorf("worker manifest path not configured")
	}
	if cfg.Count <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", cfg.Count)
	}
	cfg.applyDefaults()

	ports, err := NewPortAllocator(cfg.PortMin, cfg.PortMax)
	if err != nil {
		return nil, err
	}
	checker := cfg.Checker
	if checker == nil {
		checker = NewHTTPHealthChecker(cfg.HealthTimeout)
	}

	p := &Pool{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "workers"),
		ports:    ports,
		checker:  checker,
		recorder: cfg.Recorder,
		stopChan: make(chan struct{}),
	}
	for i := 0; i < cfg.Count; i++ {
		p.workers = append(p.workers, &Worker{ID: i})
	}
	return p, nil
}

// Start launches every worker and begins the health loop. It returns
// immediately; use WaitFirstReady to gate serving on worker readiness.
func (p *Pool) Start(ctx context.Context) {
	p.baseCtx = ctx
	p.logger.Info("starting worker pool", "count", len(p.workers), "exe", p.cfg.Exe)

	p.wg.Add(1)
	go p.healthLoop()

	for _, w := range p.workers {
		p.spawn(w)
	}
}

// spawn launches one process into the slot. On failure it feeds the restart
// machinery rather than returning an error; callers never handle launches
// directly.
func (p *Pool) spawn(w *Worker) {
	select {
	case <-p.stopChan:
		return
	case <-p.baseCtx.Done():
		return
	default:
	}
	if w.State() == StateStopped {
		return
	}

	port, err := p.ports.Allocate()
	if err != nil {
		p.logger.Error("no port for worker", "worker", w.ID, "error", err)
		p.launchFailed(w, fmt.Sprintf("port allocation: %v", err))
		return
	}

	// 1. Build the command. Workers inherit our environment plus any
	// configured extras.
	args := []string{"-manifest", p.cfg.ManifestPath, "-port", strconv.Itoa(port)}
	cmd := exec.CommandContext(p.baseCtx, p.cfg.Exe, args...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.ports.Release(port)
		p.launchFailed(w, fmt.Sprintf("stdout pipe: %v", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.ports.Release(port)
		p.launchFailed(w, fmt.Sprintf("stderr pipe: %v", err))
		return
	}

	// 2. Launch.
	if err := cmd.Start(); err != nil {
		p.ports.Release(port)
		p.logger.Error("failed to start worker", "worker", w.ID, "error", err)
		p.launchFailed(w, fmt.Sprintf("start: %v", err))
		return
	}
	if !w.begin(cmd, port) {
		// The pool stopped while this process was launching. Reap it
		// quietly instead of adopting it.
		cmd.Process.Kill()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			cmd.Wait()
			p.ports.Release(port)
		}()
		return
	}
	p.logger.Info("worker starting", "worker", w.ID, "pid", cmd.Process.Pid, "port", port)
	p.record(EventWorkerStarted, w, "")

	// 3. Forward the worker's output into our log.
	var pipes sync.WaitGroup
	pipes.Add(2)
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		defer pipes.Done()
		p.scanOutput(w, stdout, false)
	}()
	go func() {
		defer p.wg.Done()
		defer pipes.Done()
		p.scanOutput(w, stderr, true)
	}()

	// 4. Reap the process. Wait must run after the pipe readers finish.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		pipes.Wait()
		err := cmd.Wait()
		p.handleExit(w, err)
	}()
}

func (p *Pool) scanOutput(w *Worker, pipe io.Reader, isStderr bool) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		if isStderr {
			p.logger.Error("worker stderr", "worker", w.ID, "output", scanner.Text())
		} else {
			p.logger.Info("worker stdout", "worker", w.ID, "output", scanner.Text())
		}
	}
}

// handleExit runs exactly once per launched process, no matter how it died.
func (p *Pool) handleExit(w *Worker, waitErr error) {
	state, pid, port, exited := w.finishExit()
	p.ports.Release(port)
	if exited != nil {
		close(exited)
	}

	stopping := false
	select {
	case <-p.stopChan:
		stopping = true
	default:
	}

	if stopping || state == StateStopped {
		p.logger.Info("worker exited", "worker", w.ID, "pid", pid)
		p.record(EventWorkerStopped, w, "")
		return
	}

	detail := "exited cleanly"
	if waitErr != nil {
		detail = waitErr.Error()
	}
	p.logger.Error("worker crashed", "worker", w.ID, "pid", pid, "error", detail)
	restarts, strikes := w.recordCrash()
	p.record(EventWorkerCrashed, w, detail)
	p.scheduleRestart(w, restarts, strikes)
}

// launchFailed covers processes that never started; it feeds the same
// restart budget as a crash.
func (p *Pool) launchFailed(w *Worker, detail string) {
	restarts, strikes := w.recordLaunchFailure()
	p.record(EventWorkerCrashed, w, detail)
	p.scheduleRestart(w, restarts, strikes)
}

func (p *Pool) scheduleRestart(w *Worker, restarts, strikes int) {
	if strikes > p.cfg.MaxRestarts {
		w.setState(StateStopped)
		p.logger.Error("worker exceeded restart budget, leaving it down",
			"worker", w.ID, "attempts", strikes, "restarts", restarts)
		p.record(EventWorkerGaveUp, w, fmt.Sprintf("%d consecutive failures", strikes))
		return
	}

	w.setState(StateRestarting)
	delay := calculateBackoff(strikes, p.cfg.BackoffInitial, p.cfg.BackoffMax)
	p.logger.Info("scheduling worker restart", "worker", w.ID, "backoff", delay.String(), "attempt", strikes)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-p.stopChan:
			return
		case <-p.baseCtx.Done():
			return
		case <-timer.C:
		}
		p.record(EventWorkerRestarted, w, "")
		p.spawn(w)
	}()
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopChan:
			return
		case <-p.baseCtx.Done():
			return
		case <-ticker.C:
			p.checkAll()
		}
	}
}

func (p *Pool) checkAll() {
	for _, w := range p.workers {
		state := w.State()
		if state != StateStarting && state != StateReady {
			continue
		}
		err := p.checker.Check(w.Port())
		if err == nil {
			if w.markHealthy() {
				p.logger.Info("worker ready", "worker", w.ID, "port", w.Port())
				p.record(EventWorkerReady, w, "")
			}
			continue
		}
		fails := w.markUnhealthy()
		if fails < p.cfg.ConsecutiveFailures {
			p.logger.Debug("worker health check failed", "worker", w.ID, "failures", fails, "error", err)
			continue
		}
		// The process is alive but not answering. Kill it; the exit
		// handler takes care of the restart.
		p.logger.Warn("worker failing health checks, recycling", "worker", w.ID, "failures", fails, "error", err)
		w.setState(StateCrashed)
		if proc := w.process(); proc != nil {
			proc.Kill()
		}
	}
}

// stopWorker shuts one worker down: SIGTERM, a grace period, then SIGKILL.
func (p *Pool) stopWorker(w *Worker) {
	proc, exited := w.beginStop()
	if proc == nil {
		return
	}
	p.logger.Info("stopping worker", "worker", w.ID, "pid", proc.Pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		p.logger.Warn("failed to signal worker", "worker", w.ID, "error", err)
	}

	timer := time.NewTimer(p.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-exited:
		p.logger.Info("worker exited gracefully", "worker", w.ID, "pid", proc.Pid)
	case <-timer.C:
		p.logger.Warn("worker did not exit within grace period, killing", "worker", w.ID, "pid", proc.Pid)
		proc.Kill()
		<-exited
	}
}

// Stop shuts the whole pool down and waits for every worker and goroutine to
// finish. Safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	p.logger.Info("stopping worker pool")

	var shutdown sync.WaitGroup
	for _, w := range p.workers {
		shutdown.Add(1)
		go func(w *Worker) {
			defer shutdown.Done()
			p.stopWorker(w)
		}(w)
	}
	shutdown.Wait()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// NextReady picks a ready worker round-robin. Workers that are crashed,
// restarting, or stopped are skipped; if none are ready it returns
// ErrNoneReady and the caller serves a 503.
func (p *Pool) NextReady() (*Worker, error) {
	n := uint64(len(p.workers))
	start := p.cursor.Add(1)
	for i := uint64(0); i < n; i++ {
		w := p.workers[(start+i)%n]
		if w.State() == StateReady {
			return w, nil
		}
	}
	return nil, ErrNoneReady
}

// NextReadyPort is NextReady reduced to the dispatch target port.
func (p *Pool) NextReadyPort() (int, error) {
	w, err := p.NextReady()
	if err != nil {
		return 0, err
	}
	return w.Port(), nil
}

// WaitFirstReady blocks until at least one worker can take traffic. It fails
// early when every worker has already given up, and on context expiry.
func (p *Pool) WaitFirstReady(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		ready, stopped := 0, 0
		for _, w := range p.workers {
			switch w.State() {
			case StateReady:
				ready++
			case StateStopped:
				stopped++
			}
		}
		if ready > 0 {
			return nil
		}
		if stopped == len(p.workers) {
			return errors.New("all workers stopped before becoming ready")
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for first ready worker: %w", ctx.Err())
		case <-p.stopChan:
			return errors.New("pool stopped")
		case <-ticker.C:
		}
	}
}

// Snapshot reports every worker slot, ordered by ID.
func (p *Pool) Snapshot() []Status {
	statuses := make([]Status, 0, len(p.workers))
	for _, w := range p.workers {
		statuses = append(statuses, w.snapshot())
	}
	return statuses
}

func (p *Pool) record(event Event, w *Worker, detail string) {
	if p.recorder == nil {
		return
	}
	p.recorder.RecordWorkerEvent(event, w.ID, w.PID(), detail)
}

// calculateBackoff doubles the initial delay per consecutive failure, capped
// at max. Attempt counts from 1.
func calculateBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > max {
			backoff = max
			break
		}
	}
	return backoff
}
