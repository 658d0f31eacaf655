package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/axis/pkg/log"
	"github.com/meridianhq/axis/pkg/metrics"
	"github.com/meridianhq/axis/pkg/queue"
	"github.com/meridianhq/axis/pkg/types"
)

// Processor drives one claimed job to a terminal state. It owns all
// planning and execution; the pool only claims, cancels and drains.
type Processor func(ctx context.Context, job *types.Job)

// Config holds pool configuration.
type Config struct {
	Size            int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

// Pool is a fixed set of workers looping claim → process. Each claim
// carries a per-job cancellation context; Stop cancels them all and
// drains up to the shutdown timeout.
type Pool struct {
	queue   *queue.Queue
	process Processor
	cfg     Config
	logger  zerolog.Logger

	// paused suspends claiming while memory is pressured. May be nil.
	paused func() bool

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	heartbeat atomic.Int64
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewPool creates a pool; Start brings the workers up.
func NewPool(q *queue.Queue, process Processor, cfg Config) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Pool{
		queue:   q,
		process: process,
		cfg:     cfg,
		logger:  log.WithComponent("worker"),
		cancels: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// SetPauseCheck installs the memory backpressure predicate.
func (p *Pool) SetPauseCheck(paused func() bool) {
	p.paused = paused
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Size; i++ {
		p.wg.Add(1)
		go p.run(fmt.Sprintf("worker-%d", i))
	}
	p.logger.Info().Int("size", p.cfg.Size).Msg("worker pool started")
}

// Stop signals every in-flight job's cancellation token and waits for the
// workers to drain, up to the shutdown timeout.
func (p *Pool) Stop() {
	close(p.stopCh)

	p.mu.Lock()
	for jobID, cancel := range p.cancels {
		p.logger.Debug().Str("job_id", jobID).Msg("cancelling in-flight job for shutdown")
		cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("worker pool drained")
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn().Msg("worker pool drain timed out, abandoning in-flight jobs")
	}
}

// CancelJob cancels the job's execution context if a worker holds it.
func (p *Pool) CancelJob(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.cancels[jobID]
	if ok {
		cancel()
	}
	return ok
}

// Heartbeat returns a counter that advances while any worker is looping.
// The lifecycle watchdog treats a stalled counter as a hung pool.
func (p *Pool) Heartbeat() int64 {
	return p.heartbeat.Load()
}

func (p *Pool) run(workerID string) {
	defer p.wg.Done()
	logger := p.logger.With().Str("worker_id", workerID).Logger()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		p.heartbeat.Add(1)

		if p.paused != nil && p.paused() {
			metrics.BackpressurePauses.WithLabelValues("memory").Inc()
			logger.Debug().Msg("claiming paused, memory pressured")
			p.sleep()
			continue
		}

		job, err := p.queue.Claim(workerID)
		if err != nil {
			logger.Error().Err(err).Msg("claim failed")
			p.sleep()
			continue
		}
		if job == nil {
			p.sleep()
			continue
		}

		p.handle(job, logger)
	}
}

func (p *Pool) handle(job *types.Job, logger zerolog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancels[job.ID] = cancel
	p.mu.Unlock()

	metrics.WorkersActive.Inc()
	logger.Info().Str("job_id", job.ID).Msg("processing job")

	defer func() {
		metrics.WorkersActive.Dec()
		p.mu.Lock()
		delete(p.cancels, job.ID)
		p.mu.Unlock()
		cancel()
	}()

	p.process(ctx, job)
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.cfg.PollInterval):
	case <-p.stopCh:
	}
}
