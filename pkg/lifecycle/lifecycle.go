package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/axis/pkg/api"
	"github.com/meridianhq/axis/pkg/approval"
	"github.com/meridianhq/axis/pkg/audit"
	"github.com/meridianhq/axis/pkg/backup"
	"github.com/meridianhq/axis/pkg/circuit"
	"github.com/meridianhq/axis/pkg/config"
	"github.com/meridianhq/axis/pkg/events"
	"github.com/meridianhq/axis/pkg/idempotency"
	"github.com/meridianhq/axis/pkg/log"
	"github.com/meridianhq/axis/pkg/metrics"
	"github.com/meridianhq/axis/pkg/orchestrator"
	"github.com/meridianhq/axis/pkg/queue"
	"github.com/meridianhq/axis/pkg/router"
	"github.com/meridianhq/axis/pkg/rules"
	"github.com/meridianhq/axis/pkg/security"
	"github.com/meridianhq/axis/pkg/storage"
	"github.com/meridianhq/axis/pkg/validator"
	"github.com/meridianhq/axis/pkg/worker"
)

// watchdogInterval is how often the worker heartbeat is checked.
const watchdogInterval = 30 * time.Second

// Runtime owns every long-lived component and brings them up and down in
// dependency order: storage first, then messaging, then the workers, the
// API last. Shutdown walks the same list in reverse.
type Runtime struct {
	cfg    config.Config
	logger zerolog.Logger

	store     storage.Store
	auditw    *audit.ChainWriter
	broker    *events.Broker
	router    *router.Router
	queue     *queue.Queue
	rules     *rules.Engine
	coord     *approval.Coordinator
	orch      *orchestrator.Orchestrator
	monitor   *worker.Monitor
	pool      *worker.Pool
	backups   *backup.Manager
	retention *backup.Retention
	collector *metrics.Collector
	api       *api.Server

	watchStop chan struct{}
}

// New assembles a runtime from the configuration. Nothing is started.
func New(cfg config.Config) (*Runtime, error) {
	logger := log.WithComponent("lifecycle")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	auditw, err := audit.NewChainWriter(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	broker := events.NewBroker()

	r := router.New(router.Config{
		MaxMessageSizeBytes: cfg.Limits.MaxMessageSizeBytes,
		WarningSizeBytes:    cfg.Limits.MessageWarningBytes,
		DispatchTimeout:     cfg.Limits.StepTimeout,
	}, auditw)

	q := queue.New(store, broker, auditw)
	engine := rules.NewEngine(store)
	coord := approval.New(store, q, engine, broker, auditw, cfg.Limits.NonceTTL, cfg.Limits.SuggestionThreshold)
	orch := orchestrator.New(q, r, store, coord, idempotency.NewLog(store), circuit.New(circuit.DefaultConfig()), broker, cfg.Limits)

	monitor := worker.NewMonitor(cfg.DataDir, cfg.Limits.MemoryPausePercent, cfg.Limits.DiskPausePercent)
	q.SetPressureCheck(monitor.CreationCheck())

	pool := worker.NewPool(q, orch.Process, worker.Config{
		Size:            cfg.WorkerCount(),
		PollInterval:    cfg.Limits.QueuePollInterval,
		ShutdownTimeout: cfg.Limits.GracefulShutdownTimeout,
	})
	pool.SetPauseCheck(monitor.MemoryPressured)

	key, err := BackupKey(cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, err
	}
	cipher, err := security.NewCipher(key)
	if err != nil {
		store.Close()
		return nil, err
	}
	backups := backup.NewManager(store, cipher, filepath.Join(cfg.DataDir, "backups"), cfg.Backup)

	rt := &Runtime{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		auditw:    auditw,
		broker:    broker,
		router:    r,
		queue:     q,
		rules:     engine,
		coord:     coord,
		orch:      orch,
		monitor:   monitor,
		pool:      pool,
		backups:   backups,
		retention: backup.NewRetention(store, cfg.Retention),
		collector: metrics.NewCollector(store),
		watchStop: make(chan struct{}),
	}

	rt.api = api.NewServer(cfg.ListenAddr, api.Deps{
		Queue:        q,
		Approvals:    coord,
		Rules:        engine,
		Orchestrator: orch,
		Router:       r,
		Broker:       broker,
		Pool:         pool,
	})
	return rt, nil
}

// Start brings every component up. On return the runtime is ready.
func (rt *Runtime) Start() error {
	metrics.RegisterComponent("storage", true, "")
	rt.broker.Start()

	if err := rt.registerComponents(); err != nil {
		return err
	}
	metrics.RegisterComponent("router", true, "")

	recovered, err := rt.queue.Recover(rt.cfg.Limits.RecoveryGracePeriod, rt.cfg.Limits.MaxAttempts)
	if err != nil {
		return fmt.Errorf("crash recovery failed: %w", err)
	}
	if recovered > 0 {
		rt.logger.Warn().Int("jobs", recovered).Msg("recovered stale jobs from previous run")
	}

	rt.collector.Start()
	rt.retention.Start()
	rt.backups.Start()

	rt.pool.Start()
	metrics.RegisterComponent("workers", true, "")
	go rt.watchdog()

	go func() {
		if err := rt.api.Start(); err != nil {
			rt.logger.Error().Err(err).Msg("api server exited")
		}
	}()

	rt.logger.Info().
		Str("data_dir", rt.cfg.DataDir).
		Str("listen", rt.cfg.ListenAddr).
		Int("workers", rt.cfg.WorkerCount()).
		Msg("runtime started")
	return nil
}

// Stop shuts components down in reverse start order.
func (rt *Runtime) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Limits.GracefulShutdownTimeout)
	defer cancel()

	if err := rt.api.Stop(ctx); err != nil {
		rt.logger.Warn().Err(err).Msg("api shutdown incomplete")
	}

	close(rt.watchStop)
	rt.pool.Stop()
	metrics.UpdateComponent("workers", false, "stopped")

	rt.backups.Stop()
	rt.retention.Stop()
	rt.collector.Stop()
	rt.broker.Stop()

	if err := rt.store.Close(); err != nil {
		rt.logger.Error().Err(err).Msg("failed to close store")
	}
	metrics.UpdateComponent("storage", false, "stopped")

	rt.logger.Info().Msg("runtime stopped")
}

// Queue exposes the job queue to the CLI.
func (rt *Runtime) Queue() *queue.Queue { return rt.queue }

// Backups exposes the backup manager to the CLI.
func (rt *Runtime) Backups() *backup.Manager { return rt.backups }

// registerComponents wires the in-process collaborators onto the router.
func (rt *Runtime) registerComponents() error {
	if err := orchestrator.RegisterSentinel(rt.router, validator.New(rt.cfg.Policy), rt.store); err != nil {
		return err
	}
	if err := orchestrator.RegisterJournal(rt.router, rt.store); err != nil {
		return err
	}
	// A real planner registers as "scout" through the dispatch API and
	// replaces the builtin by unregistering it first.
	if err := orchestrator.RegisterBuiltinScout(rt.router); err != nil {
		return err
	}
	return orchestrator.RegisterAssistantGear(rt.router)
}

// watchdog flags the worker pool unhealthy when its heartbeat stalls for a
// full interval.
func (rt *Runtime) watchdog() {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	last := rt.pool.Heartbeat()
	for {
		select {
		case <-ticker.C:
			current := rt.pool.Heartbeat()
			if current == last {
				rt.logger.Error().Msg("worker heartbeat stalled")
				metrics.UpdateComponent("workers", false, "heartbeat stalled")
			} else {
				metrics.UpdateComponent("workers", true, "")
			}
			last = current
		case <-rt.watchStop:
			return
		}
	}
}

// BackupKey loads the backup encryption key, generating one on first run.
// The key never leaves the data directory.
func BackupKey(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, "backup.key")

	if data, err := os.ReadFile(path); err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("backup key at %s is corrupt: %w", path, err)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write backup key: %w", err)
	}
	return key, nil
}
