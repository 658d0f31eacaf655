// Package circuit tracks per-gear failure windows so the executor can skip
// steps bound for a gear that keeps failing. State is in-memory only; a
// restart closes every breaker.
package circuit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/axis/pkg/log"
	"github.com/meridianhq/axis/pkg/metrics"
)

// Config bounds breaker behavior.
type Config struct {
	// FailureThreshold opens the breaker once this many failures land
	// inside one window.
	FailureThreshold int
	// Window is the rolling period failures are counted over.
	Window time.Duration
	// Cooldown is how long an open breaker stays open.
	Cooldown time.Duration
}

// DefaultConfig matches the runtime defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
	}
}

type gearState struct {
	failures    int
	windowStart time.Time
	openUntil   time.Time
}

// Breaker is the per-gear circuit breaker. Single writer per component;
// the mutex covers concurrent reads from executor goroutines.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	gears  map[string]*gearState
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{
		cfg:    cfg,
		gears:  make(map[string]*gearState),
		logger: log.WithComponent("circuit"),
		now:    time.Now,
	}
}

// Allow reports whether calls to the gear may proceed. An open breaker
// past its cooldown closes on the next Allow.
func (b *Breaker) Allow(gear string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.gears[gear]
	if !ok {
		return true
	}
	if state.openUntil.IsZero() {
		return true
	}
	if b.now().Before(state.openUntil) {
		return false
	}

	// Cooldown elapsed; close and start a clean window.
	delete(b.gears, gear)
	metrics.CircuitState.WithLabelValues(gear).Set(0)
	b.logger.Info().Str("gear", gear).Msg("circuit closed after cooldown")
	return true
}

// RecordFailure counts one failure against the gear's current window and
// opens the breaker at the threshold.
func (b *Breaker) RecordFailure(gear string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, ok := b.gears[gear]
	if !ok || now.Sub(state.windowStart) > b.cfg.Window {
		state = &gearState{windowStart: now}
		b.gears[gear] = state
	}

	state.failures++
	if state.failures >= b.cfg.FailureThreshold && state.openUntil.IsZero() {
		state.openUntil = now.Add(b.cfg.Cooldown)
		metrics.CircuitState.WithLabelValues(gear).Set(1)
		b.logger.Warn().
			Str("gear", gear).
			Int("failures", state.failures).
			Dur("cooldown", b.cfg.Cooldown).
			Msg("circuit opened")
	}
}

// RecordSuccess clears the gear's failure window.
func (b *Breaker) RecordSuccess(gear string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if state, ok := b.gears[gear]; ok && state.openUntil.IsZero() {
		delete(b.gears, gear)
	}
}
