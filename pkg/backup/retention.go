package backup

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/axis/pkg/config"
	"github.com/meridianhq/axis/pkg/log"
	"github.com/meridianhq/axis/pkg/storage"
	"github.com/meridianhq/axis/pkg/types"
)

// Retention archives old journal rows and purges stale execution-log
// entries. Each category fails independently; one bad sweep never blocks
// the others. Reruns are idempotent.
type Retention struct {
	store  storage.Store
	cfg    config.Retention
	logger zerolog.Logger
	stopCh chan struct{}
}

// NewRetention creates the retention job.
func NewRetention(store storage.Store, cfg config.Retention) *Retention {
	return &Retention{
		store:  store,
		cfg:    cfg,
		logger: log.WithComponent("retention"),
		stopCh: make(chan struct{}),
	}
}

// Start sweeps on the configured interval until Stop.
func (r *Retention) Start() {
	if r.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Run()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop halts the schedule.
func (r *Retention) Stop() {
	close(r.stopCh)
}

// Run performs one sweep over all three categories.
func (r *Retention) Run() {
	now := time.Now().UTC()

	if err := r.archiveConversations(now); err != nil {
		r.logger.Error().Err(err).Msg("conversation retention sweep failed")
	}
	if err := r.archiveEpisodes(now); err != nil {
		r.logger.Error().Err(err).Msg("episode retention sweep failed")
	}
	if err := r.purgeExecutions(now); err != nil {
		r.logger.Error().Err(err).Msg("execution log retention sweep failed")
	}
}

func (r *Retention) archiveConversations(now time.Time) error {
	cutoff := now.AddDate(0, 0, -r.cfg.ConversationDays)
	rows, err := r.store.ListConversations()
	if err != nil {
		return err
	}

	archived := 0
	for _, c := range rows {
		if !c.ArchivedAt.IsZero() || c.UpdatedAt.After(cutoff) {
			continue
		}
		c.ArchivedAt = now
		if err := r.store.PutConversation(c); err != nil {
			return err
		}
		archived++
	}
	if archived > 0 {
		r.logger.Info().Int("count", archived).Msg("archived old conversations")
	}
	return nil
}

func (r *Retention) archiveEpisodes(now time.Time) error {
	cutoff := now.AddDate(0, 0, -r.cfg.EpisodicDays)
	rows, err := r.store.ListEpisodes()
	if err != nil {
		return err
	}

	archived := 0
	for _, e := range rows {
		if !e.ArchivedAt.IsZero() || e.CreatedAt.After(cutoff) {
			continue
		}
		e.ArchivedAt = now
		if err := r.store.PutEpisode(e); err != nil {
			return err
		}
		archived++
	}
	if archived > 0 {
		r.logger.Info().Int("count", archived).Msg("archived old episodes")
	}
	return nil
}

func (r *Retention) purgeExecutions(now time.Time) error {
	cutoff := now.AddDate(0, 0, -r.cfg.ExecutionLogDays)
	rows, err := r.store.ListExecutions()
	if err != nil {
		return err
	}

	purged := 0
	for _, e := range rows {
		if e.Status != types.ExecutionCompleted || e.CompletedAt.IsZero() || e.CompletedAt.After(cutoff) {
			continue
		}
		if err := r.store.DeleteExecution(e.ExecutionID); err != nil {
			return err
		}
		purged++
	}
	if purged > 0 {
		r.logger.Info().Int("count", purged).Msg("purged old execution log rows")
	}
	return nil
}
