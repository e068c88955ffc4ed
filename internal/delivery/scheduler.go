package delivery

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/shohag/hookline/internal/clock"
	"github.com/shohag/hookline/internal/storage"
)

type SchedulerConfig struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	// StaleAfter is how old a PENDING delivery must be before the scheduler
	// treats its first attempt as lost and runs it. Zero disables recovery.
	StaleAfter time.Duration
}

// Scheduler polls the ledger for due retries. Retry state lives in the store,
// so pending retries survive a restart, and so do first attempts cut short by
// one once they are older than StaleAfter.
type Scheduler struct {
	engine *Engine
	store  storage.DeliveryStore
	clock  clock.Clock
	cfg    SchedulerConfig
	log    zerolog.Logger
}

func NewScheduler(engine *Engine, store storage.DeliveryStore, clk clock.Clock, cfg SchedulerConfig, log zerolog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{
		engine: engine,
		store:  store,
		clock:  clk,
		cfg:    cfg,
		log:    log.With().Str("component", "scheduler").Logger(),
	}
}

// Run polls until ctx is cancelled. The batch in progress is finished first.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().
		Int("workers", s.cfg.Workers).
		Dur("poll_interval", s.cfg.PollInterval).
		Msg("starting retry scheduler")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("retry scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes one batch of due retries and returns how many attempts ran.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.clock.Now()
	var staleBefore time.Time
	if s.cfg.StaleAfter > 0 {
		staleBefore = now.Add(-s.cfg.StaleAfter)
	}
	due, err := s.store.DueRetries(ctx, now, staleBefore, s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to fetch due retries")
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	var (
		processed = make([]bool, len(due))
		p         = pool.New().WithMaxGoroutines(s.cfg.Workers)
	)
	for i, d := range due {
		p.Go(func() {
			recovered := panics.Try(func() {
				ran, err := s.engine.ProcessRetry(ctx, d.ID)
				if err != nil {
					s.log.Error().Err(err).Str("delivery_id", d.ID).Msg("scheduled retry failed")
				}
				processed[i] = ran
			})
			if recovered != nil {
				s.log.Error().Str("delivery_id", d.ID).Str("panic", recovered.String()).Msg("panic during scheduled retry")
			}
		})
	}
	p.Wait()

	n := 0
	for _, ran := range processed {
		if ran {
			n++
		}
	}
	return n
}
