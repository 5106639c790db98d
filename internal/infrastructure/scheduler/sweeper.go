// Package scheduler runs the engine's periodic sweep: due retries, expired
// deadlines, and workflow inactivity TTLs.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/smilemakc/stepflow/internal/application/engine"
)

// Sweeper drives Engine.Sweep on a fixed interval.
type Sweeper struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

// New schedules the sweep. interval must be at least one second, the cron
// library's resolution.
func New(eng *engine.Engine, interval time.Duration, logger zerolog.Logger) (*Sweeper, error) {
	if interval < time.Second {
		interval = time.Second
	}
	c := cron.New()
	log := logger.With().Str("component", "sweeper").Logger()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		eng.Sweep()
	})
	if err != nil {
		return nil, err
	}
	return &Sweeper{cron: c, logger: log}, nil
}

// Start begins sweeping in the cron's own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info().Msg("sweeper started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("sweeper stopped")
}
