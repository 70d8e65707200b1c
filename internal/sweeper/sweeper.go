// Package sweeper periodically reconciles orphaned generations and prunes
// terminal history past its retention age.
package sweeper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caesium-cloud/pigment/internal/gateway"
	"github.com/caesium-cloud/pigment/internal/metrics"
	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/caesium-cloud/pigment/pkg/log"
	"github.com/google/uuid"
	"github.com/robfig/cron"
)

// DefaultSchedule runs a sweep every five minutes.
const DefaultSchedule = "@every 5m"

// DefaultBatchSize bounds how many generations one prune pass deletes.
const DefaultBatchSize = 100

// Gateway is the subset of the gateway the sweeper drives.
type Gateway interface {
	ReconcileOrphans(ctx context.Context) (int, error)
	HistoryDelete(ctx context.Context, id uuid.UUID, deleteFiles bool) (*gateway.DeleteResult, error)
}

// History lists terminal generations eligible for pruning.
type History interface {
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (models.Generations, error)
}

// Config tunes the sweeper.
type Config struct {
	Schedule string
	// RetentionMaxAge disables pruning when zero.
	RetentionMaxAge time.Duration
	BatchSize       int
}

// Sweeper runs reconciliation and retention on a cron schedule.
type Sweeper struct {
	schedule cron.Schedule
	gateway  Gateway
	history  History
	maxAge   time.Duration
	batch    int
	now      func() time.Time
}

// New parses cfg.Schedule and returns a sweeper.
func New(cfg Config, gw Gateway, history History) (*Sweeper, error) {
	expr := strings.TrimSpace(cfg.Schedule)
	if expr == "" {
		expr = DefaultSchedule
	}

	parser := cron.NewParser(
		cron.Minute |
			cron.Hour |
			cron.Dom |
			cron.Month |
			cron.Dow |
			cron.Descriptor,
	)

	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", expr, err)
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	return &Sweeper{
		schedule: sched,
		gateway:  gw,
		history:  history,
		maxAge:   cfg.RetentionMaxAge,
		batch:    batch,
		now:      time.Now,
	}, nil
}

// Run sweeps once immediately and then on every scheduled tick until ctx
// ends.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info("sweeper started", "retention", s.maxAge)

	for {
		if err := s.Sweep(ctx); err != nil {
			log.Error("sweep failure", "error", err)
		}

		select {
		case <-time.After(time.Until(s.schedule.Next(s.now()))):
		case <-ctx.Done():
			log.Info("sweeper stopped")
			return
		}
	}
}

// Sweep performs one reconciliation and, when retention is enabled, one
// prune pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	n, err := s.gateway.ReconcileOrphans(ctx)
	if err != nil {
		return fmt.Errorf("reconcile orphans: %w", err)
	}
	if n > 0 {
		log.Info("reconciled orphaned generations", "count", n)
	}

	if s.maxAge <= 0 {
		return nil
	}

	pruned, err := s.prune(ctx)
	if pruned > 0 {
		log.Info("pruned generation history", "count", pruned, "max_age", s.maxAge)
	}
	return err
}

func (s *Sweeper) prune(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.maxAge)

	gens, err := s.history.ListTerminalBefore(ctx, cutoff, s.batch)
	if err != nil {
		return 0, fmt.Errorf("list expired generations: %w", err)
	}

	var pruned int
	for _, g := range gens {
		res, err := s.gateway.HistoryDelete(ctx, g.ID, true)
		if err != nil {
			return pruned, fmt.Errorf("prune %s: %w", g.ID, err)
		}
		for _, w := range res.Warnings {
			log.Warn("prune left a file behind", "id", g.ID, "warning", w)
		}
		metrics.SweepReconciledTotal.WithLabelValues("pruned").Inc()
		pruned++
	}

	return pruned, nil
}
