package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caesium-cloud/pigment/internal/event"
	"github.com/caesium-cloud/pigment/internal/failure"
	"github.com/caesium-cloud/pigment/internal/metrics"
	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/caesium-cloud/pigment/internal/store"
	"github.com/caesium-cloud/pigment/pkg/log"
	"github.com/google/uuid"
)

// HistoryGet returns one generation. Tracked generations are served from
// the scheduler, with a store reconciliation read at most once per
// RefreshWindow. Untracked non-terminal records are reconciled as
// interrupted.
func (g *Gateway) HistoryGet(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	if snap, ok := g.scheduler.Snapshot(id); ok {
		if snap.Status.Terminal() {
			g.forget(id)
			return snap, nil
		}
		if !g.allowRefresh(id) {
			return snap, nil
		}

		stored, err := g.store.Get(ctx, id)
		if err != nil {
			log.Warn("refresh read failed, serving snapshot", "id", id, "error", err)
			return snap, nil
		}
		if stored.Status.Rank() > snap.Status.Rank() {
			return stored, nil
		}
		return snap, nil
	}

	g.forget(id)

	gen, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return g.reconcile(ctx, gen)
}

// HistoryList lists generations newest first, replacing tracked entries
// with their live snapshot and reconciling orphans.
func (g *Gateway) HistoryList(ctx context.Context, req store.ListRequest) (models.Generations, error) {
	gens, err := g.store.List(ctx, req)
	if err != nil {
		return nil, err
	}

	for i, gen := range gens {
		if gen.Status.Terminal() {
			continue
		}
		if snap, ok := g.scheduler.Snapshot(gen.ID); ok {
			gens[i] = snap
			continue
		}
		reconciled, err := g.reconcile(ctx, gen)
		if err != nil {
			return nil, err
		}
		gens[i] = reconciled
	}

	return gens, nil
}

// ReconcileOrphans fails every unfinished record this process does not
// track and returns how many were changed. Refresh limiters for
// generations that are no longer running are dropped.
func (g *Gateway) ReconcileOrphans(ctx context.Context) (int, error) {
	g.pruneLimiters()

	gens, err := g.store.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}

	var n int
	for _, gen := range gens {
		if g.scheduler.Tracked(gen.ID) {
			continue
		}
		reconciled, err := g.reconcile(ctx, gen)
		if err != nil {
			return n, err
		}
		if reconciled.ErrorCode == models.ErrorCodeInterrupted {
			n++
		}
	}

	return n, nil
}

// reconcile finalizes an untracked non-terminal record as interrupted.
func (g *Gateway) reconcile(ctx context.Context, gen *models.Generation) (*models.Generation, error) {
	if gen == nil || gen.Status.Terminal() || g.scheduler.Tracked(gen.ID) {
		return gen, nil
	}

	var (
		status = models.StatusFailed
		code   = models.ErrorCodeInterrupted
		msg    = failure.Message(code, failure.ErrInterrupted)
		now    = time.Now().UTC()
	)

	updated, err := g.store.Update(ctx, gen.ID, store.Patch{
		Status:       &status,
		ErrorCode:    &code,
		ErrorMessage: &msg,
		CompletedAt:  &now,
	})
	if err != nil {
		if errors.Is(err, failure.ErrTransition) && updated != nil {
			return updated, nil
		}
		return nil, err
	}

	metrics.SweepReconciledTotal.WithLabelValues("interrupted").Inc()
	log.Warn("reconciled orphaned generation", "id", gen.ID, "previous_status", gen.Status)

	g.bus.Publish(event.Event{
		Type:         event.TypeStatus,
		GenerationID: updated.ID,
		Status:       updated.Status,
		Generation:   updated.Clone(),
	})
	g.bus.Publish(event.Event{
		Type:         event.TypeFailed,
		GenerationID: updated.ID,
		Status:       updated.Status,
		Message:      updated.ErrorMessage,
	})

	return updated, nil
}

// DeleteResult reports the outcome of HistoryDelete.
type DeleteResult struct {
	Success  bool     `json:"success"`
	Warnings []string `json:"warnings,omitempty"`
}

// HistoryDelete removes a generation and its outputs, cancelling it first
// when it is still running.
func (g *Gateway) HistoryDelete(ctx context.Context, id uuid.UUID, deleteFiles bool) (*DeleteResult, error) {
	if g.scheduler.Tracked(id) {
		if _, err := g.scheduler.Cancel(ctx, id); err != nil && !errors.Is(err, failure.ErrNotTracked) {
			return nil, fmt.Errorf("cancel before delete: %w", err)
		}
	}

	warnings, err := g.store.DeleteJob(ctx, id, deleteFiles)
	if err != nil {
		return nil, err
	}

	g.forget(id)
	g.publishDeleted(id)

	return &DeleteResult{Success: true, Warnings: warnings}, nil
}

// OutputDeleteResult reports the outcome of OutputDelete.
type OutputDeleteResult struct {
	Success  bool               `json:"success"`
	Job      *models.Generation `json:"job,omitempty"`
	Warnings []string           `json:"warnings,omitempty"`
}

// OutputDelete removes one output without touching its siblings or the
// owning generation's status.
func (g *Gateway) OutputDelete(ctx context.Context, outputID uuid.UUID, deleteFile bool) (*OutputDeleteResult, error) {
	out, err := g.store.FindOutput(ctx, outputID)
	if err != nil {
		return nil, err
	}

	var warnings []string
	remove := func(ctx context.Context) (*models.Generation, error) {
		gen, w, err := g.store.DeleteOutput(ctx, outputID, deleteFile)
		warnings = w
		return gen, err
	}

	gen, err := g.scheduler.Mutate(ctx, out.GenerationID, remove)
	if errors.Is(err, failure.ErrNotTracked) {
		gen, err = remove(ctx)
		if err == nil {
			g.bus.Publish(event.Event{
				Type:         event.TypeOutputs,
				GenerationID: gen.ID,
				Outputs:      models.CloneOutputs(gen.Outputs),
			})
		}
	}
	if err != nil {
		return nil, err
	}

	return &OutputDeleteResult{Success: true, Job: gen, Warnings: warnings}, nil
}
