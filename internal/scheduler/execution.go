package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/google/uuid"
)

// execution is the in-memory state of one submitted generation.
type execution struct {
	id  uuid.UUID
	sub *Submission

	// ready closes once the record exists (or createErr is set).
	ready     chan struct{}
	done      chan struct{}
	createErr error

	// guarded by Scheduler.mu
	dispatched bool
	released   bool
	ctx        context.Context
	cancel     context.CancelCauseFunc

	mu        sync.Mutex
	gen       *models.Generation
	reported  int
	nextIndex int
	startedAt time.Time
	finalized bool
	fault     error
}

func newExecution(sub *Submission) *execution {
	return &execution{
		id:    sub.Generation.ID,
		sub:   sub,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (e *execution) snapshot() *models.Generation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen.Clone()
}
