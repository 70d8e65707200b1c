// Package scheduler runs generations against provider adapters. It owns the
// execution slots, the in-memory view of every running generation and the
// rules for turning adapter callbacks into store writes and events.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/caesium-cloud/pigment/internal/event"
	"github.com/caesium-cloud/pigment/internal/failure"
	"github.com/caesium-cloud/pigment/internal/metrics"
	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/caesium-cloud/pigment/internal/provider"
	"github.com/caesium-cloud/pigment/internal/storage"
	"github.com/caesium-cloud/pigment/internal/store"
	"github.com/caesium-cloud/pigment/pkg/log"
	"github.com/google/uuid"
)

const (
	// CancelGracePeriod is how long Cancel waits for an adapter to stop
	// before the generation is finalized as cancelled regardless.
	CancelGracePeriod = 2 * time.Second

	// DefaultProviderTimeout bounds a single generation.
	DefaultProviderTimeout = 5 * time.Minute

	// DefaultSlot is used when a generation names no slot.
	DefaultSlot = "default"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("scheduler is shut down")

// Policy decides what happens to a submission for a busy slot.
type Policy string

const (
	// PolicyReject fails the submission with failure.ErrSlotBusy.
	PolicyReject Policy = "reject"
	// PolicyQueue holds up to Config.QueueDepth submissions per slot.
	PolicyQueue Policy = "queue"
)

// ParsePolicy converts a configuration string to a Policy. Empty means reject.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyReject:
		return PolicyReject, nil
	case PolicyQueue:
		return PolicyQueue, nil
	default:
		return "", fmt.Errorf("unknown slot policy %q", raw)
	}
}

// Config tunes the scheduler.
type Config struct {
	ProviderTimeout time.Duration
	Policy          Policy
	QueueDepth      int
}

// OutputWriter persists inline output bytes.
type OutputWriter interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// Submission is a validated generation ready to run.
type Submission struct {
	Generation  *models.Generation
	Adapter     provider.Adapter
	Inputs      []provider.Input
	Options     provider.Options
	Credentials map[string]string
	Endpoint    provider.Endpoint
}

// Scheduler dispatches submissions onto per-slot executions.
type Scheduler struct {
	cfg   Config
	store *store.Store
	bus   event.Bus
	files OutputWriter

	mu         sync.Mutex
	slots      map[string]*slot
	executions map[uuid.UUID]*execution
	closed     bool
	wg         sync.WaitGroup
}

type slot struct {
	running uuid.UUID
	queue   []*execution
}

// New returns a scheduler. files may be nil when adapters never return
// inline bytes.
func New(cfg Config, st *store.Store, bus event.Bus, files OutputWriter) *Scheduler {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyReject
	}
	return &Scheduler{
		cfg:        cfg,
		store:      st,
		bus:        bus,
		files:      files,
		slots:      make(map[string]*slot),
		executions: make(map[uuid.UUID]*execution),
	}
}

// Submit records a queued generation and schedules it on its slot. No
// record is created when the submission is rejected.
func (s *Scheduler) Submit(ctx context.Context, sub *Submission) (*models.Generation, error) {
	if err := validate(sub); err != nil {
		return nil, err
	}

	g := sub.Generation
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if strings.TrimSpace(g.Slot) == "" {
		g.Slot = DefaultSlot
	}
	g.Status = models.StatusQueued
	g.Outputs = make([]*models.Output, 0)

	e := newExecution(sub)

	if err := s.reserve(e); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, g); err != nil {
		e.createErr = err
		close(e.ready)
		s.abandon(e)
		return nil, err
	}

	e.mu.Lock()
	e.gen = g.Clone()
	e.mu.Unlock()

	s.bus.Publish(event.Event{
		Type:         event.TypeGeneration,
		GenerationID: g.ID,
		Generation:   g.Clone(),
		Status:       g.Status,
	})

	close(e.ready)

	log.Info("generation submitted", "id", g.ID, "provider", g.ProviderID, "slot", g.Slot)

	return g.Clone(), nil
}

func validate(sub *Submission) error {
	switch {
	case sub == nil || sub.Generation == nil:
		return failure.Validation("submission is empty")
	case sub.Adapter == nil:
		return failure.Validation("no adapter for provider %q", sub.Generation.ProviderID)
	case strings.TrimSpace(sub.Generation.Prompt) == "":
		return failure.Validation("prompt is required")
	case len(sub.Inputs) == 0:
		return failure.Validation("at least one input is required")
	case len(sub.Credentials) == 0:
		return failure.Validation("credentials for provider %q are required", sub.Generation.ProviderID)
	}
	return nil
}

// reserve claims the slot (or a queue position) for e.
func (s *Scheduler) reserve(e *execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	key := e.sub.Generation.Slot
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{}
		s.slots[key] = sl
	}

	s.executions[e.id] = e

	if sl.running == uuid.Nil {
		s.dispatch(sl, e)
		return nil
	}

	if s.cfg.Policy == PolicyQueue && len(sl.queue) < s.cfg.QueueDepth {
		sl.queue = append(sl.queue, e)
		metrics.GenerationsQueued.WithLabelValues(key).Set(float64(len(sl.queue)))
		return nil
	}

	delete(s.executions, e.id)
	metrics.SlotRejectionsTotal.WithLabelValues(key).Inc()

	return fmt.Errorf("%w: slot %q is running generation %s", failure.ErrSlotBusy, key, sl.running)
}

// dispatch starts e on sl. Callers hold s.mu.
func (s *Scheduler) dispatch(sl *slot, e *execution) {
	sl.running = e.id
	e.dispatched = true

	ctx, cancel := context.WithCancelCause(context.Background())
	e.ctx = ctx
	e.cancel = cancel

	s.wg.Add(1)
	go s.run(e)
}

// abandon drops a reservation whose record could not be created. A
// dispatched execution sees createErr and releases itself.
func (s *Scheduler) abandon(e *execution) {
	s.mu.Lock()
	owned := s.dequeueLocked(e)
	s.mu.Unlock()

	if owned {
		close(e.done)
	}
}

// dequeueLocked releases an execution that never started. It reports
// whether the caller now owns closing e.done. Callers hold s.mu.
func (s *Scheduler) dequeueLocked(e *execution) bool {
	if e.dispatched || e.released {
		return false
	}
	s.releaseLocked(e)
	return true
}

func (s *Scheduler) run(e *execution) {
	defer s.wg.Done()
	defer close(e.done)
	defer s.release(e)

	<-e.ready
	if e.createErr != nil {
		e.cancel(e.createErr)
		return
	}

	ctx, cancel := context.WithTimeoutCause(e.ctx, s.cfg.ProviderTimeout, failure.ErrTimeout)
	defer cancel()
	defer e.cancel(nil)

	slotName := e.sub.Generation.Slot
	metrics.GenerationsActive.WithLabelValues(slotName).Inc()
	defer metrics.GenerationsActive.WithLabelValues(slotName).Dec()

	if !s.markStarted(e) {
		return
	}

	req := &provider.Request{
		GenerationID: e.id.String(),
		ProviderID:   e.sub.Generation.ProviderID,
		Prompt:       e.sub.Generation.Prompt,
		Inputs:       e.sub.Inputs,
		Options:      e.sub.Options,
		Credentials:  e.sub.Credentials,
		Endpoint:     e.sub.Endpoint,
	}

	cb := provider.Callbacks{
		OnOutputs: func(outs []provider.Output) { s.recordOutputs(e, outs) },
		OnStatus:  func(msg string) { s.providerStatus(e, msg) },
	}

	outs, err := s.execute(ctx, e, req, cb)
	s.recordOutputs(e, outs)

	s.finalize(e, s.outcome(ctx, err))
}

func (s *Scheduler) execute(ctx context.Context, e *execution, req *provider.Request, cb provider.Callbacks) (outs []provider.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("provider adapter panicked", "id", e.id, "panic", r)
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()

	return e.sub.Adapter.Execute(ctx, req, cb)
}

// outcome maps the adapter result onto the failure taxonomy, preferring
// the reason the execution context was cancelled.
func (s *Scheduler) outcome(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, failure.ErrTimeout):
			return fmt.Errorf("%w after %s", failure.ErrTimeout, s.cfg.ProviderTimeout)
		case cause != nil && !errors.Is(cause, context.Canceled):
			return cause
		}
	}

	switch {
	case errors.Is(err, provider.ErrCancelled):
		return failure.ErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", failure.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", failure.ErrProvider, err)
	}
}

func (s *Scheduler) markStarted(e *execution) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finalized {
		return false
	}

	now := time.Now().UTC()
	status := models.StatusInProgress

	g, err := s.store.Update(context.Background(), e.id, store.Patch{Status: &status, StartedAt: &now})
	if err != nil {
		log.Error("failed to start generation", "id", e.id, "error", err)
		if errors.Is(err, failure.ErrTransition) && g != nil {
			e.finalized = true
			e.gen = g
			return false
		}
		s.finalizeLocked(e, err)
		return false
	}

	e.gen = g
	e.startedAt = now

	s.bus.Publish(event.Event{
		Type:         event.TypeStatus,
		GenerationID: e.id,
		Status:       g.Status,
		Generation:   g.Clone(),
	})

	return true
}

// recordOutputs persists the outputs beyond those already reported. outs
// is the adapter's cumulative set.
func (s *Scheduler) recordOutputs(e *execution, outs []provider.Output) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finalized || len(outs) <= e.reported {
		return
	}

	ctx := context.WithoutCancel(e.ctx)
	fresh := outs[e.reported:]
	rows := make([]*models.Output, 0, len(fresh))

	for i, o := range fresh {
		index := e.nextIndex + i
		row := &models.Output{
			ID:          uuid.New(),
			OutputIndex: index,
			LocalPath:   o.LocalPath,
			RemoteURL:   o.URL,
			MimeType:    o.MimeType,
			Width:       o.Width,
			Height:      o.Height,
		}

		if len(o.Data) > 0 {
			path, err := s.writeFile(ctx, e.id, index, o)
			if err != nil {
				log.Error("failed to write output file", "id", e.id, "index", index, "error", err)
				e.fault = err
				e.cancel(err)
				return
			}
			row.LocalPath = path
		}

		rows = append(rows, row)
	}

	g, err := s.store.AppendOutputs(ctx, e.id, rows)
	if err != nil {
		log.Error("failed to record outputs", "id", e.id, "count", len(rows), "error", err)
		e.fault = err
		e.cancel(err)
		return
	}

	e.reported = len(outs)
	e.nextIndex += len(rows)
	e.gen = g

	metrics.OutputsTotal.WithLabelValues(g.ProviderID).Add(float64(len(rows)))

	s.bus.Publish(event.Event{
		Type:         event.TypeOutputs,
		GenerationID: e.id,
		Outputs:      models.CloneOutputs(g.Outputs),
	})
}

func (s *Scheduler) writeFile(ctx context.Context, id uuid.UUID, index int, o provider.Output) (string, error) {
	if s.files == nil {
		return "", failure.Storage("write output", errors.New("no output store configured"))
	}
	path, err := s.files.Write(ctx, storage.OutputKey(id.String(), index, o.MimeType), o.Data)
	if err != nil {
		return "", failure.Storage("write output", err)
	}
	return path, nil
}

func (s *Scheduler) providerStatus(e *execution, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finalized || e.gen == nil {
		return
	}

	log.Debug("provider status", "id", e.id, "status", msg)

	s.bus.Publish(event.Event{
		Type:         event.TypeStatus,
		GenerationID: e.id,
		Status:       e.gen.Status,
		Message:      msg,
	})
}

func (s *Scheduler) finalize(e *execution, execErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s.finalizeLocked(e, execErr)
}

// finalizeLocked writes the terminal status once. A failed write leaves the
// record at its last persisted status for reconciliation.
func (s *Scheduler) finalizeLocked(e *execution, execErr error) {
	if e.finalized {
		return
	}
	e.finalized = true

	if e.fault != nil {
		execErr = e.fault
	}

	status, code := failure.Classify(execErr)
	now := time.Now().UTC()

	patch := store.Patch{Status: &status, CompletedAt: &now}
	if code != models.ErrorCodeNone {
		msg := failure.Message(code, execErr)
		patch.ErrorCode = &code
		patch.ErrorMessage = &msg
	}

	g, err := s.store.Update(context.Background(), e.id, patch)
	if err != nil {
		if errors.Is(err, failure.ErrTransition) && g != nil {
			e.gen = g
			return
		}
		log.Error("failed to finalize generation", "id", e.id, "status", status, "error", err)
		return
	}

	e.gen = g

	metrics.GenerationsTotal.WithLabelValues(g.ProviderID, string(status)).Inc()
	if !e.startedAt.IsZero() {
		metrics.GenerationDurationSeconds.WithLabelValues(g.ProviderID, string(status)).Observe(now.Sub(e.startedAt).Seconds())
	}

	log.Info("generation finalized", "id", e.id, "status", status, "error_code", code, "outputs", len(g.Outputs))

	s.bus.Publish(event.Event{
		Type:         event.TypeStatus,
		GenerationID: e.id,
		Status:       g.Status,
		Generation:   g.Clone(),
	})

	if status == models.StatusFailed {
		s.bus.Publish(event.Event{
			Type:         event.TypeFailed,
			GenerationID: e.id,
			Status:       g.Status,
			Message:      g.ErrorMessage,
		})
	}
}

// release frees e's slot, starting the next queued execution if any.
func (s *Scheduler) release(e *execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(e)
}

func (s *Scheduler) releaseLocked(e *execution) {
	if e.released {
		return
	}
	e.released = true

	if cur, ok := s.executions[e.id]; ok && cur == e {
		delete(s.executions, e.id)
	}

	key := e.sub.Generation.Slot
	sl, ok := s.slots[key]
	if !ok {
		return
	}

	for i, q := range sl.queue {
		if q == e {
			sl.queue = append(sl.queue[:i], sl.queue[i+1:]...)
			break
		}
	}

	if sl.running == e.id {
		sl.running = uuid.Nil
		if len(sl.queue) > 0 && !s.closed {
			next := sl.queue[0]
			sl.queue = sl.queue[1:]
			s.dispatch(sl, next)
		}
	}

	metrics.GenerationsQueued.WithLabelValues(key).Set(float64(len(sl.queue)))

	if sl.running == uuid.Nil && len(sl.queue) == 0 {
		delete(s.slots, key)
	}
}

// Cancel stops a generation. Terminal records are returned unchanged;
// untracked non-terminal records return failure.ErrNotTracked.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	s.mu.Lock()
	e, ok := s.executions[id]
	dispatched := ok && e.dispatched
	s.mu.Unlock()

	if !ok {
		g, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if g.Status.Terminal() {
			return g, nil
		}
		return g, fmt.Errorf("%w: %s", failure.ErrNotTracked, id)
	}

	if !dispatched {
		return s.cancelQueued(ctx, e)
	}

	e.cancel(failure.ErrCancelled)

	timer := time.NewTimer(CancelGracePeriod)
	defer timer.Stop()

	select {
	case <-e.done:
	case <-timer.C:
		log.Warn("provider ignored cancellation, forcing", "id", id, "grace", CancelGracePeriod)
		s.finalize(e, failure.ErrCancelled)
		s.release(e)
	case <-ctx.Done():
		return e.snapshot(), ctx.Err()
	}

	return e.snapshot(), nil
}

func (s *Scheduler) cancelQueued(ctx context.Context, e *execution) (*models.Generation, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.createErr != nil {
		return nil, e.createErr
	}

	s.mu.Lock()
	dispatched := e.dispatched
	owned := s.dequeueLocked(e)
	s.mu.Unlock()

	switch {
	case dispatched:
		// promoted while we waited
		return s.Cancel(ctx, e.id)
	case !owned:
		select {
		case <-e.done:
		case <-ctx.Done():
			return e.snapshot(), ctx.Err()
		}
		return e.snapshot(), nil
	}

	s.finalize(e, failure.ErrCancelled)
	close(e.done)

	return e.snapshot(), nil
}

// Tracked reports whether id is queued or running in this process.
func (s *Scheduler) Tracked(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.executions[id]
	return ok
}

// Snapshot returns the in-memory view of a tracked generation.
func (s *Scheduler) Snapshot(id uuid.UUID) (*models.Generation, bool) {
	s.mu.Lock()
	e, ok := s.executions[id]
	s.mu.Unlock()

	if !ok {
		return nil, false
	}

	g := e.snapshot()
	return g, g != nil
}

// Mutate runs fn under the execution lock of a tracked generation so its
// result is ordered with adapter callbacks, then publishes the resulting
// output set. Untracked generations return failure.ErrNotTracked.
func (s *Scheduler) Mutate(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) (*models.Generation, error)) (*models.Generation, error) {
	s.mu.Lock()
	e, ok := s.executions[id]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", failure.ErrNotTracked, id)
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	g, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, nil
	}

	if e.gen != nil {
		e.gen.Outputs = models.CloneOutputs(g.Outputs)
		e.gen.UpdatedAt = g.UpdatedAt
	}

	s.bus.Publish(event.Event{
		Type:         event.TypeOutputs,
		GenerationID: id,
		Outputs:      models.CloneOutputs(g.Outputs),
	})

	return g, nil
}

// Shutdown stops accepting work, interrupts every execution and waits for
// them to finalize or for ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var queued, running []*execution
	for _, e := range s.executions {
		switch {
		case e.dispatched:
			running = append(running, e)
		case s.dequeueLocked(e):
			queued = append(queued, e)
		}
	}
	s.mu.Unlock()

	for _, e := range running {
		e.cancel(failure.ErrInterrupted)
	}

	for _, e := range queued {
		select {
		case <-e.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if e.createErr == nil {
			s.finalize(e, failure.ErrInterrupted)
		}
		close(e.done)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
