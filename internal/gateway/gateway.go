// Package gateway is the public entry point for generations. It validates
// requests before anything is recorded, resolves whether a generation is
// still running against the scheduler, and falls back to the store.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caesium-cloud/pigment/internal/catalog"
	"github.com/caesium-cloud/pigment/internal/event"
	"github.com/caesium-cloud/pigment/internal/failure"
	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/caesium-cloud/pigment/internal/provider"
	"github.com/caesium-cloud/pigment/internal/scheduler"
	"github.com/caesium-cloud/pigment/internal/store"
	"github.com/caesium-cloud/pigment/pkg/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
)

// RefreshWindow is the minimum spacing between forced store reads for one
// tracked generation.
const RefreshWindow = 500 * time.Millisecond

const (
	DefaultMaxOutputs     = 8
	DefaultMaxTotalImages = 16
	DefaultMinDimension   = 64
	DefaultMaxDimension   = 4096
	DefaultMaxInputBytes  = MaxInputBytes
)

// Limits are the request budgets enforced before dispatch.
type Limits struct {
	MaxOutputs     int
	MaxTotalImages int
	MinDimension   int
	MaxDimension   int
	MaxInputBytes  int64
}

func (l Limits) withDefaults() Limits {
	if l.MaxOutputs <= 0 {
		l.MaxOutputs = DefaultMaxOutputs
	}
	if l.MaxTotalImages <= 0 {
		l.MaxTotalImages = DefaultMaxTotalImages
	}
	if l.MinDimension <= 0 {
		l.MinDimension = DefaultMinDimension
	}
	if l.MaxDimension <= 0 {
		l.MaxDimension = DefaultMaxDimension
	}
	if l.MaxInputBytes <= 0 {
		l.MaxInputBytes = DefaultMaxInputBytes
	}
	return l
}

// Config wires the gateway's collaborators.
type Config struct {
	Limits Limits
	// InputDir roots localPath inputs. Empty disables them.
	InputDir    string
	Catalog     *catalog.Catalog
	Credentials *catalog.Credentials
	Adapters    *provider.Registry
	Scheduler   *scheduler.Scheduler
	Store       *store.Store
	Bus         event.Bus
}

// Gateway implements submit, cancel and the history operations.
type Gateway struct {
	limits      Limits
	catalog     *catalog.Catalog
	credentials *catalog.Credentials
	adapters    *provider.Registry
	scheduler   *scheduler.Scheduler
	store       *store.Store
	bus         event.Bus
	inputDir    string

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

// New constructs a gateway.
func New(cfg Config) *Gateway {
	inputDir := strings.TrimSpace(cfg.InputDir)
	if inputDir != "" {
		if abs, err := filepath.Abs(inputDir); err == nil {
			inputDir = abs
		}
	}

	return &Gateway{
		limits:      cfg.Limits.withDefaults(),
		catalog:     cfg.Catalog,
		credentials: cfg.Credentials,
		adapters:    cfg.Adapters,
		scheduler:   cfg.Scheduler,
		store:       cfg.Store,
		bus:         cfg.Bus,
		inputDir:    inputDir,
		limiters:    make(map[uuid.UUID]*rate.Limiter),
	}
}

// SubmitRequest is a caller's generation request.
type SubmitRequest struct {
	ProviderID  string                  `json:"provider_id"`
	Slot        string                  `json:"slot,omitempty"`
	Prompt      string                  `json:"prompt"`
	Inputs      []models.InputReference `json:"inputs"`
	Options     map[string]any          `json:"options,omitempty"`
	Credentials map[string]string       `json:"credentials,omitempty"`
}

// Submit validates req and hands it to the scheduler. Nothing is recorded
// or published when validation fails.
func (g *Gateway) Submit(ctx context.Context, req *SubmitRequest) (*models.Generation, error) {
	if req == nil {
		return nil, failure.Validation("request is empty")
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, failure.Validation("prompt is required")
	}

	if len(req.Inputs) == 0 {
		return nil, failure.Validation("at least one input is required")
	}
	for i, in := range req.Inputs {
		if !in.Type.Valid() {
			return nil, failure.Validation("input %d: unknown type %q", i, in.Type)
		}
		if strings.TrimSpace(in.Value) == "" {
			return nil, failure.Validation("input %d: value is required", i)
		}
	}

	p, err := g.catalog.Provider(req.ProviderID)
	if err != nil {
		return nil, err
	}

	adapter, ok := g.adapters.Get(p.Kind)
	if !ok {
		return nil, failure.Validation("provider %q uses unsupported kind %q", p.ID, p.Kind)
	}

	opts, persisted, err := normalize(g.limits, p, prompt, req.Inputs, req.Options)
	if err != nil {
		return nil, err
	}
	if err := p.ValidateOptions(persisted); err != nil {
		return nil, failure.Validation("provider %q: %v", p.ID, err)
	}

	creds, err := g.resolveCredentials(ctx, p, req.Credentials)
	if err != nil {
		return nil, err
	}

	inputs, sources, err := g.prepareInputs(req.Inputs)
	if err != nil {
		return nil, err
	}

	gen := &models.Generation{
		ProviderID:     p.ID,
		Slot:           strings.TrimSpace(req.Slot),
		Prompt:         prompt,
		InputSources:   datatypes.JSONSlice[models.InputReference](sources),
		RequestOptions: persisted,
	}

	return g.scheduler.Submit(ctx, &scheduler.Submission{
		Generation:  gen,
		Adapter:     adapter,
		Inputs:      inputs,
		Options:     opts,
		Credentials: creds,
		Endpoint:    provider.Endpoint{BaseURL: p.BaseURL, Model: p.Model},
	})
}

// resolveCredentials layers caller overrides over the catalog entry. The
// result lives only in memory.
func (g *Gateway) resolveCredentials(ctx context.Context, p *catalog.Provider, overrides map[string]string) (map[string]string, error) {
	resolved, err := g.credentials.Resolve(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrValidation, err)
	}

	for k, v := range overrides {
		resolved[k] = v
	}

	for k, v := range resolved {
		if strings.TrimSpace(v) == "" {
			delete(resolved, k)
		}
	}

	if len(resolved) == 0 {
		return nil, failure.Validation("no credentials configured for provider %q", p.ID)
	}

	return resolved, nil
}

// CancelResult reports the outcome of Cancel.
type CancelResult struct {
	Success bool               `json:"success"`
	Error   string             `json:"error,omitempty"`
	Job     *models.Generation `json:"job,omitempty"`
}

// Cancel stops a running generation. Terminal generations succeed with
// their current record; orphans are reconciled and reported unsuccessful.
func (g *Gateway) Cancel(ctx context.Context, id uuid.UUID) (*CancelResult, error) {
	gen, err := g.scheduler.Cancel(ctx, id)
	switch {
	case err == nil:
		if gen != nil && gen.Status.Terminal() {
			g.forget(id)
		}
		return &CancelResult{Success: true, Job: gen}, nil
	case errors.Is(err, failure.ErrNotTracked):
		reconciled, rerr := g.reconcile(ctx, gen)
		if rerr != nil {
			return nil, rerr
		}
		return &CancelResult{Success: false, Error: err.Error(), Job: reconciled}, nil
	default:
		return nil, err
	}
}

// Subscribe attaches to the event stream.
func (g *Gateway) Subscribe(ctx context.Context, filter event.Filter) (<-chan event.Event, error) {
	return g.bus.Subscribe(ctx, filter)
}

// allowRefresh reports whether a forced store read for id is due.
func (g *Gateway) allowRefresh(id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Every(RefreshWindow), 1)
		g.limiters[id] = l
	}
	return l.Allow()
}

func (g *Gateway) forget(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.limiters, id)
}

// pruneLimiters drops refresh limiters of generations that are untracked
// or finished.
func (g *Gateway) pruneLimiters() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id := range g.limiters {
		if snap, ok := g.scheduler.Snapshot(id); !ok || snap.Status.Terminal() {
			delete(g.limiters, id)
		}
	}
}

func (g *Gateway) publishDeleted(id uuid.UUID) {
	g.bus.Publish(event.Event{Type: event.TypeDeleted, GenerationID: id})
	log.Info("generation deleted", "id", id)
}
