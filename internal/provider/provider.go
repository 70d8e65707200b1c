// Package provider defines the contract between the scheduler and the
// external image generation backends.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrCancelled is returned by an adapter that stopped because its context
// was cancelled by the caller.
var ErrCancelled = errors.New("provider call cancelled")

// Input is one reference image handed to an adapter.
type Input struct {
	Type    string
	Value   string
	DataURL string
}

// Options are the normalized generation options.
type Options struct {
	NumImages int
	MaxImages int
	Size      string
	Seed      int64
	Extra     map[string]any
}

// Calls returns how many provider calls are needed to produce NumImages
// with at most MaxImages per call.
func (o Options) Calls() int {
	if o.NumImages <= 0 {
		return 0
	}
	per := o.MaxImages
	if per <= 0 || per > o.NumImages {
		per = o.NumImages
	}
	return (o.NumImages + per - 1) / per
}

// Endpoint locates the backend for a request.
type Endpoint struct {
	BaseURL string
	Model   string
}

// Request is a single generation handed to an adapter.
type Request struct {
	GenerationID string
	ProviderID   string
	Prompt       string
	Inputs       []Input
	Options      Options
	Credentials  map[string]string
	Endpoint     Endpoint
}

// Output is one produced image. Data holds raw bytes when the backend
// returned them inline and the scheduler should persist them.
type Output struct {
	URL       string
	LocalPath string
	MimeType  string
	Width     int
	Height    int
	Data      []byte
}

// Callbacks receive progress from a running adapter. OnOutputs is always
// called with the cumulative set produced so far.
type Callbacks struct {
	OnOutputs func([]Output)
	OnStatus  func(string)
}

// Report forwards the cumulative outputs to OnOutputs when set.
func (c Callbacks) Report(outs []Output) {
	if c.OnOutputs != nil {
		c.OnOutputs(outs)
	}
}

// Status forwards a provider status string to OnStatus when set.
func (c Callbacks) Status(s string) {
	if c.OnStatus != nil {
		c.OnStatus(s)
	}
}

// Adapter executes generations against one kind of backend.
type Adapter interface {
	Kind() string
	Execute(ctx context.Context, req *Request, cb Callbacks) ([]Output, error)
}

// Error is a failure reported by the backend.
type Error struct {
	Provider   string
	Code       string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode > 0 && e.Code != "":
		return fmt.Sprintf("%s: %s (http %d): %v", e.Provider, e.Code, e.StatusCode, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: http %d: %v", e.Provider, e.StatusCode, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the call may succeed when retried.
func (e *Error) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Registry maps adapter kinds to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its kind.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for kind.
func (r *Registry) Get(kind string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	return a, ok
}

// Kinds lists registered adapter kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ContextError maps a finished context onto the adapter error contract:
// context.DeadlineExceeded for an expired deadline, ErrCancelled otherwise.
func ContextError(ctx context.Context) error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return context.DeadlineExceeded
	default:
		return ErrCancelled
	}
}
