package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caesium-cloud/pigment/internal/catalog"
	"github.com/caesium-cloud/pigment/internal/catalog/secret"
	"github.com/caesium-cloud/pigment/internal/event"
	"github.com/caesium-cloud/pigment/internal/failure"
	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/caesium-cloud/pigment/internal/provider"
	"github.com/caesium-cloud/pigment/internal/provider/mock"
	"github.com/caesium-cloud/pigment/internal/scheduler"
	"github.com/caesium-cloud/pigment/internal/storage"
	"github.com/caesium-cloud/pigment/internal/store"
	"github.com/caesium-cloud/pigment/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
)

const stepKind = "step"

// stepAdapter reports its outputs, signals started, then waits for
// release or cancellation.
type stepAdapter struct {
	started chan *provider.Request
	release chan struct{}
	outputs []provider.Output
}

func newStepAdapter(outputs ...provider.Output) *stepAdapter {
	return &stepAdapter{
		started: make(chan *provider.Request, 4),
		release: make(chan struct{}),
		outputs: outputs,
	}
}

func (a *stepAdapter) Kind() string { return stepKind }

func (a *stepAdapter) Execute(ctx context.Context, req *provider.Request, cb provider.Callbacks) ([]provider.Output, error) {
	if len(a.outputs) > 0 {
		cb.Report(a.outputs)
	}
	a.started <- req
	select {
	case <-ctx.Done():
		return nil, provider.ContextError(ctx)
	case <-a.release:
		return a.outputs, nil
	}
}

type GatewayTestSuite struct {
	suite.Suite
	ctx       context.Context
	db        *gorm.DB
	store     *store.Store
	bus       event.Bus
	scheduler *scheduler.Scheduler
	step      *stepAdapter
	gateway   *Gateway
	inputDir  string
}

func TestGatewayTestSuite(t *testing.T) {
	suite.Run(t, new(GatewayTestSuite))
}

func (s *GatewayTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.db = testutil.OpenTestDB(s.T())

	files, err := storage.NewFileStore(s.T().TempDir())
	s.Require().NoError(err)

	s.store = store.New(s.db, files)
	s.bus = event.New()
	s.scheduler = scheduler.New(scheduler.Config{}, s.store, s.bus, files)
	s.step = newStepAdapter(
		provider.Output{URL: "https://cdn.example.com/0.png", MimeType: "image/png"},
		provider.Output{URL: "https://cdn.example.com/1.png", MimeType: "image/png"},
	)

	cat, err := catalog.New(
		&catalog.Provider{
			ID:          "mock",
			Kind:        mock.Kind,
			Credentials: map[string]string{"api_key": "dev"},
			Defaults:    map[string]any{"size": "512x512"},
		},
		&catalog.Provider{ID: "step", Kind: stepKind, Credentials: map[string]string{"api_key": "dev"}},
		&catalog.Provider{ID: "keyless", Kind: mock.Kind},
		&catalog.Provider{ID: "exotic", Kind: "unregistered", Credentials: map[string]string{"api_key": "dev"}},
		&catalog.Provider{
			ID:          "strict",
			Kind:        mock.Kind,
			Credentials: map[string]string{"api_key": "dev"},
			OptionsSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"style": map[string]any{"enum": []any{"photo", "sketch"}}},
			},
		},
	)
	s.Require().NoError(err)

	s.inputDir = s.T().TempDir()
	s.gateway = New(Config{
		Limits:      Limits{MaxInputBytes: 64},
		InputDir:    s.inputDir,
		Catalog:     cat,
		Credentials: catalog.NewCredentials(secret.NewChain(), time.Minute),
		Adapters:    provider.NewRegistry(mock.New(10*time.Millisecond, false), s.step),
		Scheduler:   s.scheduler,
		Store:       s.store,
		Bus:         s.bus,
	})
}

func (s *GatewayTestSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(s.scheduler.Shutdown(ctx))
}

func (s *GatewayTestSuite) request(providerID string, options map[string]any) *SubmitRequest {
	return &SubmitRequest{
		ProviderID: providerID,
		Prompt:     "a red cube",
		Inputs:     []models.InputReference{{Type: models.InputURL, Value: "https://example.com/in.png"}},
		Options:    options,
	}
}

func (s *GatewayTestSuite) waitTerminal(id uuid.UUID) *models.Generation {
	var gen *models.Generation
	s.Require().Eventually(func() bool {
		g, err := s.gateway.HistoryGet(s.ctx, id)
		s.Require().NoError(err)
		gen = g
		return g.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return gen
}

func (s *GatewayTestSuite) startStep(slot string) *models.Generation {
	req := s.request("step", nil)
	req.Slot = slot
	gen, err := s.gateway.Submit(s.ctx, req)
	s.Require().NoError(err)

	select {
	case <-s.step.started:
	case <-time.After(5 * time.Second):
		s.FailNow("adapter never started")
	}
	return gen
}

func (s *GatewayTestSuite) orphan(status models.Status) *models.Generation {
	gen := testutil.NewGeneration("restarted")
	s.Require().NoError(s.store.Create(s.ctx, gen))
	if status != models.StatusQueued {
		_, err := s.store.Update(s.ctx, gen.ID, store.Patch{Status: &status})
		s.Require().NoError(err)
	}
	return gen
}

func (s *GatewayTestSuite) TestSubmitRedCube() {
	gen, err := s.gateway.Submit(s.ctx, s.request("mock", map[string]any{"numImages": 2, "maxImages": 1}))
	s.Require().NoError(err)
	s.Equal(models.StatusQueued, gen.Status)
	s.Equal(scheduler.DefaultSlot, gen.Slot)

	done := s.waitTerminal(gen.ID)
	s.Equal(models.StatusCompleted, done.Status)
	s.Require().Len(done.Outputs, 2)
	s.Equal(0, done.Outputs[0].OutputIndex)
	s.Equal(1, done.Outputs[1].OutputIndex)

	s.EqualValues(2, done.RequestOptions["numImages"])
	s.EqualValues(1, done.RequestOptions["maxImages"])
	s.Equal("512x512", done.RequestOptions["size"])
	s.Contains(done.RequestOptions, "seed")
}

func (s *GatewayTestSuite) TestSubmitWithoutInputsCreatesNothing() {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	events, err := s.bus.Subscribe(ctx, event.Filter{})
	s.Require().NoError(err)

	req := s.request("mock", nil)
	req.Inputs = nil

	gen, err := s.gateway.Submit(s.ctx, req)
	s.Require().ErrorIs(err, failure.ErrValidation)
	s.Nil(gen)

	testutil.AssertCount(s.T(), s.db, &models.Generation{}, 0)

	select {
	case e := <-events:
		s.Failf("unexpected event", "%+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func (s *GatewayTestSuite) TestSubmitValidation() {
	cases := []struct {
		name   string
		mutate func(*SubmitRequest)
		target error
	}{
		{name: "blank prompt", mutate: func(r *SubmitRequest) { r.Prompt = "  " }, target: failure.ErrValidation},
		{name: "bad input type", mutate: func(r *SubmitRequest) { r.Inputs[0].Type = "ftp" }, target: failure.ErrValidation},
		{name: "empty input", mutate: func(r *SubmitRequest) { r.Inputs[0].Value = "" }, target: failure.ErrValidation},
		{name: "zero outputs", mutate: func(r *SubmitRequest) { r.Options = map[string]any{"numImages": 0} }, target: failure.ErrValidation},
		{name: "too many outputs", mutate: func(r *SubmitRequest) { r.Options = map[string]any{"numImages": 9} }, target: failure.ErrValidation},
		{name: "zero per call", mutate: func(r *SubmitRequest) { r.Options = map[string]any{"maxImages": 0} }, target: failure.ErrValidation},
		{name: "non-integer count", mutate: func(r *SubmitRequest) { r.Options = map[string]any{"numImages": "many"} }, target: failure.ErrValidation},
		{name: "malformed size", mutate: func(r *SubmitRequest) { r.Options = map[string]any{"size": "large"} }, target: failure.ErrValidation},
		{name: "size too small", mutate: func(r *SubmitRequest) { r.Options = map[string]any{"size": "16x16"} }, target: failure.ErrValidation},
		{name: "size too large", mutate: func(r *SubmitRequest) { r.Options = map[string]any{"size": "8192x512"} }, target: failure.ErrValidation},
		{name: "negative seed", mutate: func(r *SubmitRequest) { r.Options = map[string]any{"seed": -1} }, target: failure.ErrValidation},
		{
			name: "image budget",
			mutate: func(r *SubmitRequest) {
				for i := 0; i < 10; i++ {
					r.Inputs = append(r.Inputs, models.InputReference{Type: models.InputURL, Value: "https://example.com/x.png"})
				}
				r.Options = map[string]any{"numImages": 8}
			},
			target: failure.ErrValidation,
		},
		{name: "missing local file", mutate: func(r *SubmitRequest) {
			r.Inputs[0] = models.InputReference{Type: models.InputLocalPath, Value: "/does/not/exist.png"}
		}, target: failure.ErrValidation},
		{name: "unknown provider", mutate: func(r *SubmitRequest) { r.ProviderID = "nobody" }, target: failure.ErrNotFound},
		{name: "unsupported kind", mutate: func(r *SubmitRequest) { r.ProviderID = "exotic" }, target: failure.ErrValidation},
		{name: "no credentials", mutate: func(r *SubmitRequest) { r.ProviderID = "keyless" }, target: failure.ErrValidation},
		{name: "blank override", mutate: func(r *SubmitRequest) { r.Credentials = map[string]string{"api_key": " "} }, target: failure.ErrValidation},
		{name: "options schema", mutate: func(r *SubmitRequest) {
			r.ProviderID = "strict"
			r.Options = map[string]any{"style": "oil"}
		}, target: failure.ErrValidation},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			req := s.request("mock", nil)
			tc.mutate(req)

			_, err := s.gateway.Submit(s.ctx, req)
			s.Require().ErrorIs(err, tc.target)
		})
	}

	testutil.AssertCount(s.T(), s.db, &models.Generation{}, 0)
}

func (s *GatewayTestSuite) TestSubmitKeylessProviderWithOverride() {
	req := s.request("keyless", nil)
	req.Credentials = map[string]string{"api_key": "caller"}

	gen, err := s.gateway.Submit(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, s.waitTerminal(gen.ID).Status)
}

func (s *GatewayTestSuite) TestSubmitSlotBusy() {
	first := s.startStep("workspace-1")

	req := s.request("step", nil)
	req.Slot = "workspace-1"
	_, err := s.gateway.Submit(s.ctx, req)
	s.Require().ErrorIs(err, failure.ErrSlotBusy)

	testutil.AssertCount(s.T(), s.db, &models.Generation{}, 1)

	res, err := s.gateway.Cancel(s.ctx, first.ID)
	s.Require().NoError(err)
	s.True(res.Success)
	s.Equal(models.StatusCancelled, res.Job.Status)
}

func (s *GatewayTestSuite) TestSubmitPreparesLocalInputs() {
	s.Require().NoError(os.Mkdir(filepath.Join(s.inputDir, "refs"), 0o755))
	path := filepath.Join(s.inputDir, "refs", "in.png")
	s.Require().NoError(os.WriteFile(path, []byte("\x89PNG\r\n\x1a\nrest"), 0o600))

	req := s.request("step", nil)
	req.Inputs = []models.InputReference{
		{Type: models.InputLocalPath, Value: "refs/in.png"},
		{Type: models.InputURL, Value: "https://example.com/b.png", PreparedDataURL: "data:image/png;base64,AAAA"},
	}

	gen, err := s.gateway.Submit(s.ctx, req)
	s.Require().NoError(err)

	var seen *provider.Request
	select {
	case seen = <-s.step.started:
	case <-time.After(5 * time.Second):
		s.FailNow("adapter never started")
	}

	s.Require().Len(seen.Inputs, 2)
	s.True(strings.HasPrefix(seen.Inputs[0].DataURL, "data:image/png;base64,"))
	s.Equal("data:image/png;base64,AAAA", seen.Inputs[1].DataURL)
	s.Equal("dev", seen.Credentials["api_key"])

	stored, err := s.store.Get(s.ctx, gen.ID)
	s.Require().NoError(err)
	for _, in := range stored.InputSources {
		s.Empty(in.PreparedDataURL)
	}

	close(s.step.release)
	s.Equal(models.StatusCompleted, s.waitTerminal(gen.ID).Status)
}

func (s *GatewayTestSuite) TestSubmitRejectsUnsafeLocalInputs() {
	s.Require().NoError(os.WriteFile(filepath.Join(s.inputDir, "big.png"), make([]byte, 65), 0o600))
	s.Require().NoError(os.Mkdir(filepath.Join(s.inputDir, "dir"), 0o755))

	outsideDir := s.T().TempDir()
	outside := filepath.Join(outsideDir, "secret.png")
	s.Require().NoError(os.WriteFile(outside, []byte("png"), 0o600))
	s.Require().NoError(os.Symlink(outside, filepath.Join(s.inputDir, "link.png")))

	cases := []struct {
		name  string
		value string
		msg   string
	}{
		{name: "oversize file", value: "big.png", msg: "exceeds 64 bytes"},
		{name: "directory", value: "dir", msg: "not available"},
		{name: "parent escape", value: "../" + filepath.Base(outsideDir) + "/secret.png", msg: "not available"},
		{name: "absolute outside root", value: outside, msg: "not available"},
		{name: "symlink outside root", value: "link.png", msg: "not available"},
		{name: "device", value: "/dev/zero", msg: "not available"},
		{name: "missing", value: "nope.png", msg: "not available"},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			req := s.request("mock", nil)
			req.Inputs = []models.InputReference{{Type: models.InputLocalPath, Value: tc.value}}

			_, err := s.gateway.Submit(s.ctx, req)
			s.Require().ErrorIs(err, failure.ErrValidation)
			s.Contains(err.Error(), tc.msg)
			s.NotContains(err.Error(), outsideDir)
		})
	}

	testutil.AssertCount(s.T(), s.db, &models.Generation{}, 0)
}

func (s *GatewayTestSuite) TestLocalInputsDisabledWithoutRoot() {
	gw := New(Config{Scheduler: s.scheduler, Store: s.store, Bus: s.bus})

	_, err := gw.readInput("in.png")
	s.Require().ErrorIs(err, errInputsDisabled)
}

func (s *GatewayTestSuite) TestReadInputStopsAtLimit() {
	path := filepath.Join(s.inputDir, "edge.png")
	s.Require().NoError(os.WriteFile(path, make([]byte, 64), 0o600))

	data, err := s.gateway.readInput(path)
	s.Require().NoError(err)
	s.Len(data, 64)

	s.Require().NoError(os.WriteFile(path, make([]byte, 1<<20), 0o600))
	_, err = s.gateway.readInput(path)
	s.Require().ErrorContains(err, "exceeds 64 bytes")
}

func (s *GatewayTestSuite) TestCancelTerminalIsNoop() {
	gen, err := s.gateway.Submit(s.ctx, s.request("mock", nil))
	s.Require().NoError(err)
	done := s.waitTerminal(gen.ID)

	res, err := s.gateway.Cancel(s.ctx, gen.ID)
	s.Require().NoError(err)
	s.True(res.Success)
	s.Empty(res.Error)
	s.Equal(done.Status, res.Job.Status)
}

func (s *GatewayTestSuite) TestCancelOrphanReconciles() {
	gen := s.orphan(models.StatusInProgress)

	res, err := s.gateway.Cancel(s.ctx, gen.ID)
	s.Require().NoError(err)
	s.False(res.Success)
	s.NotEmpty(res.Error)
	s.Equal(models.StatusFailed, res.Job.Status)
	s.Equal(models.ErrorCodeInterrupted, res.Job.ErrorCode)
}

func (s *GatewayTestSuite) TestCancelMissing() {
	_, err := s.gateway.Cancel(s.ctx, uuid.New())
	s.Require().ErrorIs(err, failure.ErrNotFound)
}

func (s *GatewayTestSuite) TestHistoryGetReconcilesOrphan() {
	gen := s.orphan(models.StatusInProgress)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	events, err := s.bus.Subscribe(ctx, event.Filter{GenerationID: gen.ID, Types: []event.Type{event.TypeFailed}})
	s.Require().NoError(err)

	got, err := s.gateway.HistoryGet(s.ctx, gen.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, got.Status)
	s.Equal(models.ErrorCodeInterrupted, got.ErrorCode)
	s.True(strings.HasPrefix(got.ErrorMessage, "interrupted: "))
	s.NotNil(got.CompletedAt)

	select {
	case e := <-events:
		s.Equal(got.ErrorMessage, e.Message)
	case <-time.After(time.Second):
		s.Fail("no failed event")
	}

	again, err := s.gateway.HistoryGet(s.ctx, gen.ID)
	s.Require().NoError(err)
	s.Equal(got.UpdatedAt, again.UpdatedAt)
}

func (s *GatewayTestSuite) TestHistoryGetMissing() {
	_, err := s.gateway.HistoryGet(s.ctx, uuid.New())
	s.Require().ErrorIs(err, failure.ErrNotFound)
}

func (s *GatewayTestSuite) TestHistoryGetPrefersSnapshot() {
	gen := s.startStep("live")

	got, err := s.gateway.HistoryGet(s.ctx, gen.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusInProgress, got.Status)
	s.Len(got.Outputs, 2)

	close(s.step.release)
	s.waitTerminal(gen.ID)

	s.gateway.mu.Lock()
	defer s.gateway.mu.Unlock()
	s.Empty(s.gateway.limiters)
}

func (s *GatewayTestSuite) TestHistoryListReconcilesAndFilters() {
	orphan := s.orphan(models.StatusQueued)

	gen, err := s.gateway.Submit(s.ctx, s.request("mock", nil))
	s.Require().NoError(err)
	s.waitTerminal(gen.ID)

	all, err := s.gateway.HistoryList(s.ctx, store.ListRequest{Status: models.StatusAll})
	s.Require().NoError(err)
	s.Require().Len(all, 2)
	for _, g := range all {
		s.True(g.Status.Terminal())
	}

	failed, err := s.gateway.HistoryList(s.ctx, store.ListRequest{Status: string(models.StatusFailed)})
	s.Require().NoError(err)
	s.Require().Len(failed, 1)
	s.Equal(orphan.ID, failed[0].ID)

	_, err = s.gateway.HistoryList(s.ctx, store.ListRequest{Status: "sideways"})
	s.Require().ErrorIs(err, failure.ErrValidation)
}

func (s *GatewayTestSuite) TestReconcileOrphansSkipsTracked() {
	s.orphan(models.StatusQueued)
	s.orphan(models.StatusInProgress)
	live := s.startStep("live")

	n, err := s.gateway.ReconcileOrphans(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)

	got, err := s.gateway.HistoryGet(s.ctx, live.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusInProgress, got.Status)

	close(s.step.release)
	s.waitTerminal(live.ID)
}

func (s *GatewayTestSuite) TestOutputDeleteOnlyOutput() {
	gen, err := s.gateway.Submit(s.ctx, s.request("mock", nil))
	s.Require().NoError(err)
	done := s.waitTerminal(gen.ID)
	s.Require().Len(done.Outputs, 1)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	events, err := s.bus.Subscribe(ctx, event.Filter{GenerationID: gen.ID})
	s.Require().NoError(err)

	res, err := s.gateway.OutputDelete(s.ctx, done.Outputs[0].ID, true)
	s.Require().NoError(err)
	s.True(res.Success)
	s.Equal(models.StatusCompleted, res.Job.Status)
	s.Empty(res.Job.Outputs)

	select {
	case e := <-events:
		s.Equal(event.TypeOutputs, e.Type)
		s.Empty(e.Outputs)
	case <-time.After(time.Second):
		s.Fail("no outputs event")
	}

	got, err := s.gateway.HistoryGet(s.ctx, gen.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, got.Status)
	s.Empty(got.Outputs)

	_, err = s.gateway.OutputDelete(s.ctx, done.Outputs[0].ID, true)
	s.Require().ErrorIs(err, failure.ErrNotFound)
}

func (s *GatewayTestSuite) TestOutputDeleteWhileRunningKeepsIndexes() {
	gen := s.startStep("live")

	snap, err := s.gateway.HistoryGet(s.ctx, gen.ID)
	s.Require().NoError(err)
	s.Require().Len(snap.Outputs, 2)

	res, err := s.gateway.OutputDelete(s.ctx, snap.Outputs[0].ID, false)
	s.Require().NoError(err)
	s.Require().Len(res.Job.Outputs, 1)
	s.Equal(1, res.Job.Outputs[0].OutputIndex)

	close(s.step.release)
	done := s.waitTerminal(gen.ID)
	s.Equal(models.StatusCompleted, done.Status)
	s.Require().Len(done.Outputs, 1)
	s.Equal(snap.Outputs[1].ID, done.Outputs[0].ID)
	s.Equal(1, done.Outputs[0].OutputIndex)
}

func (s *GatewayTestSuite) TestHistoryDeleteCancelsRunning() {
	gen := s.startStep("live")

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	events, err := s.bus.Subscribe(ctx, event.Filter{GenerationID: gen.ID, Types: []event.Type{event.TypeDeleted}})
	s.Require().NoError(err)

	res, err := s.gateway.HistoryDelete(s.ctx, gen.ID, true)
	s.Require().NoError(err)
	s.True(res.Success)
	s.False(s.scheduler.Tracked(gen.ID))

	testutil.AssertCount(s.T(), s.db, &models.Generation{}, 0)
	testutil.AssertCount(s.T(), s.db, &models.Output{}, 0)

	select {
	case e := <-events:
		s.Equal(gen.ID, e.GenerationID)
	case <-time.After(time.Second):
		s.Fail("no deleted event")
	}

	_, err = s.gateway.HistoryDelete(s.ctx, gen.ID, true)
	s.Require().True(errors.Is(err, failure.ErrNotFound))
}

func (s *GatewayTestSuite) TestRefreshThrottle() {
	id := uuid.New()
	s.True(s.gateway.allowRefresh(id))
	s.False(s.gateway.allowRefresh(id))

	s.gateway.forget(id)
	s.True(s.gateway.allowRefresh(id))

	s.Eventually(func() bool { return s.gateway.allowRefresh(id) }, 2*RefreshWindow, 20*time.Millisecond)
}

func (s *GatewayTestSuite) TestReconcileOrphansPrunesRefreshLimiters() {
	live := s.startStep("live")
	gone := uuid.New()

	s.True(s.gateway.allowRefresh(live.ID))
	s.True(s.gateway.allowRefresh(gone))

	_, err := s.gateway.ReconcileOrphans(s.ctx)
	s.Require().NoError(err)

	s.gateway.mu.Lock()
	s.Contains(s.gateway.limiters, live.ID)
	s.NotContains(s.gateway.limiters, gone)
	s.gateway.mu.Unlock()

	close(s.step.release)
	s.Require().Eventually(func() bool {
		snap, ok := s.scheduler.Snapshot(live.ID)
		return !ok || snap.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	_, err = s.gateway.ReconcileOrphans(s.ctx)
	s.Require().NoError(err)

	s.gateway.mu.Lock()
	defer s.gateway.mu.Unlock()
	s.Empty(s.gateway.limiters)
}
