// Package harness assembles a complete in-process orchestrator for tests
// of the outer layers.
package harness

import (
	"context"
	"testing"
	"time"

	"github.com/caesium-cloud/pigment/internal/catalog"
	"github.com/caesium-cloud/pigment/internal/catalog/secret"
	"github.com/caesium-cloud/pigment/internal/event"
	"github.com/caesium-cloud/pigment/internal/gateway"
	"github.com/caesium-cloud/pigment/internal/provider"
	"github.com/caesium-cloud/pigment/internal/provider/mock"
	"github.com/caesium-cloud/pigment/internal/scheduler"
	"github.com/caesium-cloud/pigment/internal/storage"
	"github.com/caesium-cloud/pigment/internal/store"
	"github.com/caesium-cloud/pigment/internal/testutil"
	"gorm.io/gorm"
)

// Provider ids registered in the harness catalog.
const (
	// FastProvider completes in a few milliseconds with inline PNG bytes.
	FastProvider = "mock"
	// SlowProvider waits SlowDelay between batches.
	SlowProvider = "slow"
	SlowDelay    = 2 * time.Second
)

// Harness holds every orchestrator component wired together.
type Harness struct {
	DB        *gorm.DB
	Files     *storage.FileStore
	Store     *store.Store
	Bus       event.Bus
	Scheduler *scheduler.Scheduler
	Gateway   *gateway.Gateway
}

// New builds a harness and shuts its scheduler down on cleanup.
func New(tb testing.TB) *Harness {
	tb.Helper()

	db := testutil.OpenTestDB(tb)

	files, err := storage.NewFileStore(tb.TempDir())
	if err != nil {
		tb.Fatalf("file store: %v", err)
	}

	st := store.New(db, files)
	bus := event.New()
	sched := scheduler.New(scheduler.Config{}, st, bus, files)

	cat, err := catalog.New(
		&catalog.Provider{ID: FastProvider, Kind: mock.Kind, Credentials: map[string]string{"api_key": "dev"}},
		&catalog.Provider{ID: SlowProvider, Kind: "slow", Credentials: map[string]string{"api_key": "dev"}},
	)
	if err != nil {
		tb.Fatalf("catalog: %v", err)
	}

	gw := gateway.New(gateway.Config{
		InputDir:    tb.TempDir(),
		Catalog:     cat,
		Credentials: catalog.NewCredentials(secret.NewChain(), time.Minute),
		Adapters:    provider.NewRegistry(mock.New(5*time.Millisecond, true), slow{mock.New(SlowDelay, false)}),
		Scheduler:   sched,
		Store:       st,
		Bus:         bus,
	})

	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sched.Shutdown(ctx); err != nil {
			tb.Errorf("scheduler shutdown: %v", err)
		}
	})

	return &Harness{
		DB:        db,
		Files:     files,
		Store:     st,
		Bus:       bus,
		Scheduler: sched,
		Gateway:   gw,
	}
}

// slow registers a delayed mock adapter under its own kind.
type slow struct {
	*mock.Adapter
}

func (slow) Kind() string { return "slow" }
