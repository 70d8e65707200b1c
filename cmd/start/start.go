package start

import (
	"context"
	"io/fs"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/caesium-cloud/pigment/api"
	"github.com/caesium-cloud/pigment/internal/catalog"
	"github.com/caesium-cloud/pigment/internal/catalog/secret"
	"github.com/caesium-cloud/pigment/internal/event"
	"github.com/caesium-cloud/pigment/internal/gateway"
	"github.com/caesium-cloud/pigment/internal/metrics"
	"github.com/caesium-cloud/pigment/internal/notify"
	"github.com/caesium-cloud/pigment/internal/provider"
	"github.com/caesium-cloud/pigment/internal/provider/httpimage"
	"github.com/caesium-cloud/pigment/internal/provider/mock"
	"github.com/caesium-cloud/pigment/internal/scheduler"
	"github.com/caesium-cloud/pigment/internal/storage"
	"github.com/caesium-cloud/pigment/internal/store"
	"github.com/caesium-cloud/pigment/internal/sweeper"
	"github.com/caesium-cloud/pigment/pkg/db"
	"github.com/caesium-cloud/pigment/pkg/env"
	"github.com/caesium-cloud/pigment/pkg/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	usage   = "start"
	short   = "Start a pigment orchestrator instance"
	long    = "This command starts a pigment orchestrator instance serving the REST API"
	example = "pigment start"
)

// shutdownGrace bounds how long in-flight generations get to settle.
const shutdownGrace = 15 * time.Second

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"launch", "boot", "up", "run", "serve"},
		Example:    example,
		RunE:       start,
	}
)

func start(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-signalChan:
				switch s {
				case syscall.SIGUSR1:
					log.Info("dumping stack traces due to SIGUSR1 signal")
					if profile := pprof.Lookup("goroutine"); profile != nil {
						if err := profile.WriteTo(os.Stdout, 1); err != nil {
							log.Error("write goroutine profile", "error", err)
						}
					}
				default:
					log.Info("gracefully shutting down", "signal", s.String())
					cancel()
					return
				}
			}
		}
	}()

	vars := env.Variables()

	gdb, err := db.Connection()
	if err != nil {
		return errors.Wrap(err, "database connection failure")
	}

	log.Info("migrating database")
	if err := db.Migrate(gdb); err != nil {
		return errors.Wrap(err, "database migration failure")
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return errors.Wrap(err, "database handle failure")
	}
	defer sqlDB.Close()

	files, err := storage.NewFileStore(vars.OutputDir)
	if err != nil {
		return errors.Wrap(err, "output directory failure")
	}

	cat, err := loadCatalog(vars.CatalogPath)
	if err != nil {
		return errors.Wrap(err, "provider catalog failure")
	}

	resolver, err := secret.NewConfigured(secretConfig(vars))
	if err != nil {
		return errors.Wrap(err, "secret resolver configuration failure")
	}

	policy, err := scheduler.ParsePolicy(vars.SlotPolicy)
	if err != nil {
		return errors.Wrap(err, "slot policy configuration failure")
	}

	metrics.Register()

	st := store.New(gdb, files)
	bus := event.New()
	sched := scheduler.New(scheduler.Config{
		ProviderTimeout: vars.ProviderTimeout,
		Policy:          policy,
		QueueDepth:      vars.SlotQueueDepth,
	}, st, bus, files)

	gw := gateway.New(gateway.Config{
		Limits: gateway.Limits{
			MaxOutputs:     vars.MaxOutputs,
			MaxTotalImages: vars.MaxTotalImages,
			MinDimension:   vars.MinDimension,
			MaxDimension:   vars.MaxDimension,
			MaxInputBytes:  vars.MaxInputBytes,
		},
		InputDir:    vars.InputDir,
		Catalog:     cat,
		Credentials: catalog.NewCredentials(resolver, vars.CredentialTTL),
		Adapters: provider.NewRegistry(
			httpimage.New(httpimage.Options{}),
			mock.New(250*time.Millisecond, true),
		),
		Scheduler: sched,
		Store:     st,
		Bus:       bus,
	})

	sw, err := sweeper.New(sweeper.Config{
		Schedule:        vars.SweepSchedule,
		RetentionMaxAge: vars.RetentionMaxAge,
	}, gw, st)
	if err != nil {
		return errors.Wrap(err, "sweeper configuration failure")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("spinning up api", "port", vars.Port)
		return api.Start(gctx, api.Options{Gateway: gw, Database: sqlDB}, vars.Port)
	})

	g.Go(func() error {
		log.Info("launching sweeper", "schedule", vars.SweepSchedule, "retention", vars.RetentionMaxAge)
		sw.Run(gctx)
		return nil
	})

	if vars.NotifyWebhookURL != "" {
		n, err := notify.New(notify.Config{
			URL:       vars.NotifyWebhookURL,
			Headers:   vars.NotifyHeaders,
			UserAgent: vars.NotifyUserAgent,
		}, nil)
		if err != nil {
			return errors.Wrap(err, "notifier configuration failure")
		}
		g.Go(func() error {
			log.Info("launching webhook notifier")
			if err := n.Run(gctx, bus); err != nil {
				log.Error("webhook notifier exited", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownGrace)
	defer stop()

	if serr := sched.Shutdown(shutdownCtx); serr != nil {
		log.Error("scheduler shutdown failure", "error", serr)
	}

	return err
}

// loadCatalog falls back to a single mock provider when no catalog exists.
func loadCatalog(path string) (*catalog.Catalog, error) {
	cat, err := catalog.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("provider catalog not found, serving the mock provider only", "path", path)
		return catalog.New(&catalog.Provider{ID: mock.Kind, Kind: mock.Kind})
	}
	if err != nil {
		return nil, err
	}

	log.Info("loaded provider catalog", "path", path, "providers", len(cat.Providers()))
	return cat, nil
}

func secretConfig(vars env.Environment) secret.Config {
	cfg := secret.Config{EnableEnv: vars.SecretsEnableEnv}

	if vars.SecretsVaultAddress != "" {
		cfg.Vault = &secret.VaultConfig{
			Address:       vars.SecretsVaultAddress,
			Token:         vars.SecretsVaultToken,
			Namespace:     vars.SecretsVaultNamespace,
			CACertPath:    vars.SecretsVaultCACert,
			TLSSkipVerify: vars.SecretsVaultSkipVerify,
		}
	}

	if vars.SecretsKubeEnabled {
		cfg.Kubernetes = &secret.KubernetesConfig{
			KubeConfigPath: vars.SecretsKubeConfig,
			Namespace:      vars.SecretsKubeNamespace,
		}
	}

	return cfg
}
