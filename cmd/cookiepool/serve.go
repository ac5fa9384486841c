package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cookiepool/internal/dispatcher"
	"cookiepool/internal/pool"
	"cookiepool/internal/registry"
	"cookiepool/internal/validator"
	"cookiepool/pkg/config"
	"cookiepool/pkg/logger"
	"cookiepool/pkg/models"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session pool and job dispatcher",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	resolveSecrets(cfg)
	log := logger.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	validators := make(map[models.Platform]validator.Validator, len(models.Platforms()))
	for _, p := range models.Platforms() {
		validators[p] = validator.New(p, cfg, log)
	}
	mgr := pool.NewManager(store, func(p models.Platform) validator.Validator {
		return validators[p]
	}, log)

	d := dispatcher.NewDispatcher(cfg, mgr, log)
	d.Start(ctx)

	srv := dispatcher.NewServer(cfg, mgr, d, log)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("dispatcher server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown incomplete")
	}
	d.Wait()
	return nil
}

func newStore(ctx context.Context, cfg *config.Config, log logger.Logger) (registry.Store, error) {
	switch cfg.Database.Backend {
	case "memory":
		log.Warn("using the in-memory session registry: records do not survive restarts")
		return registry.NewMemoryStore(), nil
	case "postgres":
		return registry.NewPostgresStore(ctx, &cfg.Database, log)
	default:
		return nil, fmt.Errorf("unknown database backend: %q", cfg.Database.Backend)
	}
}
