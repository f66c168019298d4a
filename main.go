package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/loiht2/ml-platform-retrain/config"
	"github.com/loiht2/ml-platform-retrain/converter"
	"github.com/loiht2/ml-platform-retrain/gateway"
	"github.com/loiht2/ml-platform-retrain/handlers"
	"github.com/loiht2/ml-platform-retrain/k8s"
	"github.com/loiht2/ml-platform-retrain/logger"
	"github.com/loiht2/ml-platform-retrain/metrics"
	"github.com/loiht2/ml-platform-retrain/middleware"
	"github.com/loiht2/ml-platform-retrain/monitor"
	"github.com/loiht2/ml-platform-retrain/orchestrator"
	"github.com/loiht2/ml-platform-retrain/promotion"
	"github.com/loiht2/ml-platform-retrain/repository"
	"github.com/loiht2/ml-platform-retrain/storage"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "retrain",
		Short:         "Model retraining service for the ML platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "Path to the YAML config file")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the database schema and normalize the active model",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrate(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "reconcile",
			Short: "Reconcile every non-terminal job with the training service once",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runReconcile(cmd.Context(), configPath)
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds every wired component of the service.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	db        *gorm.DB
	repo      *repository.Repository
	collector *metrics.Collector
	orch      *orchestrator.Orchestrator
	engine    *promotion.Engine
}

func (a *app) Close() {
	if err := config.CloseDatabase(a.db); err != nil {
		a.log.Warn("Failed to close database", "error", err)
	}
	a.log.Sync()
}

func setup(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := config.OpenDatabase(cfg.Database, cfg.Log.Mode)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, db: db, repo: repository.NewRepository(db)}

	if cfg.Database.AutoMigrate {
		if err := a.repo.AutoMigrate(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
		}
	}

	var kube *k8s.Client
	if cfg.NeedsKubernetes() {
		if kube, err = k8s.NewClientFromKubeconfig(cfg.Kubernetes.Kubeconfig, cfg.Kubernetes.Namespace); err != nil {
			a.Close()
			return nil, err
		}
		if err := cfg.ResolveGatewayKey(ctx, kube); err != nil {
			a.Close()
			return nil, err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.collector = metrics.NewCollector(reg)

	gw, err := gateway.New(gateway.Options{
		BaseURL:       cfg.Gateway.BaseURL,
		APIKey:        cfg.Gateway.APIKey,
		Timeout:       cfg.Gateway.Timeout,
		SubmitTimeout: cfg.Gateway.SubmitTimeout,
		Observer:      a.collector,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orch = orchestrator.New(a.repo, gw,
		converter.NewConverter(cfg.Gateway.MaxWords, cfg.Gateway.MaxLen), log, a.collector,
		orchestrator.WithPendingGrace(cfg.Gateway.SubmitTimeout+time.Minute))

	opts := []promotion.Option{promotion.WithRecorder(a.collector)}
	if cfg.Archive.Enabled {
		archive, err := newArchive(ctx, cfg.Archive, kube, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, promotion.WithArchiver(archive))
	}
	a.engine = promotion.New(a.repo, a.orch, gw, log, opts...)

	log.Info("Configuration initialized successfully",
		"gateway", gw.BaseURL(),
		"monitor", cfg.Monitor.Enabled,
		"archive", cfg.Archive.Enabled,
	)
	return a, nil
}

func newArchive(ctx context.Context, cfg config.ArchiveConfig, kube *k8s.Client, log *logger.Logger) (*storage.ManifestArchive, error) {
	mcfg := storage.MinIOConfig{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Region:    cfg.Region,
		UseSSL:    cfg.UseSSL,
	}
	if cfg.CredentialsSecret.Name != "" {
		var err error
		mcfg, err = storage.ConfigFromSecret(ctx, kube, cfg.CredentialsSecret.Namespace, cfg.CredentialsSecret.Name, cfg.UseSSL)
		if err != nil {
			return nil, err
		}
	}
	client, err := storage.NewMinIOClient(mcfg, log)
	if err != nil {
		return nil, err
	}
	return storage.NewManifestArchive(client, cfg.Bucket), nil
}

func runServe(ctx context.Context, configPath string) error {
	a, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log
	cfg := a.cfg

	if id, err := a.repo.NormalizeActiveModel(ctx); err != nil {
		log.Warn("Failed to normalize active model", "error", err)
	} else if id != 0 {
		log.Info("Active model", "modelId", id)
	}

	if cfg.Monitor.Enabled {
		mon := monitor.NewJobMonitor(a.orch, cfg.Monitor.Interval, cfg.Monitor.Concurrency, log)
		mon.Start(ctx)
		defer mon.Stop()
	}

	if cfg.Log.Mode == "production" || cfg.Log.Mode == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handlers.NewHandler(a.orch, a.engine, a.repo, log)
	router := handlers.NewRouter(h, handlers.RouterOptions{
		Auth: middleware.AuthConfig{
			JWTSecret:     cfg.Auth.JWTSecret,
			TrustedHeader: cfg.Auth.TrustedHeader,
			HeaderPrefix:  cfg.Auth.HeaderPrefix,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        a.collector.Handler(),
		Log:            log,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server forced to shutdown", "error", err)
	}
	log.Info("Server stopped gracefully")
	return nil
}

func runMigrate(ctx context.Context, configPath string) error {
	a, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.repo.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	id, err := a.repo.NormalizeActiveModel(ctx)
	if err != nil {
		return err
	}
	a.log.Info("Database migrated", "activeModelId", id)
	return nil
}

func runReconcile(ctx context.Context, configPath string) error {
	a, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	started := time.Now()
	n, err := monitor.NewJobMonitor(a.orch, 0, a.cfg.Monitor.Concurrency, a.log).RunOnce(ctx)
	if err != nil {
		return err
	}
	a.log.Info("Reconciliation pass finished", "jobs", n, "duration", time.Since(started).String())
	return nil
}
