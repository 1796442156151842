// Command transferd runs the AqwaCloud transfer orchestration service: the
// HTTP API, the background sync queue, the file monitor and the scheduler,
// wired over a Postgres or in-memory store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aqwacloud/transfercore/internal/api"
	"github.com/aqwacloud/transfercore/internal/store"
	"github.com/aqwacloud/transfercore/pkg/config"
	"github.com/aqwacloud/transfercore/pkg/logger"
	"github.com/aqwacloud/transfercore/pkg/provider"
	"github.com/aqwacloud/transfercore/pkg/provider/googledrive"
	"github.com/aqwacloud/transfercore/pkg/provider/onedrive"
	"github.com/aqwacloud/transfercore/pkg/tracing"
	"github.com/aqwacloud/transfercore/pkg/transfer"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "transferd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logFormat := logger.JSONFormat
	if cfg.Logging.Format == "text" {
		logFormat = logger.TextFormat
	}
	log := logger.New(&logger.Config{
		Level:   logger.ParseLevel(cfg.Logging.Level),
		Format:  logFormat,
		Service: "transferd",
		Version: "1.0.0",
	})

	shutdownTracing, err := tracing.Init(context.Background(), &cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	var jobStore transfer.Store
	if cfg.Database.DSN != "" {
		gormStore, err := store.NewGormStore(cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		jobStore = gormStore
		log.Info("postgres store ready")
	} else {
		jobStore = store.NewMemoryStore()
		log.Warn("no database dsn configured, using in-memory store")
	}

	factories := map[provider.Provider]provider.ClientFactory{
		provider.ProviderGoogle: func(conn *provider.Connection) (provider.Client, error) {
			driveCfg := googledrive.DefaultConfig()
			driveCfg.ClientID = cfg.Providers.Google.ClientID
			driveCfg.ClientSecret = cfg.Providers.Google.ClientSecret
			return googledrive.NewClient(conn, driveCfg)
		},
		provider.ProviderMicrosoft: func(conn *provider.Connection) (provider.Client, error) {
			graphCfg := onedrive.DefaultConfig()
			graphCfg.ClientID = cfg.Providers.Microsoft.ClientID
			graphCfg.ClientSecret = cfg.Providers.Microsoft.ClientSecret
			graphCfg.TenantID = cfg.Providers.Microsoft.TenantID
			return onedrive.NewClient(conn, graphCfg)
		},
	}

	notifier := transfer.NewNotifier()

	monitorCfg := transfer.DefaultMonitorConfig()
	monitorCfg.PollInterval = cfg.Transfer.MonitorInterval
	monitorCfg.Cooldown = cfg.Transfer.MonitorCooldown
	monitor := transfer.NewFileMonitor(monitorCfg, notifier, log)

	sessionCfg := transfer.DefaultSessionConfig()
	sessionCfg.MaxRetries = cfg.Transfer.MaxRetries
	sessionCfg.UseQueue = cfg.Transfer.UseQueue
	sessionCfg.DownloadTimeout = cfg.Transfer.DownloadTimeout
	sessionCfg.UploadTimeout = cfg.Transfer.UploadTimeout
	manager := transfer.NewSessionManager(sessionCfg, factories, jobStore, monitor, notifier, log)

	queueCfg := transfer.DefaultQueueConfig()
	queueCfg.MaxConcurrentJobs = cfg.Transfer.MaxConcurrentJobs
	queue := transfer.NewSyncQueue(queueCfg, manager, transfer.NewConflictResolver(), jobStore, notifier, log)
	manager.AttachQueue(queue)
	queue.Start()
	defer queue.Stop()

	// Route monitor events into the queue's conflict handling.
	notifier.Subscribe(func(e transfer.Event) {
		if e.Type != transfer.EventFileChange {
			return
		}
		change, ok := e.Data.(transfer.ChangeEvent)
		if !ok || change.Type != transfer.FileChanged {
			return
		}
		go queue.HandleFileChange(context.Background(), change.FileID)
	})

	scheduler := transfer.NewScheduler(manager, log)
	scheduler.Start()
	defer scheduler.Stop()

	server := api.NewServer(cfg.Server, manager, queue, scheduler, jobStore, notifier, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	}

	monitor.Stop()
	if err := server.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
