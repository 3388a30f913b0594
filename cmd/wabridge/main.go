package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sipeed/wabridge/pkg/bus"
	"github.com/sipeed/wabridge/pkg/channels"
	"github.com/sipeed/wabridge/pkg/config"
	"github.com/sipeed/wabridge/pkg/connection"
	"github.com/sipeed/wabridge/pkg/dashboard"
	"github.com/sipeed/wabridge/pkg/ingest"
	"github.com/sipeed/wabridge/pkg/logger"
	"github.com/sipeed/wabridge/pkg/maintenance"
	"github.com/sipeed/wabridge/pkg/media"
	"github.com/sipeed/wabridge/pkg/socket"
	"github.com/sipeed/wabridge/pkg/storage"
	"github.com/sipeed/wabridge/pkg/webhook"
)

const ingestTimeout = 2 * time.Minute

func main() {
	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "run", "gateway":
		runCommand()
	case "token":
		tokenCommand(len(os.Args) > 2 && os.Args[2] == "--rotate")
	case "migrate":
		migrateDataCommand()
	case "export":
		dir := "wabridge-export"
		if len(os.Args) > 2 {
			dir = os.Args[2]
		}
		exportDataCommand(dir)
	case "version", "--version", "-v":
		fmt.Printf("wabridge %s\n", dashboard.Version)
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("wabridge - WhatsApp to HTTP bridge")
	fmt.Println()
	fmt.Println("Usage: wabridge <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run               Start the bridge (default)")
	fmt.Println("  token [--rotate]  Show or rotate the dashboard token")
	fmt.Println("  migrate           Copy messages and webhooks between sqlite and postgres")
	fmt.Println("  export [dir]      Export messages and webhooks as JSON")
	fmt.Println("  version           Show version")
}

// getConfigPath honours WABRIDGE_CONFIG, defaulting to ~/.wabridge/config.json.
func getConfigPath() string {
	if p := os.Getenv("WABRIDGE_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(config.DefaultHome(), "config.json")
}

func loadConfig() *config.Config {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func storageConfig(cfg *config.Config) storage.Config {
	sc := storage.DefaultConfig(cfg.Storage.Type)
	sc.FilePath = cfg.Storage.FilePath
	sc.DatabaseURL = cfg.Storage.DatabaseURL
	sc.SSLEnabled = cfg.Storage.SSLEnabled
	if cfg.Storage.MaxIdleConns > 0 {
		sc.MaxIdleConns = cfg.Storage.MaxIdleConns
	}
	if cfg.Storage.MaxOpenConns > 0 {
		sc.MaxOpenConns = cfg.Storage.MaxOpenConns
	}
	return sc
}

func tokenCommand(rotate bool) {
	cfg := loadConfig()

	if rotate {
		token, err := cfg.RotateDashboardToken()
		if err != nil {
			fmt.Printf("Error rotating token: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("New dashboard token: %s\n", token)
		return
	}

	token, created, err := cfg.EnsureDashboardToken()
	if err != nil {
		fmt.Printf("Error reading token: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Println("Generated a new dashboard token.")
	}
	fmt.Printf("Dashboard token: %s\n", token)
}

func runCommand() {
	cfg := loadConfig()
	logger.Init(cfg.Log.Level, cfg.Log.Pretty)

	token, created, err := cfg.EnsureDashboardToken()
	if err != nil {
		logger.ErrorCF("main", "Failed to prepare dashboard token", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	if created {
		fmt.Printf("\nDashboard token (shown once, rotate with `wabridge token --rotate`): %s\n\n", token)
	}

	logger.InfoCF("main", "Starting wabridge", map[string]interface{}{
		"version": dashboard.Version,
		"storage": cfg.Storage.Type,
		"secrets": config.SecretMaskMap(cfg),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.ErrorCF("main", "wabridge stopped with error", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	logger.InfoC("main", "wabridge stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := storage.NewStorage(storageConfig(cfg))
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	if err := store.Connect(ctx); err != nil {
		return fmt.Errorf("connect storage: %w", err)
	}
	defer store.Close()

	msgBus := bus.NewMessageBus()

	dispatcher := webhook.NewDispatcher(store.Webhooks(), webhook.Options{
		MaxRetries:  cfg.Webhooks.MaxRetries,
		BaseBackoff: cfg.Webhooks.BaseBackoff.Std(),
		Timeout:     cfg.Webhooks.Timeout.Std(),
	})
	msgBus.AddSink(dispatcher)

	opts := connection.Options{
		ReconnectDelay:    cfg.WhatsApp.ReconnectDelay.Std(),
		MaxReconnectDelay: cfg.WhatsApp.MaxReconnectDelay.Std(),
		PurgeGrace:        cfg.WhatsApp.PurgeGrace.Std(),
	}
	if cfg.WhatsApp.PrintQR {
		opts.QRWriter = os.Stdout
	}
	manager := connection.NewManager(channels.NewWhatsAppDialer(cfg.WhatsApp.StorePath), msgBus, opts)

	blobs := media.NewFileStore(cfg.Media.Dir, cfg.Media.URLPrefix)
	pipeline := ingest.NewPipeline(manager, store.Messages(), blobs, msgBus)
	manager.OnMessage(func(in socket.Inbound) {
		ictx, cancel := context.WithTimeout(ctx, ingestTimeout)
		defer cancel()
		if err := pipeline.Ingest(ictx, in); err != nil {
			logger.ErrorCF("main", "Failed to ingest message", map[string]interface{}{
				"external_id": in.ExternalID,
				"error":       err.Error(),
			})
		}
	})

	pruner, err := maintenance.NewPruner(store.Audit(), cfg.Maintenance.PruneSchedule, cfg.Maintenance.AuditRetention.Std())
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return pruner.Run(gctx) })

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(cfg.Dashboard, dashboard.Deps{
			Connection: manager,
			Messages:   pipeline,
			Webhooks:   store.Webhooks(),
			Audit:      store.Audit(),
			Deliveries: dispatcher,
			Store:      store,
			Bus:        msgBus,
			MediaDir:   blobs.Dir(),
			MediaURL:   blobs.URLPrefix(),
		})
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			srv.Stop()
			return nil
		})
	}

	manager.Start()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
