package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sipeed/wabridge/pkg/storage"
	"github.com/sipeed/wabridge/pkg/storage/repository"
)

const migratePageSize = 500

// migrateDataCommand copies the event store between sqlite and postgres.
// The configured backend is the destination.
func migrateDataCommand() {
	fmt.Println("🔄 wabridge Data Migration Tool")
	fmt.Println("===============================")
	fmt.Println()

	cfg := loadConfig()

	sqliteConfig := storage.DefaultConfig("sqlite")
	sqliteConfig.FilePath = cfg.Storage.FilePath

	postgresConfig := storage.DefaultConfig("postgres")
	postgresConfig.DatabaseURL = cfg.Storage.DatabaseURL
	postgresConfig.SSLEnabled = cfg.Storage.SSLEnabled

	sourceConfig, destConfig := sqliteConfig, postgresConfig
	if cfg.Storage.Type != "postgres" {
		sourceConfig, destConfig = postgresConfig, sqliteConfig
	}
	if sourceConfig.Type == "postgres" && sourceConfig.DatabaseURL == "" {
		fmt.Println("❌ storage.database_url is required to migrate from postgres")
		os.Exit(1)
	}

	fmt.Printf("📁 Source: %s\n", sourceConfig.Type)
	fmt.Printf("📁 Destination: %s\n", destConfig.Type)
	fmt.Println()

	fmt.Print("⚠️  This will copy all messages and webhooks. Continue? (yes/no): ")
	var confirm string
	fmt.Scanln(&confirm)
	if confirm != "yes" {
		fmt.Println("❌ Migration cancelled")
		return
	}

	ctx := context.Background()

	fmt.Printf("🔌 Connecting to source (%s)...\n", sourceConfig.Type)
	sourceStore, err := openStorage(ctx, sourceConfig)
	if err != nil {
		fmt.Printf("❌ Error opening source: %v\n", err)
		os.Exit(1)
	}
	defer sourceStore.Close()

	fmt.Printf("🔌 Connecting to destination (%s)...\n", destConfig.Type)
	destStore, err := openStorage(ctx, destConfig)
	if err != nil {
		fmt.Printf("❌ Error opening destination: %v\n", err)
		os.Exit(1)
	}
	defer destStore.Close()

	fmt.Println()
	fmt.Println("📦 Migrating messages...")
	copied, skipped, err := migrateMessages(ctx, sourceStore, destStore)
	if err != nil {
		fmt.Printf("❌ Error migrating messages: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("   ✅ Migrated %d messages (%d already present)\n", copied, skipped)

	fmt.Println()
	fmt.Println("📦 Migrating webhooks...")
	hooks, err := migrateWebhooks(ctx, sourceStore, destStore)
	if err != nil {
		fmt.Printf("❌ Error migrating webhooks: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("   ✅ Migrated %d webhooks\n", hooks)

	fmt.Println()
	fmt.Println("✅ Migration completed successfully!")
	fmt.Println()
	fmt.Println("⚠️  Remember to:")
	fmt.Printf("   1. Set storage.type to '%s' in config.json\n", destConfig.Type)
	fmt.Println("   2. Restart wabridge for changes to take effect")
}

func openStorage(ctx context.Context, cfg storage.Config) (storage.Storage, error) {
	store, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Connect(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// migrateMessages copies every message page by page. Rows whose id or
// transport id already exist in dest are counted as skipped, so the copy
// can be rerun.
func migrateMessages(ctx context.Context, source, dest storage.Storage) (int, int, error) {
	copied, skipped := 0, 0
	for page := 1; ; page++ {
		rows, total, err := source.Messages().Query(ctx, repository.MessageFilter{}, page, migratePageSize)
		if err != nil {
			return copied, skipped, fmt.Errorf("failed to list messages: %w", err)
		}
		if page == 1 {
			fmt.Printf("   Found %d messages\n", total)
		}

		for i := range rows {
			msg := rows[i]
			if err := dest.Messages().Insert(ctx, &msg); err != nil {
				if errors.Is(err, repository.ErrDuplicate) {
					skipped++
					continue
				}
				return copied, skipped, fmt.Errorf("failed to save message %s: %w", msg.ID, err)
			}
			copied++
		}

		if len(rows) < migratePageSize {
			return copied, skipped, nil
		}
	}
}

// migrateWebhooks copies subscriptions that dest does not already have with
// the same URL. Ids are reassigned by dest.
func migrateWebhooks(ctx context.Context, source, dest storage.Storage) (int, error) {
	hooks, err := source.Webhooks().List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list webhooks: %w", err)
	}
	existing, err := dest.Webhooks().List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list destination webhooks: %w", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, h := range existing {
		seen[h.URL] = true
	}

	fmt.Printf("   Found %d webhooks\n", len(hooks))

	copied := 0
	for i := range hooks {
		hook := hooks[i]
		if seen[hook.URL] {
			fmt.Printf("   [%d/%d] Skipping existing webhook: %s\n", i+1, len(hooks), hook.URL)
			continue
		}
		fmt.Printf("   [%d/%d] Migrating webhook: %s\n", i+1, len(hooks), hook.URL)
		if err := dest.Webhooks().Create(ctx, &hook); err != nil {
			return copied, fmt.Errorf("failed to save webhook %s: %w", hook.URL, err)
		}
		seen[hook.URL] = true
		copied++
	}
	return copied, nil
}

// exportDataCommand writes the configured store to JSON files.
func exportDataCommand(outputDir string) {
	fmt.Println("📤 wabridge Data Export Tool")
	fmt.Println("============================")
	fmt.Println()

	cfg := loadConfig()

	fmt.Printf("📁 Storage type: %s\n", cfg.Storage.Type)
	fmt.Printf("📁 Output directory: %s\n", outputDir)
	fmt.Println()

	ctx := context.Background()
	store, err := openStorage(ctx, storageConfig(cfg))
	if err != nil {
		fmt.Printf("❌ Error opening storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := exportData(ctx, store, outputDir); err != nil {
		fmt.Printf("❌ Error exporting data: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("✅ Export completed successfully to: %s\n", outputDir)
}

func exportData(ctx context.Context, store storage.Storage, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	fmt.Println("📦 Exporting messages...")
	var messages []repository.Message
	for page := 1; ; page++ {
		rows, _, err := store.Messages().Query(ctx, repository.MessageFilter{}, page, migratePageSize)
		if err != nil {
			return err
		}
		messages = append(messages, rows...)
		if len(rows) < migratePageSize {
			break
		}
	}
	if err := writeJSONFile(filepath.Join(outputDir, "messages.json"), messages); err != nil {
		return err
	}
	fmt.Printf("   ✅ Exported %d messages\n", len(messages))

	fmt.Println("📦 Exporting webhooks...")
	hooks, err := store.Webhooks().List(ctx)
	if err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(outputDir, "webhooks.json"), hooks); err != nil {
		return err
	}
	fmt.Printf("   ✅ Exported %d webhooks\n", len(hooks))

	fmt.Println("📦 Exporting audit log...")
	entries, err := store.Audit().List(ctx, 100000, 0)
	if err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(outputDir, "audit.json"), entries); err != nil {
		return err
	}
	fmt.Printf("   ✅ Exported %d audit entries\n", len(entries))
	return nil
}

func writeJSONFile(filename string, data interface{}) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
