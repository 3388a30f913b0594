package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

const envPrefix = "WABRIDGE_"

// applyEnvOverrides overlays WABRIDGE_* variables onto cfg. Unset variables
// leave the current value alone.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return err
	}

	// Build a postgres URL from the conventional POSTGRES_* variables when
	// none was given explicitly.
	if strings.EqualFold(cfg.Storage.Type, "postgres") && strings.TrimSpace(cfg.Storage.DatabaseURL) == "" {
		pgUser := strings.TrimSpace(os.Getenv("POSTGRES_USER"))
		pgPass := strings.TrimSpace(os.Getenv("POSTGRES_PASSWORD"))
		pgDB := strings.TrimSpace(os.Getenv("POSTGRES_DB"))
		pgHost := strings.TrimSpace(os.Getenv("POSTGRES_HOST"))
		if pgHost == "" {
			pgHost = "postgres"
		}
		if pgUser != "" && pgPass != "" && pgDB != "" {
			cfg.Storage.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:5432/%s", pgUser, pgPass, pgHost, pgDB)
		}
	}

	return nil
}
