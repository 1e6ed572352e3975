package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// AppConfig is the canonical, validated configuration object used throughout
// the application. It is created by NewConfigFromYaml (Stage 1) and
// finalized by UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	RunMode                 string
	APIPort                 string
	WebSocketPort           string
	JWTSecret               string
	ChangeSource            YamlChangeSourceConfig
	TokenStore              YamlTokenStoreConfig
	Push                    YamlPushConfig
	ReconnectBackoffSeconds int
	ShutdownTimeoutSeconds  int
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from
// YAML) and completes it by applying environment variables and final
// validation.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	override := func(key string, target *string) {
		if v := os.Getenv(key); v != "" {
			logger.Debug().Str("key", key).Msg("Overriding config value from env.")
			*target = v
		}
	}

	override("API_PORT", &cfg.APIPort)
	override("WEBSOCKET_PORT", &cfg.WebSocketPort)
	override("JWT_SECRET", &cfg.JWTSecret)
	override("DATABASE_URL", &cfg.ChangeSource.Postgres.DSN)
	override("DATABASE_URL", &cfg.TokenStore.Postgres.DSN)
	override("REDIS_ADDR", &cfg.ChangeSource.Redis.Addr)
	override("GCP_PROJECT_ID", &cfg.TokenStore.Firestore.ProjectID)
	override("PUSH_GATEWAY_URL", &cfg.Push.GatewayURL)

	// Final validation.
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is not set in config or env var")
	}
	if cfg.APIPort == "" || cfg.WebSocketPort == "" {
		return nil, fmt.Errorf("api_port and websocket_port must be set")
	}

	switch cfg.ChangeSource.Type {
	case "postgres":
		if cfg.ChangeSource.Postgres.DSN == "" {
			return nil, fmt.Errorf("change_source.postgres.dsn is required (or DATABASE_URL)")
		}
	case "redis":
		if cfg.ChangeSource.Redis.Addr == "" {
			return nil, fmt.Errorf("change_source.redis.addr is required (or REDIS_ADDR)")
		}
	default:
		return nil, fmt.Errorf("unknown change_source.type %q", cfg.ChangeSource.Type)
	}

	switch cfg.TokenStore.Type {
	case "postgres":
		if cfg.TokenStore.Postgres.DSN == "" {
			return nil, fmt.Errorf("token_store.postgres.dsn is required (or DATABASE_URL)")
		}
	case "firestore":
		if cfg.TokenStore.Firestore.ProjectID == "" {
			return nil, fmt.Errorf("token_store.firestore.project_id is required (or GCP_PROJECT_ID)")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unknown token_store.type %q", cfg.TokenStore.Type)
	}

	logger.Debug().Msg("Configuration finalized and validated successfully.")
	return cfg, nil
}
