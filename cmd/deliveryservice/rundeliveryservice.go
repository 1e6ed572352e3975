// Main entrypoint for the delivery service. Handles config loading,
// dependency construction, and starting the application.
package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/Tarboucha/CommMobile-sub001/deliveryservice"
	"github.com/Tarboucha/CommMobile-sub001/deliveryservice/config"
	"github.com/Tarboucha/CommMobile-sub001/internal/app"
	"github.com/Tarboucha/CommMobile-sub001/internal/listener"
	"github.com/Tarboucha/CommMobile-sub001/internal/middleware"
	"github.com/Tarboucha/CommMobile-sub001/internal/platform/persistence"
	"github.com/Tarboucha/CommMobile-sub001/internal/platform/push"
	"github.com/Tarboucha/CommMobile-sub001/pkg/delivery"
)

//go:embed config.yaml
var configFile []byte

func main() {
	logLevel, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(logLevel).With().
		Timestamp().
		Str("service", "delivery-service").
		Logger()

	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error().Err(err).Msg("Failed to unmarshal embedded yaml config.")
		os.Exit(1)
	}

	baseCfg, err := config.NewConfigFromYaml(&yamlCfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build base configuration from YAML.")
		os.Exit(1)
	}

	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to finalize configuration with environment overrides.")
		os.Exit(1)
	}

	ctx := context.Background()

	deps, cleanup, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize dependencies.")
		os.Exit(1)
	}
	defer cleanup()

	authMiddleware, err := middleware.NewJWTAuthMiddleware([]byte(cfg.JWTSecret), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize authentication middleware.")
		os.Exit(1)
	}

	service, err := deliveryservice.New(cfg, deps, authMiddleware, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create delivery service.")
		os.Exit(1)
	}

	app.Run(ctx, logger, service, time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
}

// newDependencies builds the externally owned collaborators: the change
// source, the token registry, and the push sender. The returned cleanup
// closes whatever was opened.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*delivery.ServiceDependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	source, err := newChangeSource(cfg, logger, &closers)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	tokens, err := newTokenStore(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, func() { _ = tokens.Close() })

	sender, err := push.NewExpoSender(cfg.Push.GatewayURL, tokens, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &delivery.ServiceDependencies{
		Source: source,
		Tokens: tokens,
		Push:   sender,
	}, cleanup, nil
}

func newChangeSource(cfg *config.AppConfig, logger zerolog.Logger, closers *[]func()) (delivery.ChangeSource, error) {
	switch cfg.ChangeSource.Type {
	case "postgres":
		return listener.NewPostgresSource(cfg.ChangeSource.Postgres.DSN, logger), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.ChangeSource.Redis.Addr})
		*closers = append(*closers, func() { _ = client.Close() })
		return listener.NewRedisSource(client, logger)
	default:
		return nil, fmt.Errorf("unknown change_source.type %q", cfg.ChangeSource.Type)
	}
}

func newTokenStore(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (delivery.TokenStore, error) {
	switch cfg.TokenStore.Type {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.TokenStore.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create pgx pool: %w", err)
		}
		return persistence.NewPostgresTokenStore(pool, logger)
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.TokenStore.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
		return persistence.NewFirestoreTokenStore(client, logger)
	case "memory":
		return persistence.NewMemoryTokenStore(), nil
	default:
		return nil, fmt.Errorf("unknown token_store.type %q", cfg.TokenStore.Type)
	}
}
