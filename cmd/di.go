package main

import (
	"context"
	"fmt"
	"time"

	"circles/backend/internal/analysis"
	"circles/backend/internal/api/handler"
	"circles/backend/internal/chathub"
	"circles/backend/internal/config"
	"circles/backend/internal/identity"
	"circles/backend/internal/localization"
	"circles/backend/internal/ratelimit"
	"circles/backend/internal/relay"
	"circles/backend/internal/room"
	"circles/backend/internal/storage"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/samber/do/v2"
	"gorm.io/gorm"
)

const (
	connectTimeout = 15 * time.Second
	limiterTTL     = 10 * time.Minute
)

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()
	do.ProvideValue(injector, cfg)

	do.Provide(injector, func(i do.Injector) (*gorm.DB, error) {
		cfg := do.MustInvoke[*config.Config](i)
		db, err := storage.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect database: %w", err)
		}
		if err := storage.Migrate(db); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		if cfg.PGChangeFeed {
			if err := storage.InstallChangeFeed(db); err != nil {
				return nil, fmt.Errorf("failed to install change feed: %w", err)
			}
		}
		log.Info().Str("module", "main").Bool("postgres", storage.IsPostgres(db)).Msg("database ready")
		return db, nil
	})

	do.Provide(injector, func(i do.Injector) (*redis.Client, error) {
		cfg := do.MustInvoke[*config.Config](i)
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect redis: %w", err)
		}
		return rdb, nil
	})

	do.Provide(injector, func(i do.Injector) (storage.Storage, error) {
		return storage.NewStorageService(do.MustInvoke[*gorm.DB](i), do.MustInvoke[*redis.Client](i)), nil
	})

	do.Provide(injector, func(i do.Injector) (relay.Bus, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if cfg.RelayBackend == "local" {
			return relay.NewLocalBus(), nil
		}
		return relay.NewRedisBus(do.MustInvoke[*redis.Client](i)), nil
	})

	// With the change feed on, database triggers announce every row change,
	// so the services must not publish a second copy.
	do.Provide(injector, func(i do.Injector) (relay.Publisher, error) {
		if do.MustInvoke[*config.Config](i).PGChangeFeed {
			return relay.Discard{}, nil
		}
		return do.MustInvoke[relay.Bus](i), nil
	})

	do.Provide(injector, func(i do.Injector) (*identity.Service, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return identity.NewService(do.MustInvoke[storage.Storage](i), cfg.JWTSecret, cfg.TokenTTL), nil
	})
	do.Provide(injector, func(i do.Injector) (*room.Directory, error) {
		return room.NewDirectory(do.MustInvoke[storage.Storage](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*room.Membership, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return room.NewMembership(do.MustInvoke[storage.Storage](i), do.MustInvoke[relay.Publisher](i), cfg.RequireVerification), nil
	})
	do.Provide(injector, func(i do.Injector) (*room.Turns, error) {
		return room.NewTurns(do.MustInvoke[storage.Storage](i), do.MustInvoke[relay.Publisher](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*room.Messages, error) {
		return room.NewMessages(do.MustInvoke[storage.Storage](i), do.MustInvoke[relay.Publisher](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*room.Reaper, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return room.NewReaper(do.MustInvoke[*room.Membership](i), cfg.IdleTimeout, cfg.ReapInterval), nil
	})

	do.Provide(injector, func(i do.Injector) (*analysis.Service, error) {
		cfg := do.MustInvoke[*config.Config](i)
		var analyzer analysis.Analyzer
		if cfg.AIEnabled() {
			analyzer = analysis.NewOpenAIAnalyzer(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.AITimeout)
		} else {
			log.Warn().Str("module", "main").Msg("OPENAI_API_KEY is not set, AI insights are disabled")
		}
		return analysis.NewService(do.MustInvoke[storage.Storage](i), analyzer), nil
	})

	do.Provide(injector, func(i do.Injector) (*chathub.ManagerService, error) {
		return chathub.NewManagerService(do.MustInvoke[relay.Bus](i), do.MustInvoke[*room.Membership](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*ratelimit.Keyed, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return ratelimit.NewKeyed(cfg.MessagesPerSecond, cfg.MessageBurst, limiterTTL), nil
	})
	do.Provide(injector, func(i do.Injector) (*localization.Localizer, error) {
		return localization.NewLocalizer(do.MustInvoke[*config.Config](i).LocalesDir)
	})

	do.Provide(injector, func(i do.Injector) (*handler.Handler, error) {
		cfg := do.MustInvoke[*config.Config](i)
		db := do.MustInvoke[*gorm.DB](i)
		return &handler.Handler{
			Identity:       do.MustInvoke[*identity.Service](i),
			Directory:      do.MustInvoke[*room.Directory](i),
			Membership:     do.MustInvoke[*room.Membership](i),
			Turns:          do.MustInvoke[*room.Turns](i),
			Messages:       do.MustInvoke[*room.Messages](i),
			Analysis:       do.MustInvoke[*analysis.Service](i),
			Hub:            do.MustInvoke[*chathub.ManagerService](i),
			Bus:            do.MustInvoke[relay.Bus](i),
			Limiter:        do.MustInvoke[*ratelimit.Keyed](i),
			RequestTimeout: cfg.RequestTimeout,
			AITimeout:      cfg.AITimeout,
			Ping: func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
		}, nil
	})

	return injector
}
