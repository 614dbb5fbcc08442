package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"circles/backend/internal/api/handler"
	"circles/backend/internal/chathub"
	"circles/backend/internal/config"
	"circles/backend/internal/identity"
	"circles/backend/internal/localization"
	"circles/backend/internal/ratelimit"
	"circles/backend/internal/relay"
	"circles/backend/internal/room"
	"circles/backend/internal/storage"
	"circles/backend/internal/telegram"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/do/v2"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Str("module", "main").Err(err).Msg("config validation failed")
	}
	initLogger(cfg)
	log.Info().Str("module", "main").Str("env", cfg.Env).Msg("starting circles backend")

	injector := setupDI(cfg)
	if err := run(cfg, injector); err != nil {
		log.Fatal().Str("module", "main").Err(err).Msg("backend stopped with error")
	}
	log.Info().Str("module", "main").Msg("backend stopped")
}

func initLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func run(cfg *config.Config, injector do.Injector) error {
	db, err := do.Invoke[*gorm.DB](injector)
	if err != nil {
		return err
	}
	rdb, err := do.Invoke[*redis.Client](injector)
	if err != nil {
		return err
	}
	defer func() {
		_ = rdb.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	h, err := do.Invoke[*handler.Handler](injector)
	if err != nil {
		return err
	}
	hub := do.MustInvoke[*chathub.ManagerService](injector)
	reaper := do.MustInvoke[*room.Reaper](injector)
	limiter := do.MustInvoke[*ratelimit.Keyed](injector)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return reaper.Run(ctx) })
	g.Go(func() error { return prune(ctx, limiter) })

	if cfg.PGChangeFeed {
		feed := relay.NewPGFeed(cfg.DatabaseURL, storage.ChangeFeedChannel, do.MustInvoke[relay.Bus](injector))
		g.Go(func() error { return feed.Run(ctx) })
	}

	if cfg.TelegramBotToken != "" {
		bot, err := telegram.NewBotService(cfg.TelegramBotToken, telegram.Deps{
			Identity:   do.MustInvoke[*identity.Service](injector),
			Directory:  do.MustInvoke[*room.Directory](injector),
			Membership: do.MustInvoke[*room.Membership](injector),
			Messages:   do.MustInvoke[*room.Messages](injector),
			Hub:        hub,
			Bus:        do.MustInvoke[relay.Bus](injector),
			Localizer:  do.MustInvoke[*localization.Localizer](injector),
			Limiter:    limiter,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return bot.Run(ctx) })
	} else {
		log.Info().Str("module", "main").Msg("TELEGRAM_BOT_TOKEN is not set, Telegram bridge disabled")
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.NewRouter(h, handler.RouterOptions{CookieSecret: cfg.CookieSecret, Development: cfg.IsDevelopment()}),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	g.Go(func() error {
		log.Info().Str("module", "main").Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Str("module", "main").Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// prune drops idle rate limiter entries.
func prune(ctx context.Context, limiter *ratelimit.Keyed) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := limiter.Prune(); n > 0 {
				log.Debug().Str("module", "main").Int("pruned", n).Msg("rate limiter pruned")
			}
		}
	}
}
