// Command opqueue runs a queue engine behind the admin HTTP API.
//
// The engine is configured from OPQUEUE_* variables (see opqueue.Config)
// and the server from OPQUEUE_SERVER_* variables. With
// OPQUEUE_SERVER_DEMO=true every resource gets a processor that logs the
// operation and succeeds, which is handy for exercising the API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/api"
	"github.com/a-cube-io/opqueue/engine"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/persist"
	"github.com/a-cube-io/opqueue/persist/badger"
	bunstore "github.com/a-cube-io/opqueue/persist/bun"
	"github.com/a-cube-io/opqueue/persist/postgres"
	redisstore "github.com/a-cube-io/opqueue/persist/redis"
)

type serverConfig struct {
	Addr     string `env:"ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Backend selects persistence: none, badger, redis, postgres or bun.
	Backend     string `env:"BACKEND" envDefault:"none"`
	Codec       string `env:"CODEC" envDefault:"json"`
	BadgerDir   string `env:"BADGER_DIR" envDefault:"./data/opqueue"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPass   string `env:"REDIS_PASSWORD"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	// Tokens are "token=subject:scope1|scope2" pairs. Empty disables
	// authentication.
	Tokens []string `env:"TOKENS" envSeparator:","`

	Demo            bool          `env:"DEMO" envDefault:"false"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("opqueue exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	var sc serverConfig
	if err := env.ParseWithOptions(&sc, env.Options{Prefix: "OPQUEUE_SERVER_"}); err != nil {
		return fmt.Errorf("load server config: %w", err)
	}
	logger := newLogger(sc.LogLevel)
	slog.SetDefault(logger)

	cfg, err := opqueue.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, sc, logger)
	if err != nil {
		return err
	}
	opts := []engine.Option{engine.WithLogger(logger)}
	if backend != nil {
		defer backend.Close() //nolint:errcheck // best-effort close on exit
		opts = append(opts, engine.WithPersistence(backend), engine.WithDLQStore(backend))
	}

	eng, err := engine.New(cfg, opts...)
	if err != nil {
		return err
	}
	if sc.Demo {
		if err := registerDemoProcessors(eng, logger); err != nil {
			return err
		}
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	apiOpts := []api.Option{api.WithLogger(logger)}
	if len(sc.Tokens) > 0 {
		auth, err := parseTokens(sc.Tokens)
		if err != nil {
			return err
		}
		apiOpts = append(apiOpts, api.WithAuthenticator(auth))
	}
	srv := &http.Server{
		Addr:              sc.Addr,
		Handler:           api.New(eng, apiOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin api listening", slog.String("addr", sc.Addr), slog.String("backend", sc.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	return eng.Destroy(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openBackend(ctx context.Context, sc serverConfig, logger *slog.Logger) (persist.Backend, error) {
	codec, err := persist.CodecByName(sc.Codec)
	if err != nil {
		return nil, err
	}

	switch sc.Backend {
	case "", "none":
		return nil, nil
	case "badger":
		return badger.Open(sc.BadgerDir, badger.WithCodec(codec), badger.WithLogger(logger))
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: sc.RedisAddr, Password: sc.RedisPass})
		s := redisstore.New(client, redisstore.WithCodec(codec), redisstore.WithLogger(logger))
		if err := s.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis %s: %w", sc.RedisAddr, err)
		}
		return s, nil
	case "postgres":
		s, err := postgres.New(ctx, sc.PostgresDSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close() //nolint:errcheck // already failing
			return nil, err
		}
		return s, nil
	case "bun":
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(sc.PostgresDSN)))
		s := bunstore.New(bun.NewDB(sqldb, pgdialect.New()), bunstore.WithLogger(logger))
		if err := s.Migrate(ctx); err != nil {
			s.Close() //nolint:errcheck // already failing
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", opqueue.ErrInvalidConfig, sc.Backend)
}

func registerDemoProcessors(eng *engine.Engine, logger *slog.Logger) error {
	for _, r := range item.Resources {
		err := eng.RegisterProcessor(r, "", func(_ context.Context, it *item.Item) (any, error) {
			logger.Info("demo processor",
				slog.String("item_id", it.ID.String()),
				slog.String("resource", string(it.Resource)),
				slog.String("operation", string(it.Operation)),
			)
			return map[string]string{"status": "accepted"}, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// parseTokens reads "token=subject:scope1|scope2" entries.
func parseTokens(entries []string) (api.Authenticator, error) {
	keys := make(map[string]api.Identity, len(entries))
	for _, e := range entries {
		token, rest, ok := strings.Cut(e, "=")
		if !ok || token == "" {
			return nil, fmt.Errorf("%w: malformed token entry", opqueue.ErrInvalidConfig)
		}
		subject, scopes, _ := strings.Cut(rest, ":")
		id := api.Identity{Subject: subject, Scopes: []string{api.ScopeAll}}
		if scopes != "" {
			id.Scopes = strings.Split(scopes, "|")
		}
		keys[token] = id
	}
	return api.NewTokenAuthenticator(keys), nil
}
