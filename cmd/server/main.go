package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/boardsync/pkg/auth"
	"github.com/astromechza/boardsync/pkg/gateway"
	"github.com/astromechza/boardsync/pkg/relay"
	"github.com/astromechza/boardsync/pkg/room"
	"github.com/astromechza/boardsync/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type backend interface {
	store.Store
	store.Boards
}

func mainInner() error {
	addrVar := flag.String("addr", envOr("BOARDSYNC_ADDR", "localhost:8080"), "the address to listen on")
	databaseVar := flag.String("database-url", os.Getenv("DATABASE_URL"), "postgres connection url, takes precedence over -sqlite")
	sqliteVar := flag.String("sqlite", envOr("BOARDSYNC_SQLITE", "boardsync.sqlite3"), "sqlite database path, empty to keep boards in memory")
	redisVar := flag.String("redis-addr", os.Getenv("REDIS_ADDR"), "redis address for relaying ops and presence between instances")
	secretVar := flag.String("auth-secret", os.Getenv("AUTH_SECRET"), "HS256 secret for verifying tokens, empty to allow anonymous access")
	graceVar := flag.Duration("grace", room.DefaultGracePeriod, "how long an empty room stays loaded")
	thresholdVar := flag.Int("compact-threshold", room.DefaultCompactThreshold, "log length that triggers compaction")
	skewVar := flag.Uint64("max-clock-skew", room.DefaultMaxClockSkew, "how far ahead of a board's clock an op counter may be")
	logFormatVar := flag.String("log-format", envOr("BOARDSYNC_LOG_FORMAT", "text"), "text or json")
	logLevelVar := flag.String("log-level", envOr("BOARDSYNC_LOG_LEVEL", "info"), "debug, info, warn or error")
	flag.Parse()

	if err := setupLogging(*logFormatVar, *logLevelVar); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, *databaseVar, *sqliteVar)
	if err != nil {
		return err
	}
	defer st.Close()

	instance := uuid.NewString()
	var rl relay.Relay = relay.Nop{}
	if *redisVar != "" {
		slog.Info("Connecting to redis", "addr", *redisVar)
		r, err := relay.NewRedis(ctx, *redisVar, instance, slog.Default())
		if err != nil {
			return err
		}
		defer r.Close()
		rl = r
	}

	var verifier auth.Verifier
	if *secretVar != "" {
		verifier = auth.NewJWTVerifier([]byte(*secretVar), auth.WithLeeway(30*time.Second))
	} else {
		slog.Warn("No auth secret configured, accepting anonymous connections")
	}

	rooms := room.NewManager(store.SingleFlight(st), room.Options{
		GracePeriod:      *graceVar,
		CompactThreshold: *thresholdVar,
		MaxClockSkew:     *skewVar,
		Relay:            rl,
		Logger:           slog.Default().With("instance", instance),
	})
	gw := gateway.New(rooms, gateway.Options{Verifier: verifier, Boards: st})

	httpServer := &http.Server{Addr: *addrVar, Handler: gw.Handler()}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	_ = httpServer.Close()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := rooms.Close(shutdownCtx); err != nil {
		return fmt.Errorf("failed to flush rooms: %w", err)
	}
	slog.Info("Flushed all rooms")
	return nil
}

func openStore(ctx context.Context, databaseURL, sqlitePath string) (backend, error) {
	switch {
	case databaseURL != "":
		slog.Info("Opening postgres database")
		return store.OpenPostgres(ctx, databaseURL)
	case sqlitePath != "":
		slog.Info("Opening sqlite database", "path", sqlitePath)
		return store.OpenSQLite(ctx, sqlitePath)
	default:
		slog.Warn("No database configured, boards are kept in memory only")
		return store.NewMemory(), nil
	}
}

func setupLogging(format, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}
