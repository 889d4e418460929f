package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omniforge/collab/internal/api"
	"github.com/omniforge/collab/internal/compaction"
	"github.com/omniforge/collab/internal/config"
	"github.com/omniforge/collab/internal/db"
	"github.com/omniforge/collab/internal/fanout"
	"github.com/omniforge/collab/internal/log"
	"github.com/omniforge/collab/internal/ratelimit"
	"github.com/omniforge/collab/internal/relay"
	"github.com/omniforge/collab/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Long: `Run the WebSocket relay together with the REST API.

Endpoints:
  WebSocket:  /ws?userId={userId}
  Health:     GET /health
  Metrics:    GET /metrics
  Stats:      GET /api/stats
  Rooms:      GET/POST /api/rooms, GET/DELETE /api/rooms/{id}
  Room text:  GET /api/rooms/{id}/text, POST /api/rooms/{id}/commit
  Versions:   GET/POST /api/versions, GET/DELETE /api/versions/{id}
  Diff:       GET /api/versions/diff?from=X&to=Y
  Restore:    POST /api/versions/{id}/restore`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.String("db", "./data/omniforge-collab.db", "sqlite database path, empty keeps rooms in memory only")
	flags.String("redis", "", "redis address for cross-instance fan-out")
	_ = v.BindPFlag("server.addr", flags.Lookup("addr"))
	_ = v.BindPFlag("db.path", flags.Lookup("db"))
	_ = v.BindPFlag("redis.addr", flags.Lookup("redis"))
}

func serve(cfg *config.Config) error {
	logger := log.WithComponent("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		database *db.Database
		store    relay.Store
	)
	if cfg.DB.Path != "" {
		d, err := db.New(cfg.DB.Path)
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		defer d.Close()
		database, store = d, d
	} else {
		logger.Warn().Msg("persistence disabled, rooms live in memory only")
	}

	r := relay.New(relay.Config{
		JoinTimeout: cfg.Room.JoinTimeout,
		GracePeriod: cfg.Room.GracePeriod,
		Store:       store,
	})

	if cfg.Redis.Addr != "" {
		bridge, err := fanout.New(ctx, fanout.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		}, r.ApplyRemote)
		if err != nil {
			return fmt.Errorf("initialize fan-out: %w", err)
		}
		defer bridge.Close()

		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("start fan-out: %w", err)
		}
		r.SetPublisher(bridge)
		logger.Info().Str("redis", cfg.Redis.Addr).Str("instance", bridge.InstanceID()).Msg("cross-instance fan-out enabled")
	}

	if database != nil && cfg.Compaction.Enabled {
		compactor := compaction.New(database, compaction.Config{
			Interval:        cfg.Compaction.Interval,
			UpdateThreshold: cfg.Compaction.UpdateThreshold,
		})
		compactor.Start(ctx)
		defer compactor.Stop()
	}

	limiters, err := ratelimit.NewClientLimiters(
		cfg.WebSocket.MessagesPerSecond,
		cfg.WebSocket.MessageBurst,
		cfg.WebSocket.LimiterCacheSize,
	)
	if err != nil {
		return fmt.Errorf("initialize rate limiter: %w", err)
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := ws.NewHub(r, limiters, ws.Config{
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		SendBuffer:     cfg.WebSocket.SendBuffer,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	go hub.Run(hubCtx)

	router := api.New(api.Options{
		Database:       database,
		Relay:          r,
		Clients:        hub,
		WebSocket:      http.HandlerFunc(hub.ServeWs),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}).Router()

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Str("version", Version).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
		stopHub()
		<-hub.Done()
		r.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}

	// Hijacked WebSocket connections are not covered by Shutdown.
	stopHub()
	<-hub.Done()

	r.Close()
	logger.Info().Msg("shutdown complete")
	return nil
}
